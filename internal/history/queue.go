package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueHistory is the asynq queue history records travel on.
	QueueHistory = "history"
	// TaskRecord is the task type of one history record.
	TaskRecord = "history:record"
)

// Enqueuer is the part of *asynq.Client the queue sink uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueSink hands records to the worker through asynq.
type QueueSink struct {
	client Enqueuer
}

// NewQueueSink returns a sink enqueueing on client.
func NewQueueSink(client Enqueuer) *QueueSink {
	return &QueueSink{client: client}
}

// NewTask encodes rec as an asynq task.
func NewTask(rec Record) (*asynq.Task, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRecord, data), nil
}

func (s *QueueSink) Emit(ctx context.Context, rec Record) error {
	task, err := NewTask(rec)
	if err != nil {
		return fmt.Errorf("encode history record: %w", err)
	}
	// The record id doubles as task id so a retried enqueue is not stored twice.
	_, err = s.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueHistory),
		asynq.TaskID(rec.ID),
		asynq.MaxRetry(5),
		asynq.Timeout(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("enqueue history record: %w", err)
	}
	return nil
}

// Handler consumes history tasks into sink.
type Handler struct {
	sink Sink
}

// NewHandler returns a task handler writing to sink.
func NewHandler(sink Sink) *Handler {
	return &Handler{sink: sink}
}

// Handle fulfils the asynq.HandlerFunc contract.
func (h *Handler) Handle(ctx context.Context, task *asynq.Task) error {
	if h == nil || h.sink == nil {
		return fmt.Errorf("history handler not configured")
	}
	var rec Record
	if err := json.Unmarshal(task.Payload(), &rec); err != nil {
		return fmt.Errorf("decode history record: %v: %w", err, asynq.SkipRetry)
	}
	if rec.ID == "" || rec.EntityType == "" {
		return fmt.Errorf("incomplete history record: %w", asynq.SkipRetry)
	}
	return h.sink.Emit(ctx, rec)
}
