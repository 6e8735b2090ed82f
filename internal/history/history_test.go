package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chorus.org/internal/obs"
)

var at = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNewRecordSuppressesNoOpUpdates(t *testing.T) {
	_, ok := NewRecord(context.Background(), Entry{
		Change: Update, EntityType: "role", InstanceID: "r1",
		Before:    Fields{"name": {"1T"}, "capabilities": {"role"}},
		After:     Fields{"name": {"1T"}, "capabilities": {"role"}},
		Relations: []string{"capabilities"},
	}, at)
	assert.False(t, ok)
}

func TestNewRecordCarriesRelationChanges(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-7")
	rec, ok := NewRecord(ctx, Entry{
		Change: Update, EntityType: "role", InstanceID: "r1", AuthorID: "p1", OrganizationID: "o1",
		Before:    Fields{"name": {"Formann"}, "capabilities": {"export", "role"}},
		After:     Fields{"name": {"Formann"}, "capabilities": {"memberData", "role"}},
		Relations: []string{"capabilities"},
	}, at)
	require.True(t, ok)
	assert.Equal(t, Fields{"capabilities": {"memberData"}}, rec.Added)
	assert.Equal(t, Fields{"capabilities": {"export"}}, rec.Removed)
	assert.NotContains(t, rec.After, "name")
	assert.Equal(t, "req-7", rec.RequestID)
	assert.Equal(t, at, rec.At)
	assert.NotEmpty(t, rec.ID)
}

func TestNewRecordCreateAndDelete(t *testing.T) {
	rec, ok := NewRecord(context.Background(), Entry{Change: Create, EntityType: "role_holding", InstanceID: "h1", After: Fields{"role": {"r1"}}}, at)
	require.True(t, ok)
	assert.Equal(t, Fields{"role": {"r1"}}, rec.After)
	assert.Nil(t, rec.Before)

	rec, ok = NewRecord(context.Background(), Entry{Change: Delete, EntityType: "role_holding", InstanceID: "h1", Before: Fields{"role": {"r1"}}}, at)
	require.True(t, ok)
	assert.Equal(t, Fields{"role": {"r1"}}, rec.Before)
}

func TestLogSinkWritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(obs.NewLogger("json", &buf))
	require.NoError(t, sink.Emit(context.Background(), Record{
		ID: "01H", EntityType: "role", InstanceID: "r1", Change: Create, AuthorID: "p1", At: at,
		After: Fields{"name": {"1T"}},
	}))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "history", entry["msg"])
	assert.Equal(t, "history", entry["type"])
	assert.Equal(t, "role", entry["entity_type"])
	assert.Equal(t, "p1", entry["author_id"])
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "t", Queue: QueueHistory}, nil
}

func TestQueueSinkRoundTripsThroughHandler(t *testing.T) {
	enq := &fakeEnqueuer{}
	rec := Record{ID: "01H", EntityType: "role", InstanceID: "r1", Change: Update, At: at, Added: Fields{"capabilities": {"role"}}}
	require.NoError(t, NewQueueSink(enq).Emit(context.Background(), rec))
	require.Len(t, enq.tasks, 1)
	assert.Equal(t, TaskRecord, enq.tasks[0].Type())

	var got []Record
	h := NewHandler(SinkFunc(func(_ context.Context, r Record) error {
		got = append(got, r)
		return nil
	}))
	require.NoError(t, h.Handle(context.Background(), enq.tasks[0]))
	require.Len(t, got, 1)
	assert.Equal(t, rec, got[0])
}

func TestHandlerSkipsRetryOnBadPayload(t *testing.T) {
	h := NewHandler(SinkFunc(func(context.Context, Record) error { return nil }))
	err := h.Handle(context.Background(), asynq.NewTask(TaskRecord, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestEmitNeverPropagatesFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := obs.NewLogger("json", &buf)
	failing := SinkFunc(func(context.Context, Record) error { return errors.New("redis down") })
	assert.NotPanics(t, func() {
		Emit(context.Background(), failing, logger, Record{EntityType: "role", InstanceID: "r1"})
	})
	assert.Contains(t, buf.String(), "redis down")
}

func TestTeeJoinsErrors(t *testing.T) {
	var n int
	ok := SinkFunc(func(context.Context, Record) error { n++; return nil })
	bad := SinkFunc(func(context.Context, Record) error { return errors.New("boom") })
	err := Tee(ok, bad, nil, ok).Emit(context.Background(), Record{})
	assert.EqualError(t, err, "boom")
	assert.Equal(t, 2, n)
}

func TestNewWorkerValidatesConfig(t *testing.T) {
	_, err := NewWorker(WorkerConfig{Redis: asynq.RedisClientOpt{Addr: "127.0.0.1:0"}})
	assert.Error(t, err)

	w, err := NewWorker(WorkerConfig{
		Redis: asynq.RedisClientOpt{Addr: "127.0.0.1:0"},
		Sink:  SinkFunc(func(context.Context, Record) error { return nil }),
	})
	require.NoError(t, err)
	assert.NotNil(t, w.mux)
}
