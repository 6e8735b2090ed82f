// Package history records accepted writes. Records are handed to a Sink,
// which logs them, queues them for the worker, or publishes them to stream
// subscribers.
package history

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"chorus.org/internal/ids"
	"chorus.org/internal/obs"
)

// Change is the kind of write a record describes.
type Change string

const (
	Create Change = "create"
	Update Change = "update"
	Delete Change = "delete"
)

// Fields holds field values keyed by name. Relations list related ids.
type Fields map[string][]string

// Record is one history entry.
type Record struct {
	ID             string    `json:"id"`
	EntityType     string    `json:"entity_type"`
	InstanceID     string    `json:"instance_id"`
	AuthorID       string    `json:"author_id,omitempty"`
	Change         Change    `json:"change"`
	OrganizationID string    `json:"organization_id,omitempty"`
	Before         Fields    `json:"before,omitempty"`
	After          Fields    `json:"after,omitempty"`
	Added          Fields    `json:"added,omitempty"`
	Removed        Fields    `json:"removed,omitempty"`
	At             time.Time `json:"at"`
	RequestID      string    `json:"request_id,omitempty"`
}

// Sink receives history records.
type Sink interface {
	Emit(ctx context.Context, rec Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec Record) error

func (f SinkFunc) Emit(ctx context.Context, rec Record) error { return f(ctx, rec) }

// Entry describes a write before it becomes a record.
type Entry struct {
	Change         Change
	EntityType     string
	InstanceID     string
	AuthorID       string
	OrganizationID string
	Before         Fields
	After          Fields
	// Relations names the fields of Before/After that hold related ids.
	Relations []string
}

// NewRecord builds the record for e. Updates that change nothing yield false.
func NewRecord(ctx context.Context, e Entry, at time.Time) (Record, bool) {
	rec := Record{
		ID:             ids.NewAt(at),
		EntityType:     e.EntityType,
		InstanceID:     e.InstanceID,
		AuthorID:       e.AuthorID,
		Change:         e.Change,
		OrganizationID: e.OrganizationID,
		At:             at.UTC(),
		RequestID:      RequestIDFromContext(ctx),
	}
	switch e.Change {
	case Create:
		rec.After = e.After
	case Delete:
		rec.Before = e.Before
	case Update:
		before, after := Diff(e.Before, e.After, e.Relations)
		if len(before) == 0 && len(after) == 0 {
			return Record{}, false
		}
		rec.Before, rec.After = before, after
		for _, name := range e.Relations {
			added, removed := diffSet(e.Before[name], e.After[name])
			if len(added) > 0 {
				rec.Added = appendField(rec.Added, name, added)
			}
			if len(removed) > 0 {
				rec.Removed = appendField(rec.Removed, name, removed)
			}
		}
	}
	return rec, true
}

// Diff returns the scalar fields that differ between before and after.
// Relation fields are left to the added/removed sets.
func Diff(before, after Fields, relations []string) (Fields, Fields) {
	skip := make(map[string]struct{}, len(relations))
	for _, r := range relations {
		skip[r] = struct{}{}
	}
	b, a := Fields{}, Fields{}
	names := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		names[k] = struct{}{}
	}
	for k := range after {
		names[k] = struct{}{}
	}
	for name := range names {
		if _, rel := skip[name]; rel {
			if added, removed := diffSet(before[name], after[name]); len(added) > 0 || len(removed) > 0 {
				b[name], a[name] = before[name], after[name]
			}
			continue
		}
		if !sameValues(before[name], after[name]) {
			b[name], a[name] = before[name], after[name]
		}
	}
	return b, a
}

func diffSet(before, after []string) (added, removed []string) {
	in := func(list []string, v string) bool {
		for _, x := range list {
			if x == v {
				return true
			}
		}
		return false
	}
	for _, v := range after {
		if !in(before, v) {
			added = append(added, v)
		}
	}
	for _, v := range before {
		if !in(after, v) {
			removed = append(removed, v)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

func appendField(f Fields, name string, vals []string) Fields {
	if f == nil {
		f = Fields{}
	}
	f[name] = vals
	return f
}

func sameValues(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Emit hands rec to sink. Failures are logged and counted; they never reach
// the caller, so a history outage cannot fail a write.
func Emit(ctx context.Context, sink Sink, logger *slog.Logger, rec Record) {
	if sink == nil {
		obs.ObserveHistory("dropped")
		return
	}
	if logger == nil {
		logger = obs.Logger()
	}
	if err := sink.Emit(ctx, rec); err != nil {
		obs.ObserveHistory("failed")
		logger.ErrorContext(ctx, "history emit failed",
			slog.String("entity_type", rec.EntityType),
			slog.String("instance_id", rec.InstanceID),
			slog.Any("error", err))
		return
	}
	obs.ObserveHistory("emitted")
}

// Tee emits every record to each sink in turn.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, rec Record) error {
		var errs []error
		for _, s := range sinks {
			if s == nil {
				continue
			}
			if err := s.Emit(ctx, rec); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

type ctxKey string

const requestIDKey ctxKey = "history_request_id"

// WithRequestID attaches the request identifier recorded on history entries.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id set by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}
