package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"chorus.org/internal/history"
)

// HistorySink persists history records. Inserts are idempotent on the record
// id, so queue redeliveries write once.
type HistorySink struct {
	db querier
}

var _ history.Sink = (*HistorySink)(nil)

// HistorySink returns a sink writing to the history table.
func (s *Store) HistorySink() *HistorySink { return &HistorySink{db: s.db} }

func (h *HistorySink) Emit(ctx context.Context, rec history.Record) error {
	var fields [4][]byte
	for i, f := range []history.Fields{rec.Before, rec.After, rec.Added, rec.Removed} {
		if f == nil {
			continue
		}
		raw, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("marshal history fields: %w", err)
		}
		fields[i] = raw
	}
	_, err := h.db.ExecContext(ctx, `
		insert into history (id, entity_type, instance_id, author_id, change, organization_id,
			before, after, added, removed, at, request_id)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		on conflict (id) do nothing`,
		rec.ID, rec.EntityType, rec.InstanceID, nullIfEmpty(rec.AuthorID), string(rec.Change),
		nullIfEmpty(rec.OrganizationID), nullJSON(fields[0]), nullJSON(fields[1]),
		nullJSON(fields[2]), nullJSON(fields[3]), rec.At, nullIfEmpty(rec.RequestID))
	return err
}

// Recent returns the latest records of one instance, newest first.
func (h *HistorySink) Recent(ctx context.Context, entityType, instanceID string, limit int) ([]history.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.db.QueryContext(ctx, `
		select id, entity_type, instance_id, coalesce(author_id, ''), change, coalesce(organization_id, ''),
			before, after, added, removed, at, coalesce(request_id, '')
		from history
		where entity_type = $1 and instance_id = $2
		order by at desc, id desc
		limit $3`, entityType, instanceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []history.Record
	for rows.Next() {
		var (
			rec    history.Record
			change string
			raw    [4][]byte
		)
		if err := rows.Scan(&rec.ID, &rec.EntityType, &rec.InstanceID, &rec.AuthorID, &change, &rec.OrganizationID,
			&raw[0], &raw[1], &raw[2], &raw[3], &rec.At, &rec.RequestID); err != nil {
			return nil, err
		}
		rec.Change = history.Change(change)
		targets := []*history.Fields{&rec.Before, &rec.After, &rec.Added, &rec.Removed}
		for i, b := range raw {
			if len(b) == 0 {
				continue
			}
			if err := json.Unmarshal(b, targets[i]); err != nil {
				return nil, fmt.Errorf("decode history %s: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
