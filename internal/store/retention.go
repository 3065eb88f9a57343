package store

import (
	"context"
	"fmt"
	"time"
)

// PurgeOldTaskEvents deletes task_events rows older than cutoff, freeing the
// append-only audit trail from unbounded growth. Terminal ai_tasks rows
// themselves are left alone — only the per-transition event log is pruned.
func (s *Store) PurgeOldTaskEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_events WHERE created_at < ?;`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge task_events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PurgeOldSystemLogs deletes system_logs rows older than cutoff.
func (s *Store) PurgeOldSystemLogs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM system_logs WHERE created_at < ?;`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge system_logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
