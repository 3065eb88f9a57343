package cron_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Hiih-u/async-chat/internal/cron"
	"github.com/Hiih-u/async-chat/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

type fakeDLQ struct {
	length int64
	err    error
}

func (f *fakeDLQ) DLQLen(ctx context.Context) (int64, error) {
	return f.length, f.err
}

func TestNewSchedulerRejectsInvalidCronExpr(t *testing.T) {
	st := openTestStore(t)
	if _, err := cron.NewScheduler(cron.Config{Store: st, CronExpr: "not a cron expr"}); err == nil {
		t.Fatal("expected error for malformed cron expression")
	}
}

func TestSweepPurgesOldRowsAndReportsDLQBacklog(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	if _, err := st.CreateBatch(ctx, "batch-1", "conv-1", "hi", ""); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if _, err := st.CreateTask(ctx, "task-1", "batch-1", "conv-1", "TEXT", "hi", "[]", "gemini-2.5-flash", "user"); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := st.LogSystemEvent(ctx, "error", "test", "task-1", "boom", ""); err != nil {
		t.Fatalf("LogSystemEvent: %v", err)
	}

	dlq := &fakeDLQ{length: 3}
	sched, err := cron.NewScheduler(cron.Config{
		Store:         st,
		Broker:        dlq,
		CronExpr:      "0 3 * * *",
		RetentionDays: 0, // normalizes to 30, but cutoff is still far in the future of "just created" rows
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	// A just-created event is newer than any retention cutoff, so Sweep
	// should run cleanly without purging it.
	sched.Sweep(ctx)

	n, err := st.PurgeOldTaskEvents(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("PurgeOldTaskEvents: %v", err)
	}
	if n == 0 {
		t.Fatal("expected the task_events row to still exist (and now purgeable with a future cutoff)")
	}
}
