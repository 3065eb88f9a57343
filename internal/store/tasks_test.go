package store

import (
	"context"
	"testing"
)

func mustSeedTask(t *testing.T, s *Store, taskID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.CreateBatch(ctx, "batch-"+taskID, "conv-"+taskID, "hi", ""); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if _, err := s.CreateTask(ctx, taskID, "batch-"+taskID, "conv-"+taskID, "gemini", "hi", "[]", "gemini-2.5-flash", "user"); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
}

func TestClaimTaskIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustSeedTask(t, s, "task-1")

	claimed, err := s.ClaimTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if !claimed {
		t.Fatal("expected first claim to succeed")
	}

	claimedAgain, err := s.ClaimTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("ClaimTask (second): %v", err)
	}
	if claimedAgain {
		t.Fatal("expected second claim on an already-PROCESSING task to be a no-op")
	}
}

func TestFinishTaskSuccessRollsUpBatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustSeedTask(t, s, "task-1")

	if _, err := s.ClaimTask(ctx, "task-1"); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if _, _, err := s.FinishTaskSuccess(ctx, "task-1", "hello back", 1.23); err != nil {
		t.Fatalf("FinishTaskSuccess: %v", err)
	}

	batch, err := s.GetBatch(ctx, "batch-task-1")
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if batch.Status != BatchStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", batch.Status)
	}
}

func TestMarkTaskFailedRollsUpPartialFailure(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustSeedTask(t, s, "task-1")

	if _, err := s.ClaimTask(ctx, "task-1"); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if err := s.MarkTaskFailed(ctx, "task-1", "系统繁忙：无可用节点或资源竞争超时"); err != nil {
		t.Fatalf("MarkTaskFailed: %v", err)
	}

	batch, err := s.GetBatch(ctx, "batch-task-1")
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if batch.Status != BatchStatusPartialFailure {
		t.Fatalf("expected PARTIAL_FAILURE, got %s", batch.Status)
	}
}

func TestRecentSuccessTasksOrdering(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if _, err := s.CreateBatch(ctx, "batch-1", "conv-1", "hi", ""); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	for i, id := range []string{"t1", "t2", "t3"} {
		if _, err := s.CreateTask(ctx, id, "batch-1", "conv-1", "gemini", "prompt", "[]", "gemini-2.5-flash", "user"); err != nil {
			t.Fatalf("CreateTask %d: %v", i, err)
		}
		if _, err := s.ClaimTask(ctx, id); err != nil {
			t.Fatalf("ClaimTask %d: %v", i, err)
		}
		if _, _, err := s.FinishTaskSuccess(ctx, id, "resp-"+id, 0.1); err != nil {
			t.Fatalf("FinishTaskSuccess %d: %v", i, err)
		}
	}

	tasks, err := s.RecentSuccessTasks(ctx, "conv-1", 10)
	if err != nil {
		t.Fatalf("RecentSuccessTasks: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	// Newest first.
	if tasks[0].TaskID != "t3" {
		t.Fatalf("expected newest-first ordering, got %s first", tasks[0].TaskID)
	}
}

func TestLogSystemEventInsertsRow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustSeedTask(t, s, "task-1")

	if err := s.LogSystemEvent(ctx, "ERROR", "worker", "task-1", "boom", "stack trace"); err != nil {
		t.Fatalf("LogSystemEvent: %v", err)
	}

	var level, source, taskID, message, stackTrace string
	err := s.DB().QueryRowContext(ctx, `
		SELECT level, source, task_id, message, stack_trace FROM system_logs WHERE task_id = ?;
	`, "task-1").Scan(&level, &source, &taskID, &message, &stackTrace)
	if err != nil {
		t.Fatalf("query system_logs: %v", err)
	}
	if level != "ERROR" || source != "worker" || taskID != "task-1" || message != "boom" || stackTrace != "stack trace" {
		t.Fatalf("unexpected system_logs row: %q %q %q %q %q", level, source, taskID, message, stackTrace)
	}
}
