package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateTask inserts a PENDING task row, grounded on original_source's
// _dispatch_single_task: one row per fan-out target, before the envelope
// is pushed onto the stream.
func (s *Store) CreateTask(ctx context.Context, taskID, batchID, conversationID, taskType, prompt, filePathsJSON, modelName, role string) (Task, error) {
	now := time.Now().UTC()
	task := Task{
		TaskID:         taskID,
		BatchID:        batchID,
		ConversationID: conversationID,
		TaskType:       taskType,
		Status:         TaskStatusPending,
		Prompt:         prompt,
		FilePaths:      filePathsJSON,
		ModelName:      modelName,
		Role:           role,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO ai_tasks (task_id, batch_id, conversation_id, task_type, status, prompt, file_paths, model_name, role)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, taskID, batchID, conversationID, taskType, int(TaskStatusPending), prompt, filePathsJSON, modelName, role)
		if err != nil {
			return fmt.Errorf("insert ai_task: %w", err)
		}
		return s.appendTaskEvent(ctx, taskID, TaskStatusPending, TaskStatusPending, "task.enqueued")
	})
	return task, err
}

// MarkTaskDispatchFailed records the dispatcher's own enqueue failure
// (e.g. "MQ Error: ...") directly as FAILED, without ever being claimed.
// Grounded on original_source's dispatch_tasks exception handler.
func (s *Store) MarkTaskDispatchFailed(ctx context.Context, taskID, errMsg string) error {
	return s.MarkTaskFailed(ctx, taskID, errMsg)
}

// ClaimTask performs the idempotent CAS claim from original_source's
// claim_task: PENDING -> PROCESSING, guarded by a conditional UPDATE.
// Returns false (no error) if the task was already claimed by a prior
// delivery of the same stream message — the caller should ack and return.
func (s *Store) ClaimTask(ctx context.Context, taskID string) (bool, error) {
	var claimed bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE ai_tasks SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE task_id = ? AND status = ?;
		`, int(TaskStatusProcessing), taskID, int(TaskStatusPending))
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		claimed = n == 1
		if claimed {
			return s.appendTaskEvent(ctx, taskID, TaskStatusPending, TaskStatusProcessing, "task.claimed")
		}
		return nil
	})
	return claimed, err
}

// ResetStaleProcessingToPending force-resets a zombie PROCESSING task back
// to PENDING before the recovery path reprocesses it (§4.8, original
// message_io.recover_pending_tasks).
func (s *Store) ResetStaleProcessingToPending(ctx context.Context, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE ai_tasks SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE task_id = ? AND status = ?;
		`, int(TaskStatusPending), taskID, int(TaskStatusProcessing))
		if err != nil {
			return fmt.Errorf("reset stale task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return s.appendTaskEvent(ctx, taskID, TaskStatusProcessing, TaskStatusPending, "task.recovery_reset")
		}
		return nil
	})
}

// MarkTaskFailed sets a task terminal-FAILED with the given user-visible
// message (§7's error text), then rolls up the parent batch's status.
func (s *Store) MarkTaskFailed(ctx context.Context, taskID, errMsg string) error {
	var batchID string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var fromState TaskStatus
		if err := tx.QueryRowContext(ctx, `SELECT status, batch_id FROM ai_tasks WHERE task_id = ?;`, taskID).Scan(&fromState, &batchID); err != nil {
			return fmt.Errorf("lookup task: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE ai_tasks SET status = ?, error_msg = ?, updated_at = CURRENT_TIMESTAMP
			WHERE task_id = ?;
		`, int(TaskStatusFailed), errMsg, taskID); err != nil {
			return fmt.Errorf("mark task failed: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_events (task_id, from_state, to_state, detail) VALUES (?, ?, ?, ?);
		`, taskID, int(fromState), int(TaskStatusFailed), errMsg); err != nil {
			return fmt.Errorf("append task event: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if batchID != "" {
		if err := s.RecomputeBatchStatus(ctx, batchID); err != nil {
			return err
		}
	}
	s.publish("task.failed", taskID)
	return nil
}

// FinishTaskSuccess commits a successful AI response, bumps the owning
// conversation's updated_at, and rolls up the batch status. Grounded on
// original_source's finish_task_success.
func (s *Store) FinishTaskSuccess(ctx context.Context, taskID, responseText string, costTime float64) (conversationID, batchID string, err error) {
	err = retryOnBusy(ctx, 5, func() error {
		tx, terr := s.db.BeginTx(ctx, nil)
		if terr != nil {
			return terr
		}
		defer func() { _ = tx.Rollback() }()

		var fromState TaskStatus
		if terr := tx.QueryRowContext(ctx, `
			SELECT status, conversation_id, batch_id FROM ai_tasks WHERE task_id = ?;
		`, taskID).Scan(&fromState, &conversationID, &batchID); terr != nil {
			return fmt.Errorf("lookup task: %w", terr)
		}

		if _, terr := tx.ExecContext(ctx, `
			UPDATE ai_tasks SET status = ?, response_text = ?, cost_time = ?, updated_at = CURRENT_TIMESTAMP
			WHERE task_id = ?;
		`, int(TaskStatusSuccess), responseText, costTime, taskID); terr != nil {
			return fmt.Errorf("finish task success: %w", terr)
		}
		if _, terr := tx.ExecContext(ctx, `
			INSERT INTO task_events (task_id, from_state, to_state, detail) VALUES (?, ?, ?, ?);
		`, taskID, int(fromState), int(TaskStatusSuccess), "task.succeeded"); terr != nil {
			return fmt.Errorf("append task event: %w", terr)
		}
		if _, terr := tx.ExecContext(ctx, `
			UPDATE conversations SET updated_at = CURRENT_TIMESTAMP WHERE conversation_id = ?;
		`, conversationID); terr != nil {
			return fmt.Errorf("touch conversation: %w", terr)
		}
		return tx.Commit()
	})
	if err != nil {
		return "", "", err
	}
	if batchID != "" {
		if err := s.RecomputeBatchStatus(ctx, batchID); err != nil {
			return conversationID, batchID, err
		}
	}
	s.publish("task.succeeded", taskID)
	return conversationID, batchID, nil
}

func (s *Store) appendTaskEvent(ctx context.Context, taskID string, from, to TaskStatus, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_events (task_id, from_state, to_state, detail) VALUES (?, ?, ?, ?);
	`, taskID, int(from), int(to), detail)
	if err != nil {
		return fmt.Errorf("append task event: %w", err)
	}
	return nil
}

// GetTask fetches a single task row.
func (s *Store) GetTask(ctx context.Context, taskID string) (Task, error) {
	var t Task
	var status int
	var errMsg, responseText sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, batch_id, conversation_id, task_type, response_text, status,
		       prompt, file_paths, model_name, role, cost_time, error_msg, created_at, updated_at
		FROM ai_tasks WHERE task_id = ?;
	`, taskID).Scan(
		&t.TaskID, &t.BatchID, &t.ConversationID, &t.TaskType, &responseText, &status,
		&t.Prompt, &t.FilePaths, &t.ModelName, &t.Role, &t.CostTime, &errMsg, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return Task{}, err
	}
	t.Status = TaskStatus(status)
	t.ResponseText = responseText.String
	t.ErrorMsg = errMsg.String
	return t, nil
}

// RecentSuccessTasks returns the most recent `limit` SUCCESS tasks for a
// conversation that carry a non-null response_text, newest first. The
// context loader reverses this into chronological order. Grounded on
// original_source's build_conversation_context query.
func (s *Store) RecentSuccessTasks(ctx context.Context, conversationID string, limit int) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, prompt, response_text, created_at
		FROM ai_tasks
		WHERE conversation_id = ? AND status = ? AND response_text IS NOT NULL AND response_text != ''
		ORDER BY created_at DESC
		LIMIT ?;
	`, conversationID, int(TaskStatusSuccess), limit)
	if err != nil {
		return nil, fmt.Errorf("query recent success tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.TaskID, &t.Prompt, &t.ResponseText, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Status = TaskStatusSuccess
		out = append(out, t)
	}
	return out, rows.Err()
}

// LogSystemEvent records an operator-facing entry for InternalError-class
// failures (SPEC_FULL.md §5 supplemented feature).
func (s *Store) LogSystemEvent(ctx context.Context, level, source, taskID, message, stackTrace string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_logs (level, source, task_id, message, stack_trace)
		VALUES (?, ?, ?, ?, ?);
	`, level, source, taskID, message, stackTrace)
	if err != nil {
		return fmt.Errorf("insert system_log: %w", err)
	}
	return nil
}
