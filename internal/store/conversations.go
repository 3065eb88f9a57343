package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type sessionMetadata struct {
	NodeSlots map[string]string `json:"node_slots"`
}

// EnsureConversation creates the conversation row if it does not exist yet,
// mirroring original_source's _get_or_create_conversation.
func (s *Store) EnsureConversation(ctx context.Context, conversationID, title string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO conversations (conversation_id, title)
			VALUES (?, ?)
			ON CONFLICT(conversation_id) DO NOTHING;
		`, conversationID, title)
		if err != nil {
			return fmt.Errorf("ensure conversation: %w", err)
		}
		return nil
	})
}

// TouchConversation bumps updated_at, called whenever a task belonging to
// the conversation reaches a terminal state.
func (s *Store) TouchConversation(ctx context.Context, conversationID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE conversations SET updated_at = CURRENT_TIMESTAMP WHERE conversation_id = ?;
		`, conversationID)
		return err
	})
}

func (s *Store) loadSessionMetadata(ctx context.Context, conversationID string) (sessionMetadata, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_metadata FROM conversations WHERE conversation_id = ?;
	`, conversationID).Scan(&raw)
	if err == sql.ErrNoRows {
		return sessionMetadata{NodeSlots: map[string]string{}}, nil
	}
	if err != nil {
		return sessionMetadata{}, fmt.Errorf("load session_metadata: %w", err)
	}
	meta := sessionMetadata{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return sessionMetadata{}, fmt.Errorf("parse session_metadata: %w", err)
		}
	}
	if meta.NodeSlots == nil {
		meta.NodeSlots = map[string]string{}
	}
	return meta, nil
}

// StickyNode returns the node URL bound to the given conversation/slot pair,
// following original_source/services/workers/core/router.py's sticky lookup.
func (s *Store) StickyNode(ctx context.Context, conversationID string, slot int) (string, bool, error) {
	meta, err := s.loadSessionMetadata(ctx, conversationID)
	if err != nil {
		return "", false, err
	}
	url, ok := meta.NodeSlots[slotKey(slot)]
	return url, ok && url != "", nil
}

// BindStickyNode writes a (possibly overwriting) slot -> node_url binding.
// Last write wins, matching the original's plain dict assignment.
func (s *Store) BindStickyNode(ctx context.Context, conversationID string, slot int, nodeURL string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var raw string
		err = tx.QueryRowContext(ctx, `
			SELECT session_metadata FROM conversations WHERE conversation_id = ?;
		`, conversationID).Scan(&raw)
		meta := sessionMetadata{NodeSlots: map[string]string{}}
		if err == nil && raw != "" {
			_ = json.Unmarshal([]byte(raw), &meta)
		}
		if meta.NodeSlots == nil {
			meta.NodeSlots = map[string]string{}
		}
		meta.NodeSlots[slotKey(slot)] = nodeURL

		encoded, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshal session_metadata: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations SET session_metadata = ?, updated_at = CURRENT_TIMESTAMP
			WHERE conversation_id = ?;
		`, string(encoded), conversationID); err != nil {
			return fmt.Errorf("write session_metadata: %w", err)
		}
		return tx.Commit()
	})
}

func slotKey(slot int) string {
	return fmt.Sprintf("%d", slot)
}

// CreateBatch creates the conversation (if needed) and a chat_batches row,
// matching original_source/services/gateway/core/conversation.py's init_batch.
func (s *Store) CreateBatch(ctx context.Context, batchID, conversationID, userPrompt, modelConfig string) (ChatBatch, error) {
	now := time.Now().UTC()
	batch := ChatBatch{
		BatchID:        batchID,
		ConversationID: conversationID,
		UserPrompt:     userPrompt,
		ModelConfig:    modelConfig,
		Status:         BatchStatusProcessing,
		CreatedAt:      now,
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (conversation_id, title)
			VALUES (?, ?)
			ON CONFLICT(conversation_id) DO NOTHING;
		`, conversationID, truncateTitle(userPrompt)); err != nil {
			return fmt.Errorf("ensure conversation: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chat_batches (batch_id, conversation_id, user_prompt, model_config, status)
			VALUES (?, ?, ?, ?, ?);
		`, batchID, conversationID, userPrompt, modelConfig, string(BatchStatusProcessing)); err != nil {
			return fmt.Errorf("insert chat_batch: %w", err)
		}
		return tx.Commit()
	})
	return batch, err
}

// truncateTitle mirrors original_source's conversation.py: prompt[:20] +
// "...", sliced by Unicode code points rather than bytes.
func truncateTitle(prompt string) string {
	const maxLen = 20
	r := []rune(prompt)
	if len(r) <= maxLen {
		return prompt
	}
	return string(r[:maxLen]) + "..."
}

// RecomputeBatchStatus rolls up the batch's status from its child tasks
// (DESIGN.md Open Question b): COMPLETED once every task is terminal and
// none failed, PARTIAL_FAILURE if any task failed, otherwise left PROCESSING.
func (s *Store) RecomputeBatchStatus(ctx context.Context, batchID string) error {
	return retryOnBusy(ctx, 5, func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT status FROM ai_tasks WHERE batch_id = ?;
		`, batchID)
		if err != nil {
			return fmt.Errorf("list batch tasks: %w", err)
		}
		defer rows.Close()

		total, terminal, failed := 0, 0, 0
		for rows.Next() {
			var status TaskStatus
			if err := rows.Scan(&status); err != nil {
				return err
			}
			total++
			switch status {
			case TaskStatusSuccess:
				terminal++
			case TaskStatusFailed:
				terminal++
				failed++
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if total == 0 || terminal < total {
			return nil // still PROCESSING
		}

		newStatus := BatchStatusCompleted
		if failed > 0 {
			newStatus = BatchStatusPartialFailure
		}
		_, err = s.db.ExecContext(ctx, `
			UPDATE chat_batches SET status = ? WHERE batch_id = ?;
		`, string(newStatus), batchID)
		return err
	})
}

// GetBatch fetches a chat_batches row, used by the thin dispatcherd HTTP
// adapter for the query-status endpoint.
func (s *Store) GetBatch(ctx context.Context, batchID string) (ChatBatch, error) {
	var b ChatBatch
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT batch_id, conversation_id, user_prompt, model_config, status, created_at
		FROM chat_batches WHERE batch_id = ?;
	`, batchID).Scan(&b.BatchID, &b.ConversationID, &b.UserPrompt, &b.ModelConfig, &status, &b.CreatedAt)
	b.Status = BatchStatus(status)
	return b, err
}
