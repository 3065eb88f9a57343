// Package contextloader reconstructs conversation history for the worker
// when node drift requires replaying prior turns to a freshly bound
// backend node (§4.5).
package contextloader

import (
	"context"
	"fmt"

	"github.com/Hiih-u/async-chat/internal/store"
)

// Message is one role/content pair in the rendered chat history, shaped to
// serialize directly into the backend's OpenAI-style messages array (§6.3).
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const defaultLimit = 10

// Loader rebuilds conversation context from a store.
type Loader struct {
	store *store.Store
	limit int
}

// New returns a Loader that reconstructs up to limit prior SUCCESS turns
// (limit <= 0 defaults to 10, matching build_context's default).
func New(st *store.Store, limit int) *Loader {
	if limit <= 0 {
		limit = defaultLimit
	}
	return &Loader{store: st, limit: limit}
}

// Build returns the ordered message sequence for currentPrompt: an empty
// conversationID short-circuits to just the current prompt (§4.5 step 1);
// otherwise up to l.limit prior (prompt, response_text) pairs are replayed
// in chronological order, followed by the current prompt.
func (l *Loader) Build(ctx context.Context, conversationID, currentPrompt string) ([]Message, error) {
	if conversationID == "" {
		return []Message{{Role: "user", Content: currentPrompt}}, nil
	}

	tasks, err := l.store.RecentSuccessTasks(ctx, conversationID, l.limit)
	if err != nil {
		return nil, fmt.Errorf("load recent success tasks: %w", err)
	}

	out := make([]Message, 0, len(tasks)*2+1)
	for i := len(tasks) - 1; i >= 0; i-- {
		t := tasks[i]
		out = append(out, Message{Role: "user", Content: t.Prompt})
		out = append(out, Message{Role: "assistant", Content: t.ResponseText})
	}
	out = append(out, Message{Role: "user", Content: currentPrompt})
	return out, nil
}
