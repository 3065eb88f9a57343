// Package auditor implements the §4.6 Auditor: it classifies a backend's
// 200 response as a refusal or a genuine answer, commits the task's
// terminal state accordingly, and keeps an append-only JSONL trail.
package auditor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Hiih-u/async-chat/internal/shared"
	"github.com/Hiih-u/async-chat/internal/store"
)

type entry struct {
	Timestamp string  `json:"timestamp"`
	TaskID    string  `json:"task_id"`
	Outcome   string  `json:"outcome"` // "success" or "refusal"
	CostTime  float64 `json:"cost_time"`
	Detail    string  `json:"detail,omitempty"`
}

// Auditor commits a worker's raw AI text to the store as either a success
// or a refusal-classified failure, grounded on original_source's
// process_ai_result.
type Auditor struct {
	store *store.Store

	mu   sync.Mutex
	file *os.File
}

// New opens the append-only audit trail under homeDir/logs/task_audit.jsonl.
func New(homeDir string, st *store.Store) (*Auditor, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, "task_audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open task_audit.jsonl: %w", err)
	}
	return &Auditor{store: st, file: f}, nil
}

func (a *Auditor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// Commit classifies aiText against refusalKeywords and commits the task's
// terminal state: FAILED (with a "生成失败: ..." message) on a refusal
// match, SUCCESS otherwise. Returns whether the commit was a success.
func (a *Auditor) Commit(ctx context.Context, taskID, aiText string, costTime float64, refusalKeywords []string) (bool, error) {
	if refusal, keyword := matchesRefusal(aiText, refusalKeywords); refusal {
		msg := fmt.Sprintf("生成失败: %s", aiText)
		if err := a.store.MarkTaskFailed(ctx, taskID, msg); err != nil {
			return false, fmt.Errorf("mark task failed after refusal: %w", err)
		}
		a.record(taskID, "refusal", costTime, keyword)
		return false, nil
	}

	if _, _, err := a.store.FinishTaskSuccess(ctx, taskID, aiText, costTime); err != nil {
		return false, fmt.Errorf("finish task success: %w", err)
	}
	a.record(taskID, "success", costTime, "")
	return true, nil
}

func matchesRefusal(aiText string, keywords []string) (bool, string) {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(aiText, kw) {
			return true, kw
		}
	}
	return false, ""
}

func (a *Auditor) record(taskID, outcome string, costTime float64, detail string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		TaskID:    taskID,
		Outcome:   outcome,
		CostTime:  costTime,
		Detail:    shared.Redact(detail),
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = a.file.Write(append(b, '\n'))
}
