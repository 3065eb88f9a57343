// Package dispatcher implements §4.1/§4.2: batch creation, per-model
// fan-out with node pre-selection, and stream enqueue.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/Hiih-u/async-chat/internal/broker"
	"github.com/Hiih-u/async-chat/internal/family"
	"github.com/Hiih-u/async-chat/internal/nodepool"
	"github.com/Hiih-u/async-chat/internal/store"
)

const imagePreamble = "你作为 AI 图像生成引擎，需在响应中直接输出生成的图片\n"

// Request carries one gateway submission's parameters (§4.1 Inputs).
type Request struct {
	Prompt            string
	ModelConfig       string // comma-separated selector, raw as submitted
	ConversationID    string // empty creates a new conversation
	FilePaths         []string
	Mode              string // "text" or "image"
	GeminiConcurrency int
}

// Result is returned to the gateway caller after dispatch completes.
type Result struct {
	BatchID        string
	ConversationID string
	TaskIDs        []string
}

// streamPublisher is the slice of *broker.Broker the dispatcher needs,
// narrowed to an interface so tests can exercise fan-out/enqueue-failure
// handling with a fake instead of a live Redis connection.
type streamPublisher interface {
	EnsureGroup(ctx context.Context, stream, group string) error
	Publish(ctx context.Context, stream string, env broker.Envelope) (string, error)
}

// Dispatcher creates batches/tasks and enqueues stream entries.
type Dispatcher struct {
	store    *store.Store
	broker   streamPublisher
	families *family.Registry
	pool     *nodepool.Pool
}

// New wires a Dispatcher. brk is typically a *broker.Broker; tests may
// supply any streamPublisher-shaped fake instead.
func New(st *store.Store, brk streamPublisher, families *family.Registry, pool *nodepool.Pool) *Dispatcher {
	return &Dispatcher{store: st, broker: brk, families: families, pool: pool}
}

// Dispatch implements §4.1 steps 2-5. File persistence (step 1) is the
// gateway's responsibility; Request.FilePaths already holds the
// successfully-stored absolute paths.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	batchID := uuid.NewString()
	batch, err := d.store.CreateBatch(ctx, batchID, conversationID, req.Prompt, req.ModelConfig)
	if err != nil {
		return Result{}, fmt.Errorf("create batch: %w", err)
	}

	models := normalizeModelConfig(req.ModelConfig)

	var taskIDs []string
	for _, modelName := range models {
		fam := d.families.Resolve(modelName)
		concurrency := 1
		if fam.ID == "gemini" {
			concurrency = clamp(req.GeminiConcurrency, 1, 2)
		}

		var targets []string
		if fam.UsesNodePool {
			targets, err = d.pool.PreSelect(ctx, fam.ID, concurrency)
			if err != nil {
				slog.Error("dispatcher: node pre-selection failed", "family", fam.ID, "error", err)
				targets = make([]string, concurrency)
			}
		} else {
			targets = make([]string, concurrency)
		}

		for i, targetURL := range targets {
			taskID := d.dispatchOne(ctx, dispatchParams{
				batchID:        batch.BatchID,
				conversationID: conversationID,
				prompt:         req.Prompt,
				modelName:      modelName,
				mode:           req.Mode,
				filePaths:      req.FilePaths,
				targetNodeURL:  targetURL,
				slot:           i,
				concurrency:    concurrency,
				streamKey:      fam.StreamKey,
				consumerGroup:  fam.ConsumerGroup,
			})
			taskIDs = append(taskIDs, taskID)
		}
	}

	return Result{BatchID: batch.BatchID, ConversationID: conversationID, TaskIDs: taskIDs}, nil
}

type dispatchParams struct {
	batchID        string
	conversationID string
	prompt         string
	modelName      string
	mode           string
	filePaths      []string
	targetNodeURL  string
	slot           int
	concurrency    int
	streamKey      string
	consumerGroup  string
}

// dispatchOne implements _dispatch_single_task: create the Task row, then
// enqueue the stream entry, marking the task FAILED on enqueue failure
// without aborting the rest of the fan-out (§4.1 step 4 tail, §7 QueueError).
func (d *Dispatcher) dispatchOne(ctx context.Context, p dispatchParams) string {
	displayName := p.modelName
	if p.concurrency > 1 {
		displayName = fmt.Sprintf("%s (#%d)", p.modelName, p.slot+1)
	}

	workerPrompt := p.prompt
	if p.mode == "image" {
		workerPrompt = imagePreamble + p.prompt
	}

	taskType := "TEXT"
	switch {
	case p.mode == "image":
		taskType = "IMAGE"
	case len(p.filePaths) > 0:
		taskType = "MULTIMODAL"
	}

	taskID := uuid.NewString()
	filePathsJSON, err := json.Marshal(p.filePaths)
	if err != nil {
		filePathsJSON = []byte("[]")
	}

	task, err := d.store.CreateTask(ctx, taskID, p.batchID, p.conversationID, taskType, p.prompt, string(filePathsJSON), displayName, "user")
	if err != nil {
		slog.Error("dispatcher: create task failed", "task_id", taskID, "error", err)
		return taskID
	}

	env := broker.Envelope{
		TaskID:         task.TaskID,
		ConversationID: p.conversationID,
		Prompt:         workerPrompt,
		Model:          p.modelName,
		FilePaths:      p.filePaths,
		TargetNodeURL:  p.targetNodeURL,
		Slot:           p.slot,
	}

	if err := d.broker.EnsureGroup(ctx, p.streamKey, p.consumerGroup); err != nil {
		slog.Error("dispatcher: ensure consumer group failed", "stream", p.streamKey, "error", err)
	}
	if _, err := d.broker.Publish(ctx, p.streamKey, env); err != nil {
		slog.Error("dispatcher: enqueue failed", "task_id", taskID, "stream", p.streamKey, "error", err)
		if markErr := d.store.MarkTaskDispatchFailed(ctx, taskID, fmt.Sprintf("MQ Error: %v", err)); markErr != nil {
			slog.Error("dispatcher: mark task failed after enqueue failure also failed", "task_id", taskID, "error", markErr)
		}
		return taskID
	}

	slog.Debug("dispatcher: enqueued task", "task_id", taskID, "stream", p.streamKey, "target_node_url", p.targetNodeURL)
	return taskID
}

// normalizeModelConfig splits a comma-separated selector, strips whitespace
// and literal "on" tokens, and defaults to gemini-2.5-flash when empty
// (§8 boundary properties 8-9).
func normalizeModelConfig(modelConfig string) []string {
	raw := strings.Split(modelConfig, ",")
	out := make([]string, 0, len(raw))
	for _, m := range raw {
		m = strings.TrimSpace(m)
		if m == "" || strings.EqualFold(m, "on") {
			continue
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		out = []string{"gemini-2.5-flash"}
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
