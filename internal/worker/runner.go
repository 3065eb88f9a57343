// Package worker implements the §4.3 worker lifecycle: parse, idempotent
// claim, node acquisition, upload relay, context build, backend
// invocation, audit commit, ack, and unconditional node release.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"time"

	"github.com/Hiih-u/async-chat/internal/auditor"
	"github.com/Hiih-u/async-chat/internal/backend"
	"github.com/Hiih-u/async-chat/internal/broker"
	"github.com/Hiih-u/async-chat/internal/config"
	"github.com/Hiih-u/async-chat/internal/contextloader"
	"github.com/Hiih-u/async-chat/internal/nodepool"
	"github.com/Hiih-u/async-chat/internal/router"
	"github.com/Hiih-u/async-chat/internal/store"
)

// Runner executes the per-message lifecycle for one provider family. It
// holds no per-task state; every field is a shared, concurrency-safe
// collaborator so many goroutines may call Run concurrently.
type Runner struct {
	store            *store.Store
	broker           *broker.Broker
	pool             *nodepool.Pool
	router           *router.Router
	loader           *contextloader.Loader
	backend          *backend.Client
	auditor          *auditor.Auditor
	family           config.FamilyConfig
	stream           string
	group            string
	consumer         string
	nodeClaimRetries int
}

// New wires a Runner for one family's stream/group. nodeClaimRetries bounds
// acquireNode's router-pick-then-CAS loop (config.NodeClaimMaxRetries).
func New(
	st *store.Store,
	brk *broker.Broker,
	pool *nodepool.Pool,
	rtr *router.Router,
	loader *contextloader.Loader,
	backendClient *backend.Client,
	aud *auditor.Auditor,
	family config.FamilyConfig,
	consumer string,
	nodeClaimRetries int,
) *Runner {
	if nodeClaimRetries <= 0 {
		nodeClaimRetries = 3
	}
	return &Runner{
		store:            st,
		broker:           brk,
		pool:             pool,
		router:           rtr,
		loader:           loader,
		backend:          backendClient,
		auditor:          aud,
		family:           family,
		stream:           family.StreamKey,
		group:            family.ConsumerGroup,
		consumer:         consumer,
		nodeClaimRetries: nodeClaimRetries,
	}
}

// Run executes the lifecycle for one claimed broker message. checkIdempotency
// forces the idempotent-claim step even when msg was read from "0" (startup
// recovery); steady-state reads from ">" may skip it per §4.3-step 2, but
// this implementation always performs it since it is cheap and safe either
// way.
func (r *Runner) Run(ctx context.Context, msg broker.Message, checkIdempotency bool) error {
	ack := func() {
		if err := r.broker.Ack(ctx, r.stream, r.group, msg.ID); err != nil {
			slog.Error("worker: ack failed", "stream", r.stream, "message_id", msg.ID, "error", err)
		}
	}

	env := msg.Envelope
	if env.TaskID == "" {
		r.sendToDLQ(ctx, msg, "empty or undecodable payload")
		ack()
		return nil
	}

	taskID := env.TaskID
	slog.Debug("worker: processing task", "task_id", taskID, "family", r.family.ID)

	if checkIdempotency {
		claimed, err := r.store.ClaimTask(ctx, taskID)
		if err != nil {
			return err
		}
		if !claimed {
			ack()
			return nil
		}
	}

	if !r.family.UsesNodePool {
		r.runFixedBackend(ctx, taskID, env)
		ack()
		return nil
	}

	var heldNode string
	defer func() {
		if heldNode == "" {
			return
		}
		if err := r.pool.Release(ctx, heldNode); err != nil {
			slog.Error("worker: release node failed", "node_url", heldNode, "error", err)
		}
		if err := r.pool.IncrLoad(ctx, heldNode, -1); err != nil {
			slog.Error("worker: decrement node load failed", "node_url", heldNode, "error", err)
		}
	}()

	targetURL, nodeChanged, err := r.acquireNode(ctx, env)
	if err != nil || targetURL == "" {
		if err != nil {
			slog.Error("worker: node acquisition error", "task_id", taskID, "error", err)
		}
		_ = r.store.MarkTaskFailed(ctx, taskID, msgNoCapacity)
		ack()
		return nil
	}
	heldNode = targetURL
	_ = r.pool.IncrLoad(ctx, heldNode, 1)

	remoteFiles, err := r.backend.Upload(ctx, targetURL, env.FilePaths)
	if err != nil {
		slog.Warn("worker: upload failed", "task_id", taskID, "error", err)
		_ = r.store.MarkTaskFailed(ctx, taskID, msgUploadError)
		ack()
		return nil
	}

	messages, err := r.buildMessages(ctx, env, nodeChanged)
	if err != nil {
		slog.Error("worker: internal crash building messages", "task_id", taskID, "error", err)
		if logErr := r.store.LogSystemEvent(ctx, "ERROR", "worker", taskID, err.Error(), ""); logErr != nil {
			slog.Error("worker: write system log failed", "task_id", taskID, "error", logErr)
		}
		_ = r.store.MarkTaskFailed(ctx, taskID, msgInternalErr)
		ack()
		return nil
	}

	start := time.Now()
	content, err := r.backend.ChatCompletion(ctx, targetURL, backend.ChatRequest{
		Model:          env.Model,
		ConversationID: env.ConversationID,
		Messages:       messages,
		Files:          remoteFiles,
	}, r.family.RequestTimeoutDuration())
	costTime := time.Since(start).Seconds()

	if err != nil {
		r.handleBackendError(ctx, taskID, err)
		ack()
		return nil
	}

	if _, err := r.auditor.Commit(ctx, taskID, content, costTime, r.family.RefusalKeywords); err != nil {
		slog.Error("worker: audit commit failed", "task_id", taskID, "error", err)
	}
	ack()
	return nil
}

// acquireNode implements §4.3-step 3 (original_source's
// acquire_node_with_retry): the router pick and the CAS claim are retried
// together, since a losing CAS means another worker just claimed the node
// the router picked, and re-invoking ResolvePreferred may land on a
// different idle node (router.Pick re-samples live load every call).
// Retrying only the CAS against the same candidate, as nodepool.Pool.Acquire
// does internally, cannot recover from that case.
func (r *Runner) acquireNode(ctx context.Context, env broker.Envelope) (string, bool, error) {
	for attempt := 0; attempt < r.nodeClaimRetries; attempt++ {
		candidate, changed, err := r.router.ResolvePreferred(ctx, r.family.ID, env.ConversationID, env.Slot, env.TargetNodeURL)
		if err != nil {
			return "", false, err
		}
		if candidate == "" {
			if attempt == 0 {
				return "", false, nil
			}
			if err := waitClaimBackoff(ctx); err != nil {
				return "", false, err
			}
			continue
		}

		ok, err := r.pool.Acquire(ctx, candidate)
		if err != nil {
			return "", false, err
		}
		if ok {
			return candidate, changed, nil
		}

		if attempt < r.nodeClaimRetries-1 {
			if err := waitClaimBackoff(ctx); err != nil {
				return "", false, err
			}
		}
	}
	return "", false, nil
}

// waitClaimBackoff sleeps the 50-150ms uniform jitter original_source's
// acquire_node_with_retry waits between claim attempts.
func waitClaimBackoff(ctx context.Context) error {
	jitter := 50*time.Millisecond + time.Duration(rand.Int63n(int64(100*time.Millisecond)))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}

// runFixedBackend implements config.FamilyConfig.UsesNodePool == false:
// deepseek/qwen/stable_diffusion talk to one pre-configured backend rather
// than the node pool (§3's routing table), so there is no acquireNode/pool
// step, no upload relay, and no prior-context rebuild — original_source's
// deepseek_worker.py always sends a single bare-prompt message.
// FixedBackendURL is a node base URL in the same shape nodepool stores
// (host[:port], no path suffix); backend.Client appends /v1/chat/completions.
func (r *Runner) runFixedBackend(ctx context.Context, taskID string, env broker.Envelope) {
	if r.family.FixedBackendURL == "" {
		slog.Error("worker: fixed-backend family has no backend url configured", "family", r.family.ID, "task_id", taskID)
		_ = r.store.MarkTaskFailed(ctx, taskID, msgNoCapacity)
		return
	}

	start := time.Now()
	content, err := r.backend.ChatCompletion(ctx, r.family.FixedBackendURL, backend.ChatRequest{
		Model:          env.Model,
		ConversationID: env.ConversationID,
		Messages:       []backend.Message{{Role: "user", Content: env.Prompt}},
		Temperature:    r.family.Temperature,
	}, r.family.RequestTimeoutDuration())
	costTime := time.Since(start).Seconds()

	if err != nil {
		r.handleBackendError(ctx, taskID, err)
		return
	}
	if _, err := r.auditor.Commit(ctx, taskID, content, costTime, r.family.RefusalKeywords); err != nil {
		slog.Error("worker: audit commit failed", "task_id", taskID, "error", err)
	}
}

func (r *Runner) buildMessages(ctx context.Context, env broker.Envelope, nodeChanged bool) ([]backend.Message, error) {
	if !nodeChanged {
		return []backend.Message{{Role: "user", Content: env.Prompt}}, nil
	}
	msgs, err := r.loader.Build(ctx, env.ConversationID, env.Prompt)
	if err != nil {
		return nil, err
	}
	out := make([]backend.Message, len(msgs))
	for i, m := range msgs {
		out[i] = backend.Message{Role: m.Role, Content: m.Content}
	}
	return out, nil
}

func (r *Runner) handleBackendError(ctx context.Context, taskID string, err error) {
	var httpErr *backend.HTTPError
	var netErr net.Error
	switch {
	case errors.As(err, &httpErr):
		_ = r.store.MarkTaskFailed(ctx, taskID, httpErr.Error())
	case errors.As(err, &netErr) && netErr.Timeout():
		_ = r.store.MarkTaskFailed(ctx, taskID, msgTimeoutErr)
	default:
		_ = r.store.MarkTaskFailed(ctx, taskID, msgConnectErr)
	}
}

func (r *Runner) sendToDLQ(ctx context.Context, msg broker.Message, reason string) {
	raw, _ := json.Marshal(msg.Envelope)
	entry := broker.DeadLetterEntry{
		OriginalID:    msg.ID,
		Error:         reason,
		SourceWorker:  r.consumer,
		FailedAtMilli: time.Now().UnixMilli(),
		RawPayload:    string(raw),
	}
	if err := r.broker.WriteDeadLetter(ctx, entry); err != nil {
		slog.Error("worker: failed to write dead letter", "message_id", msg.ID, "error", err)
	}
}
