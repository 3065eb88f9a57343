// Package recovery implements §4.8: the startup pending-entries scan that
// heals zombie PROCESSING tasks left behind by a crashed worker, drops
// messages that aged past the live-chat tolerance, and re-drives every
// other pending entry back through the normal worker lifecycle.
package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/Hiih-u/async-chat/internal/broker"
	"github.com/Hiih-u/async-chat/internal/store"
)

// pendingReader is the slice of *broker.Broker the recovery scan needs,
// narrowed so tests can drive it with a fake pending queue.
type pendingReader interface {
	ReadPending(ctx context.Context, stream, group, consumer string, count int64) ([]broker.Message, error)
	Ack(ctx context.Context, stream, group, id string) error
}

// runner is the slice of worker.Runner the recovery scan needs.
type runner interface {
	Run(ctx context.Context, msg broker.Message, checkIdempotency bool) error
}

// Target is one family's stream/group/runner, scanned independently.
type Target struct {
	FamilyID string
	Stream   string
	Group    string
	Consumer string
	Runner   runner
}

// Recovery periodically re-scans every family's pending-entries list.
type Recovery struct {
	store        *store.Store
	broker       pendingReader
	targets      []Target
	batchSize    int64
	expiry       time.Duration
	scanInterval time.Duration
}

// New builds a Recovery over the given targets. batchSize and expirySeconds
// come from config.Config (RecoveryBatchSize/RecoveryExpirySeconds).
func New(st *store.Store, brk pendingReader, targets []Target, batchSize, expirySeconds int) *Recovery {
	if batchSize <= 0 {
		batchSize = 50
	}
	if expirySeconds <= 0 {
		expirySeconds = 60
	}
	return &Recovery{
		store:        st,
		broker:       brk,
		targets:      targets,
		batchSize:    int64(batchSize),
		expiry:       time.Duration(expirySeconds) * time.Second,
		scanInterval: 5 * time.Minute,
	}
}

// NewTarget constructs one family's scan target; exported so cmd/workerd
// can assemble the slice passed to New.
func NewTarget(familyID, stream, group, consumer string, r runner) Target {
	return Target{FamilyID: familyID, Stream: stream, Group: group, Consumer: consumer, Runner: r}
}

// Start runs one scan immediately (the startup recovery pass, §4.8), then
// re-scans every five minutes in a background goroutine until ctx is done.
func (r *Recovery) Start(ctx context.Context) {
	if err := r.ScanOnce(ctx); err != nil {
		slog.Error("recovery: startup scan failed", "error", err)
	}

	go func() {
		ticker := time.NewTicker(r.scanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.ScanOnce(ctx); err != nil {
					slog.Error("recovery: periodic scan failed", "error", err)
				}
			}
		}
	}()
}

// ScanOnce performs one pending-entries sweep across every target family.
func (r *Recovery) ScanOnce(ctx context.Context) error {
	for _, t := range r.targets {
		if err := r.scanTarget(ctx, t); err != nil {
			slog.Error("recovery: scan target failed", "family", t.FamilyID, "error", err)
		}
	}
	return nil
}

func (r *Recovery) scanTarget(ctx context.Context, t Target) error {
	msgs, err := r.broker.ReadPending(ctx, t.Stream, t.Group, t.Consumer, r.batchSize)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	slog.Warn("recovery: recovering pending entries", "family", t.FamilyID, "count", len(msgs))

	for _, msg := range msgs {
		age, ageErr := broker.MessageAgeMillis(msg.ID)
		if ageErr == nil && time.Duration(age)*time.Millisecond > r.expiry {
			slog.Warn("recovery: dropping expired pending entry", "message_id", msg.ID, "family", t.FamilyID)
			if err := r.broker.Ack(ctx, t.Stream, t.Group, msg.ID); err != nil {
				slog.Error("recovery: ack of expired entry failed", "message_id", msg.ID, "error", err)
			}
			continue
		}

		if msg.Envelope.TaskID != "" {
			if err := r.store.ResetStaleProcessingToPending(ctx, msg.Envelope.TaskID); err != nil {
				slog.Error("recovery: reset zombie task failed", "task_id", msg.Envelope.TaskID, "error", err)
			}
		}

		if err := t.Runner.Run(ctx, msg, true); err != nil {
			slog.Error("recovery: reprocessing pending entry failed", "message_id", msg.ID, "family", t.FamilyID, "error", err)
		}
	}
	return nil
}
