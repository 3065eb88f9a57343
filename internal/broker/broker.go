// Package broker wraps Redis Streams with the consumer-group semantics the
// dispatcher and worker runner rely on: idempotent group creation, envelope
// append/read/ack, pending-entries recovery, and the dead-letter stream.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// deadLetterStream is the single DLQ stream shared by every family.
	deadLetterStream = "sys_dead_letters"
	deadLetterMaxLen = 10000
)

// Envelope is the JSON payload carried in a stream entry's "payload" field.
type Envelope struct {
	TaskID         string   `json:"task_id"`
	ConversationID string   `json:"conversation_id"`
	Prompt         string   `json:"prompt"`
	Model          string   `json:"model"`
	FilePaths      []string `json:"file_paths"`
	TargetNodeURL  string   `json:"target_node_url,omitempty"`
	Slot           int      `json:"slot"` // fan-out replica index for sticky node binding (§4.4)
}

// Message is a stream entry paired with its broker-assigned ID.
type Message struct {
	ID       string
	Envelope Envelope
}

// Broker is a thin Redis Streams client bound to one consumer group per call
// site; the stream key and group name are passed explicitly rather than
// fixed at construction so one Broker instance serves every family.
type Broker struct {
	rdb *redis.Client
}

// New connects to addr and verifies reachability with a PING.
func New(ctx context.Context, addr string) (*Broker, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return &Broker{rdb: rdb}, nil
}

// Close releases the underlying connection pool.
func (b *Broker) Close() error {
	return b.rdb.Close()
}

// Ping reports broker reachability, surfaced verbatim in the gateway's
// /health response per §6.1.
func (b *Broker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// EnsureGroup creates group on stream starting from the beginning of
// history, tolerating the group already existing (BUSYGROUP).
func (b *Broker) EnsureGroup(ctx context.Context, stream, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", group, stream, err)
	}
	return nil
}

// Publish appends env to stream as a single "payload" field entry and
// returns the broker-assigned message ID.
func (b *Broker) Publish(ctx context.Context, stream string, env Envelope) (string, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"payload": string(raw)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// ReadNew blocks up to block waiting for new (">") entries on stream for
// consumer within group, returning at most count messages. A timed-out block
// with no entries returns a nil, nil result (not an error).
func (b *Broker) ReadNew(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", stream, group, err)
	}
	return decodeMessages(res)
}

// ReadPending fetches up to count entries from consumer's own pending-entries
// list (delivered but not yet acked), used by the recovery scan on startup.
func (b *Broker) ReadPending(ctx context.Context, stream, group, consumer string, count int64) ([]Message, error) {
	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, "0"},
		Count:    count,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup pending %s/%s: %w", stream, group, err)
	}
	return decodeMessages(res)
}

func decodeMessages(res []redis.XStream) ([]Message, error) {
	var out []Message
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, Message{ID: m.ID})
			raw, ok := m.Values["payload"].(string)
			if !ok {
				continue
			}
			var env Envelope
			if err := json.Unmarshal([]byte(raw), &env); err != nil {
				// Caller inspects the zero Envelope and treats decode
				// failure as a DLQ candidate; record the ID regardless.
				out[len(out)-1].Envelope = Envelope{}
				continue
			}
			out[len(out)-1].Envelope = env
		}
	}
	return out, nil
}

// Ack acknowledges a single message on stream within group.
func (b *Broker) Ack(ctx context.Context, stream, group, id string) error {
	if err := b.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("xack %s/%s/%s: %w", stream, group, id, err)
	}
	return nil
}

// MessageAgeMillis reports how long ago id was produced, derived from the
// stream ID's millisecond-timestamp prefix (§4.8's 60s-expiry check).
func MessageAgeMillis(id string) (int64, error) {
	parts := strings.SplitN(id, "-", 2)
	if len(parts) == 0 {
		return 0, fmt.Errorf("malformed stream id %q", id)
	}
	var ms int64
	if _, err := fmt.Sscanf(parts[0], "%d", &ms); err != nil {
		return 0, fmt.Errorf("parse stream id %q: %w", id, err)
	}
	return time.Now().UnixMilli() - ms, nil
}

// DeadLetterEntry is one record written to sys_dead_letters.
type DeadLetterEntry struct {
	OriginalID    string `json:"original_id"`
	Error         string `json:"error"`
	SourceWorker  string `json:"source_worker"`
	FailedAtMilli int64  `json:"failed_at"`
	RawPayload    string `json:"raw_payload"`
}

// DLQLen reports the current length of the dead-letter stream, used by the
// housekeeping sweep to flag a growing backlog.
func (b *Broker) DLQLen(ctx context.Context) (int64, error) {
	n, err := b.rdb.XLen(ctx, deadLetterStream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", deadLetterStream, err)
	}
	return n, nil
}

// WriteDeadLetter appends entry to sys_dead_letters, capped at
// deadLetterMaxLen entries via approximate trimming.
func (b *Broker) WriteDeadLetter(ctx context.Context, entry DeadLetterEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter entry: %w", err)
	}
	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: deadLetterStream,
		MaxLen: deadLetterMaxLen,
		Approx: true,
		Values: map[string]any{"payload": string(raw)},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", deadLetterStream, err)
	}
	return nil
}
