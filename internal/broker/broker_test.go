package broker

import (
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestDecodeMessagesParsesEnvelope(t *testing.T) {
	raw := `{"task_id":"t1","conversation_id":"c1","prompt":"hi","model":"gemini-2.5-flash","file_paths":["a.png"]}`
	streams := []redis.XStream{
		{
			Stream: "gemini_stream",
			Messages: []redis.XMessage{
				{ID: "1-0", Values: map[string]any{"payload": raw}},
			},
		},
	}

	msgs, err := decodeMessages(streams)
	if err != nil {
		t.Fatalf("decodeMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].ID != "1-0" {
		t.Fatalf("expected id 1-0, got %s", msgs[0].ID)
	}
	if msgs[0].Envelope.TaskID != "t1" || msgs[0].Envelope.Prompt != "hi" {
		t.Fatalf("unexpected envelope: %+v", msgs[0].Envelope)
	}
	if len(msgs[0].Envelope.FilePaths) != 1 || msgs[0].Envelope.FilePaths[0] != "a.png" {
		t.Fatalf("unexpected file paths: %+v", msgs[0].Envelope.FilePaths)
	}
}

func TestDecodeMessagesHandlesUndecodablePayload(t *testing.T) {
	streams := []redis.XStream{
		{
			Stream: "gemini_stream",
			Messages: []redis.XMessage{
				{ID: "2-0", Values: map[string]any{"payload": "not json"}},
			},
		},
	}

	msgs, err := decodeMessages(streams)
	if err != nil {
		t.Fatalf("decodeMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message even when undecodable, got %d", len(msgs))
	}
	if msgs[0].ID != "2-0" {
		t.Fatalf("expected id 2-0, got %s", msgs[0].ID)
	}
	if msgs[0].Envelope.TaskID != "" {
		t.Fatalf("expected zero-value envelope for undecodable payload, got %+v", msgs[0].Envelope)
	}
}

func TestMessageAgeMillisComputesAge(t *testing.T) {
	past := time.Now().Add(-90 * time.Second).UnixMilli()
	id := formatStreamID(past, 0)

	age, err := MessageAgeMillis(id)
	if err != nil {
		t.Fatalf("MessageAgeMillis: %v", err)
	}
	if age < 89000 || age > 120000 {
		t.Fatalf("expected age around 90s, got %dms", age)
	}
}

func TestMessageAgeMillisRejectsMalformedID(t *testing.T) {
	if _, err := MessageAgeMillis(""); err == nil {
		t.Fatal("expected error for empty id")
	}
	if _, err := MessageAgeMillis("not-a-timestamp-0"); err == nil {
		t.Fatal("expected error for non-numeric timestamp prefix")
	}
}

func formatStreamID(ms int64, seq int64) string {
	return strconv.FormatInt(ms, 10) + "-" + strconv.FormatInt(seq, 10)
}
