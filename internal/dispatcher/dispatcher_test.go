package dispatcher_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Hiih-u/async-chat/internal/broker"
	"github.com/Hiih-u/async-chat/internal/config"
	"github.com/Hiih-u/async-chat/internal/dispatcher"
	"github.com/Hiih-u/async-chat/internal/family"
	"github.com/Hiih-u/async-chat/internal/nodepool"
	"github.com/Hiih-u/async-chat/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testConfig() config.Config {
	cfg := config.Config{}
	cfg.Families = []config.FamilyConfig{
		{ID: "gemini", MatchSubstrings: []string{"gemini"}, StreamKey: "gemini_stream", ConsumerGroup: "gemini_workers", UsesNodePool: true},
		{ID: "deepseek", MatchSubstrings: []string{"deepseek"}, StreamKey: "deepseek_stream", ConsumerGroup: "deepseek_workers"},
	}
	return cfg
}

// fakePublisher is a streamPublisher test double: no live Redis needed.
type fakePublisher struct {
	mu         sync.Mutex
	published  []broker.Envelope
	failStream string // Publish fails for this stream key, once
}

func (f *fakePublisher) EnsureGroup(ctx context.Context, stream, group string) error {
	return nil
}

func (f *fakePublisher) Publish(ctx context.Context, stream string, env broker.Envelope) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if stream == f.failStream {
		f.failStream = "" // only fail the first attempt
		return "", errors.New("simulated redis outage")
	}
	f.published = append(f.published, env)
	return "1-0", nil
}

func newDispatcher(t *testing.T, st *store.Store, pub *fakePublisher, pool *nodepool.Pool) *dispatcher.Dispatcher {
	t.Helper()
	reg, err := family.NewRegistry(testConfig())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return dispatcher.New(st, pub, reg, pool)
}

func TestDispatchSingleModelEnqueuesOneTask(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	pub := &fakePublisher{}
	pool := nodepool.New(st, 3)
	d := newDispatcher(t, st, pub, pool)

	res, err := d.Dispatch(ctx, dispatcher.Request{
		Prompt:      "hello",
		ModelConfig: "deepseek-v3",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(res.TaskIDs) != 1 {
		t.Fatalf("expected 1 task, got %d", len(res.TaskIDs))
	}

	task, err := st.GetTask(ctx, res.TaskIDs[0])
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.ModelName != "deepseek-v3" {
		t.Fatalf("expected display name without suffix, got %q", task.ModelName)
	}
	if task.TaskType != "TEXT" {
		t.Fatalf("expected TEXT task type, got %q", task.TaskType)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.published) != 1 {
		t.Fatalf("expected 1 published envelope, got %d", len(pub.published))
	}
	if pub.published[0].Slot != 0 {
		t.Fatalf("expected slot 0 for non-concurrent dispatch, got %d", pub.published[0].Slot)
	}
}

func TestDispatchGeminiConcurrencyFansOutWithSlotSuffixes(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	if err := st.RegisterNode(ctx, "gemini", "http://node-a"); err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}
	if err := st.RegisterNode(ctx, "gemini", "http://node-b"); err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}
	pub := &fakePublisher{}
	pool := nodepool.New(st, 3)
	d := newDispatcher(t, st, pub, pool)

	res, err := d.Dispatch(ctx, dispatcher.Request{
		Prompt:            "hello",
		ModelConfig:       "gemini-2.5-flash",
		GeminiConcurrency: 2,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(res.TaskIDs) != 2 {
		t.Fatalf("expected 2 fan-out tasks, got %d", len(res.TaskIDs))
	}

	names := make(map[string]bool)
	for _, id := range res.TaskIDs {
		task, err := st.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		names[task.ModelName] = true
	}
	if !names["gemini-2.5-flash (#1)"] || !names["gemini-2.5-flash (#2)"] {
		t.Fatalf("expected both slot suffixes present, got %v", names)
	}
}

func TestDispatchImageModePrependsPreambleAndSetsTaskType(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	pub := &fakePublisher{}
	pool := nodepool.New(st, 3)
	d := newDispatcher(t, st, pub, pool)

	res, err := d.Dispatch(ctx, dispatcher.Request{
		Prompt:      "a cat",
		ModelConfig: "stable-diffusion",
		Mode:        "image",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	task, err := st.GetTask(ctx, res.TaskIDs[0])
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.TaskType != "IMAGE" {
		t.Fatalf("expected IMAGE task type, got %q", task.TaskType)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.published[0].Prompt) == 0 || pub.published[0].Prompt == "a cat" {
		t.Fatalf("expected preamble prepended to worker prompt, got %q", pub.published[0].Prompt)
	}
}

func TestDispatchEnqueueFailureMarksTaskFailedAndContinues(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	if err := st.RegisterNode(ctx, "gemini", "http://node-a"); err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}
	if err := st.RegisterNode(ctx, "gemini", "http://node-b"); err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}
	pub := &fakePublisher{failStream: "gemini_stream"}
	pool := nodepool.New(st, 3)
	d := newDispatcher(t, st, pub, pool)

	res, err := d.Dispatch(ctx, dispatcher.Request{
		Prompt:            "hello",
		ModelConfig:       "gemini-2.5-flash",
		GeminiConcurrency: 2,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(res.TaskIDs) != 2 {
		t.Fatalf("expected both slots to still produce a task row, got %d", len(res.TaskIDs))
	}

	var sawFailed, sawOK bool
	for _, id := range res.TaskIDs {
		task, err := st.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		switch task.Status {
		case store.TaskStatusFailed:
			sawFailed = true
			if task.ErrorMsg == "" {
				t.Fatal("expected MQ error message on the failed slot")
			}
		case store.TaskStatusPending:
			sawOK = true
		}
	}
	if !sawFailed || !sawOK {
		t.Fatalf("expected one failed slot and one pending slot, got sawFailed=%v sawOK=%v", sawFailed, sawOK)
	}
}

func TestDispatchDefaultsEmptyModelConfigToGeminiFlash(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	pub := &fakePublisher{}
	pool := nodepool.New(st, 3)
	d := newDispatcher(t, st, pub, pool)

	res, err := d.Dispatch(ctx, dispatcher.Request{
		Prompt:      "hello",
		ModelConfig: " on , ",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(res.TaskIDs) != 1 {
		t.Fatalf("expected 1 task, got %d", len(res.TaskIDs))
	}
	task, err := st.GetTask(ctx, res.TaskIDs[0])
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.ModelName != "gemini-2.5-flash" {
		t.Fatalf("expected default gemini-2.5-flash, got %q", task.ModelName)
	}
}
