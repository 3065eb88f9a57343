package nodepool_test

import (
	"context"
	"path/filepath"
	"testing"

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

func TestAcquireClaimsExclusively(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	if err := st.RegisterNode(ctx, "gemini", "http://node-a"); err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}

	pool := nodepool.New(st, 3)
	ok, err := pool.Acquire(ctx, "http://node-a")
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, got ok=%v err=%v", ok, err)
	}

	ok2, err := pool.Acquire(ctx, "http://node-a")
	if err != nil {
		t.Fatalf("second acquire error: %v", err)
	}
	if ok2 {
		t.Fatal("expected second acquire to fail while node is held")
	}

	if err := pool.Release(ctx, "http://node-a"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	ok3, err := pool.Acquire(ctx, "http://node-a")
	if err != nil || !ok3 {
		t.Fatalf("expected acquire after release to succeed, got ok=%v err=%v", ok3, err)
	}
}

func TestPreSelectFallsBackToEmptyWhenNoCandidates(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	pool := nodepool.New(st, 3)

	urls, err := pool.PreSelect(ctx, "gemini", 2)
	if err != nil {
		t.Fatalf("PreSelect: %v", err)
	}
	if len(urls) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(urls))
	}
	for _, u := range urls {
		if u != "" {
			t.Fatalf("expected empty placeholder url, got %q", u)
		}
	}
}

func TestPreSelectSamplesWithoutReplacementWhenEnoughNodes(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	for _, url := range []string{"http://a", "http://b", "http://c"} {
		if err := st.RegisterNode(ctx, "gemini", url); err != nil {
			t.Fatalf("RegisterNode: %v", err)
		}
	}

	pool := nodepool.New(st, 3)
	urls, err := pool.PreSelect(ctx, "gemini", 2)
	if err != nil {
		t.Fatalf("PreSelect: %v", err)
	}
	if len(urls) != 2 {
		t.Fatalf("expected 2 urls, got %d", len(urls))
	}
	if urls[0] == urls[1] {
		t.Fatalf("expected distinct urls when pool has enough candidates, got %v", urls)
	}
}
