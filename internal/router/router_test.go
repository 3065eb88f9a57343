package router_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Hiih-u/async-chat/internal/router"
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

func TestPickReturnsNoCandidateWhenNoneHealthy(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	r := router.New(st)

	url, changed, err := r.Pick(ctx, "gemini", "conv-1", 0)
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if url != "" || changed {
		t.Fatalf("expected no candidate, got url=%q changed=%v", url, changed)
	}
}

func TestPickPrefersStickyNode(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	if err := st.RegisterNode(ctx, "gemini", "http://a"); err != nil {
		t.Fatalf("RegisterNode a: %v", err)
	}
	if err := st.RegisterNode(ctx, "gemini", "http://b"); err != nil {
		t.Fatalf("RegisterNode b: %v", err)
	}
	if err := st.EnsureConversation(ctx, "conv-1", "hi"); err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}
	if err := st.BindStickyNode(ctx, "conv-1", 0, "http://a"); err != nil {
		t.Fatalf("BindStickyNode: %v", err)
	}

	r := router.New(st)
	url, changed, err := r.Pick(ctx, "gemini", "conv-1", 0)
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if url != "http://a" || changed {
		t.Fatalf("expected sticky reuse of http://a with changed=false, got url=%q changed=%v", url, changed)
	}
}

func TestResolvePreferredFallsBackWhenPreBoundUnhealthy(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	if err := st.RegisterNode(ctx, "gemini", "http://healthy"); err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}
	if err := st.EnsureConversation(ctx, "conv-1", "hi"); err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}

	r := router.New(st)
	url, _, err := r.ResolvePreferred(ctx, "gemini", "conv-1", 0, "http://unhealthy-stale")
	if err != nil {
		t.Fatalf("ResolvePreferred: %v", err)
	}
	if url != "http://healthy" {
		t.Fatalf("expected fallback to healthy node, got %q", url)
	}
}

func TestResolvePreferredHonorsHealthyPreBound(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	if err := st.RegisterNode(ctx, "gemini", "http://a"); err != nil {
		t.Fatalf("RegisterNode a: %v", err)
	}
	if err := st.RegisterNode(ctx, "gemini", "http://b"); err != nil {
		t.Fatalf("RegisterNode b: %v", err)
	}
	if err := st.EnsureConversation(ctx, "conv-1", "hi"); err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}

	r := router.New(st)
	url, changed, err := r.ResolvePreferred(ctx, "gemini", "conv-1", 0, "http://b")
	if err != nil {
		t.Fatalf("ResolvePreferred: %v", err)
	}
	if url != "http://b" {
		t.Fatalf("expected pre-bound node http://b to be honored, got %q", url)
	}
	if !changed {
		t.Fatal("expected changed=true on first bind")
	}
}
