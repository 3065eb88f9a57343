// Package router implements the §4.4 Router: per-(conversation, slot)
// selection of a healthy backend node, preferring session stickiness and
// falling back to a load-aware random pick.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/Hiih-u/async-chat/internal/store"
)

// Router picks a node URL for a conversation slot, consulting the store's
// sticky-session map and healthy-node set. It holds no in-memory state of
// its own; every decision is read fresh from the database.
type Router struct {
	store *store.Store
}

// New returns a Router backed by st.
func New(st *store.Store) *Router {
	return &Router{store: st}
}

// Pick resolves the node URL to use for slot within conversationID's
// family, returning (url, changed, err). changed is true when the returned
// URL differs from the previously sticky-bound one (or none existed),
// driving the worker's context-rebuild decision (§4.5).
func (r *Router) Pick(ctx context.Context, familyID, conversationID string, slot int) (string, bool, error) {
	healthy, err := r.store.IdleNodes(ctx, familyID)
	if err != nil {
		return "", false, fmt.Errorf("list idle nodes for %s: %w", familyID, err)
	}
	if len(healthy) == 0 {
		return "", false, nil
	}

	prev, hadSticky, err := r.store.StickyNode(ctx, conversationID, slot)
	if err != nil {
		return "", false, fmt.Errorf("lookup sticky node: %w", err)
	}
	if hadSticky {
		for _, n := range healthy {
			if n.NodeURL == prev {
				slog.Debug("router: reusing sticky node", "conversation_id", conversationID, "slot", slot, "node_url", prev)
				return prev, false, nil
			}
		}
	}

	chosen := healthy[rand.Intn(len(healthy))].NodeURL
	if err := r.store.BindStickyNode(ctx, conversationID, slot, chosen); err != nil {
		return "", false, fmt.Errorf("bind sticky node: %w", err)
	}
	slog.Debug("router: bound new node", "conversation_id", conversationID, "slot", slot, "node_url", chosen, "previous", prev)
	return chosen, chosen != prev, nil
}

// ResolvePreferred implements DESIGN.md Open Question (a): when the
// dispatcher pre-bound targetNodeURL, prefer it if it is still healthy;
// otherwise fall back to Pick's router-chosen candidate.
func (r *Router) ResolvePreferred(ctx context.Context, familyID, conversationID string, slot int, targetNodeURL string) (string, bool, error) {
	if targetNodeURL != "" {
		healthy, err := r.store.NodeHealthy(ctx, targetNodeURL)
		if err != nil {
			return "", false, fmt.Errorf("check pre-bound node health: %w", err)
		}
		if healthy {
			prev, hadSticky, err := r.store.StickyNode(ctx, conversationID, slot)
			if err != nil {
				return "", false, fmt.Errorf("lookup sticky node: %w", err)
			}
			if err := r.store.BindStickyNode(ctx, conversationID, slot, targetNodeURL); err != nil {
				return "", false, fmt.Errorf("bind pre-bound node: %w", err)
			}
			changed := !hadSticky || prev != targetNodeURL
			return targetNodeURL, changed, nil
		}
		slog.Info("router: pre-bound node unhealthy, falling back to router pick", "node_url", targetNodeURL)
	}
	return r.Pick(ctx, familyID, conversationID, slot)
}
