// Package nodepool implements the §4.7 node load manager: atomic CAS
// acquisition of a node's binary dispatch lock with bounded retry, paired
// release on every exit path, and the soft load counter workers bump
// around a request.
package nodepool

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/Hiih-u/async-chat/internal/store"
)

// Pool coordinates ServiceNode claims for one process. It holds no
// in-memory state of its own — every decision is a row-level CAS against
// the store — so many Pool instances (one per worker) are safe to run
// concurrently against the same database.
type Pool struct {
	store      *store.Store
	maxRetries int
}

// New returns a Pool backed by st, retrying CAS-claim contention up to
// maxRetries times (config.NodeClaimMaxRetries, default 3 per
// original_source's acquire_node_with_retry).
func New(st *store.Store, maxRetries int) *Pool {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Pool{store: st, maxRetries: maxRetries}
}

// Acquire attempts to claim candidateURL's dispatch lock, retrying against
// the same candidate with uniform 50-150ms jitter between attempts
// (original_source's acquire_node_with_retry). It does not itself choose a
// different candidate on contention — that is the router's job; callers
// that want to try alternates should call Acquire once per candidate.
func (p *Pool) Acquire(ctx context.Context, nodeURL string) (bool, error) {
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		claimed, err := p.store.ClaimNodeCAS(ctx, nodeURL)
		if err != nil {
			return false, fmt.Errorf("claim node %s: %w", nodeURL, err)
		}
		if claimed {
			return true, nil
		}
		if attempt == p.maxRetries-1 {
			break
		}
		jitter := 50*time.Millisecond + time.Duration(rand.Int63n(int64(100*time.Millisecond)))
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(jitter):
		}
	}
	return false, nil
}

// Release clears nodeURL's dispatch lock and, when the worker had
// previously called IncrLoad, decrements the soft counter too. Safe to
// call from a deferred cleanup on every exit path (§4.3-step 9).
func (p *Pool) Release(ctx context.Context, nodeURL string) error {
	if err := p.store.ReleaseNode(ctx, nodeURL); err != nil {
		return fmt.Errorf("release node %s: %w", nodeURL, err)
	}
	return nil
}

// IncrLoad bumps the soft current_tasks counter by delta, clamped at zero
// by the store. Workers call this with +1 on acquire and -1 on release.
func (p *Pool) IncrLoad(ctx context.Context, nodeURL string, delta int) error {
	if err := p.store.IncrCurrentTasks(ctx, nodeURL, delta); err != nil {
		return fmt.Errorf("adjust load for %s: %w", nodeURL, err)
	}
	return nil
}

// PreSelect returns up to concurrency candidate URLs for family, load-aware
// sampled from the ten least-loaded alive nodes (§4.2). When fewer than
// concurrency distinct alive nodes exist, candidates are sampled with
// replacement; when the family has no candidates at all, it returns a
// slice of concurrency empty strings so the worker self-routes.
func (p *Pool) PreSelect(ctx context.Context, familyID string, concurrency int) ([]string, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	candidates, err := p.store.TopLoadedNodes(ctx, familyID, 10)
	if err != nil {
		return nil, fmt.Errorf("list top loaded nodes for %s: %w", familyID, err)
	}
	if len(candidates) == 0 {
		out := make([]string, concurrency)
		return out, nil
	}

	urls := make([]string, len(candidates))
	for i, n := range candidates {
		urls[i] = n.NodeURL
	}

	out := make([]string, concurrency)
	if len(urls) >= concurrency {
		perm := rand.Perm(len(urls))
		for i := 0; i < concurrency; i++ {
			out[i] = urls[perm[i]]
		}
		return out, nil
	}
	for i := 0; i < concurrency; i++ {
		out[i] = urls[rand.Intn(len(urls))]
	}
	return out, nil
}
