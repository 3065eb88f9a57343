package store

import (
	"context"
	"fmt"
	"time"
)

// aliveThreshold mirrors original_source/services/workers/core/router.py's
// 30-second node heartbeat staleness window.
const aliveThreshold = 30 * time.Second

// RegisterNode upserts a service node, used by the node-pool's health-check
// loop and by test fixtures.
func (s *Store) RegisterNode(ctx context.Context, family, nodeURL string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO service_nodes (family, node_url, status, dispatched_tasks, current_tasks)
			VALUES (?, ?, 'HEALTHY', 0, 0)
			ON CONFLICT(family, node_url) DO UPDATE SET status = 'HEALTHY', updated_at = CURRENT_TIMESTAMP;
		`, family, nodeURL)
		return err
	})
}

// SetNodeStatus flips a node's health classification, called by the
// node pool's liveness sweep.
func (s *Store) SetNodeStatus(ctx context.Context, nodeURL string, status NodeStatus) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE service_nodes SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE node_url = ?;
		`, string(status), nodeURL)
		return err
	})
}

// TopLoadedNodes returns up to `limit` healthy, recently-seen nodes for a
// family ordered by ascending current_tasks, the candidate pool
// §4.2 node pre-selection samples from.
func (s *Store) TopLoadedNodes(ctx context.Context, family string, limit int) ([]ServiceNode, error) {
	cutoff := time.Now().UTC().Add(-aliveThreshold)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, family, node_url, status, dispatched_tasks, current_tasks, updated_at
		FROM service_nodes
		WHERE family = ? AND status = 'HEALTHY' AND updated_at >= ?
		ORDER BY current_tasks ASC
		LIMIT ?;
	`, family, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query top loaded nodes: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// IdleNodes returns healthy, recently-seen nodes with zero dispatched and
// zero current load — the pool get_database_target_url samples from for
// non-sticky routing decisions.
func (s *Store) IdleNodes(ctx context.Context, family string) ([]ServiceNode, error) {
	cutoff := time.Now().UTC().Add(-aliveThreshold)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, family, node_url, status, dispatched_tasks, current_tasks, updated_at
		FROM service_nodes
		WHERE family = ? AND status = 'HEALTHY' AND updated_at >= ? AND dispatched_tasks = 0 AND current_tasks = 0;
	`, family, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query idle nodes: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// NodeHealthy reports whether a specific node URL is currently healthy and
// within the alive threshold, used to validate a pre-bound node before
// falling back to router selection (DESIGN.md Open Question a).
func (s *Store) NodeHealthy(ctx context.Context, nodeURL string) (bool, error) {
	cutoff := time.Now().UTC().Add(-aliveThreshold)
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM service_nodes WHERE node_url = ? AND status = 'HEALTHY' AND updated_at >= ?;
	`, nodeURL, cutoff).Scan(&count)
	return count > 0, err
}

func scanNodes(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]ServiceNode, error) {
	var out []ServiceNode
	for rows.Next() {
		var n ServiceNode
		var status string
		if err := rows.Scan(&n.ID, &n.Family, &n.NodeURL, &status, &n.DispatchedTask, &n.CurrentTasks, &n.UpdatedAt); err != nil {
			return nil, err
		}
		n.Status = NodeStatus(status)
		out = append(out, n)
	}
	return out, rows.Err()
}

// ClaimNodeCAS is the binary-lock claim from original_source's
// atomic_claim_node: dispatched_tasks 0 -> 1, guarded by a conditional
// UPDATE so concurrent workers never double-claim the same node.
func (s *Store) ClaimNodeCAS(ctx context.Context, nodeURL string) (bool, error) {
	var claimed bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE service_nodes SET dispatched_tasks = 1, updated_at = CURRENT_TIMESTAMP
			WHERE node_url = ? AND dispatched_tasks = 0;
		`, nodeURL)
		if err != nil {
			return fmt.Errorf("claim node: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		claimed = n == 1
		return nil
	})
	return claimed, err
}

// ReleaseNode clears the binary dispatch lock. Matches original_source's
// release_node_safe / update_node_load(-1): only dispatched_tasks moves,
// current_tasks is an independent soft counter.
func (s *Store) ReleaseNode(ctx context.Context, nodeURL string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE service_nodes SET dispatched_tasks = 0, updated_at = CURRENT_TIMESTAMP
			WHERE node_url = ?;
		`, nodeURL)
		return err
	})
}

// IncrCurrentTasks bumps the soft load counter the dispatcher's
// pre-selection ordering reads from.
func (s *Store) IncrCurrentTasks(ctx context.Context, nodeURL string, delta int) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE service_nodes
			SET current_tasks = MAX(0, current_tasks + ?), updated_at = CURRENT_TIMESTAMP
			WHERE node_url = ?;
		`, delta, nodeURL)
		return err
	})
}
