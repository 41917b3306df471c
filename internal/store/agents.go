package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrDisplayNameTaken is returned by Register when displayName is already
// held by a different agent id (case-insensitive).
var ErrDisplayNameTaken = errors.New("display name already registered to a different agent")

// Register upserts an agent by id. If displayName collides (case
// insensitively, ignoring a leading '@') with a different agent id, the
// call fails rather than silently overwriting the other agent's identity.
func (s *Store) Register(ctx context.Context, a *Agent) error {
	normalized := NormalizeDisplayName(a.DisplayName)

	existing, err := s.GetByDisplayName(ctx, normalized)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err == nil && existing.ID != a.ID {
		return ErrDisplayNameTaken
	}

	capsJSON, err := marshalOrNil(a.Capabilities)
	if err != nil {
		return err
	}

	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (
				id, display_name, capabilities_json, color,
				workspace_type, workspace_repo_id, workspace_branch, workspace_path,
				created_at, source, last_seen
			) VALUES (?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET
				display_name = excluded.display_name,
				capabilities_json = excluded.capabilities_json,
				color = excluded.color,
				workspace_type = excluded.workspace_type,
				workspace_repo_id = excluded.workspace_repo_id,
				workspace_branch = excluded.workspace_branch,
				workspace_path = excluded.workspace_path,
				source = excluded.source,
				last_seen = excluded.last_seen
		`,
			a.ID, a.DisplayName, capsJSON, nullIfEmpty(a.Color),
			nullIfEmpty(a.WorkspaceContext.Type), nullIfEmpty(a.WorkspaceContext.RepoID),
			nullIfEmpty(a.WorkspaceContext.Branch), nullIfEmpty(a.WorkspaceContext.Path),
			a.CreatedAt, nullIfEmpty(a.Source), a.LastSeen,
		)
		return err
	})
}

// NormalizeDisplayName strips a leading '@' for case-insensitive comparison.
func NormalizeDisplayName(name string) string {
	return strings.TrimPrefix(name, "@")
}

// GetByID returns a single agent.
func (s *Store) GetAgentByID(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, agentSelect+` WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// GetByDisplayName looks an agent up case-insensitively, stripping a
// leading '@' from the query.
func (s *Store) GetByDisplayName(ctx context.Context, displayName string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, agentSelect+` WHERE display_name = ? COLLATE NOCASE`, NormalizeDisplayName(displayName))
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// ListAgents returns every registered agent.
func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, agentSelect+` ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Heartbeat refreshes an agent's last-seen timestamp and records an audit
// row in agent_heartbeats.
func (s *Store) Heartbeat(ctx context.Context, agentID string) error {
	now := time.Now().UnixMilli()
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx, `UPDATE agents SET last_seen = ? WHERE id = ?`, now, agentID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO agent_heartbeats (agent_id, seen_at) VALUES (?, ?)`, agentID, now); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// RequestEviction stores a pending control signal for an agent, replacing
// any prior pending request.
func (s *Store) RequestEviction(ctx context.Context, agentID, reason string, action EvictionAction) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO eviction_requests (agent_id, reason, action, created_at)
			VALUES (?,?,?,?)
			ON CONFLICT(agent_id) DO UPDATE SET reason = excluded.reason, action = excluded.action, created_at = excluded.created_at
		`, agentID, reason, string(action), time.Now().UnixMilli())
		return err
	})
}

// CheckEviction returns and clears a pending eviction request, if any.
func (s *Store) CheckEviction(ctx context.Context, agentID string) (*EvictionRequest, error) {
	var req EvictionRequest
	var reason sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT agent_id, reason, action, created_at FROM eviction_requests WHERE agent_id = ?`, agentID).
		Scan(&req.AgentID, &reason, &req.Action, &req.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	req.Reason = reason.String

	return &req, retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM eviction_requests WHERE agent_id = ?`, agentID)
		return err
	})
}

// Cleanup removes agents that have not been seen in staleAfter and are not
// in the set of currently-active ids (e.g. parked in the Waiting Registry).
func (s *Store) Cleanup(ctx context.Context, staleAfter time.Duration, activeIDs map[string]bool) (int, error) {
	cutoff := time.Now().Add(-staleAfter).UnixMilli()
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM agents WHERE last_seen < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup scan: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		if !activeIDs[id] {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range stale {
		err := retryOnBusy(ctx, 5, func() error {
			_, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
			return err
		})
		if err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// HasWorkspace reports whether any registered agent is currently associated
// with the given repo id, used by assign_task to reject delegation to a
// workspace nobody is serving.
func (s *Store) HasWorkspace(ctx context.Context, repoID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM agents WHERE workspace_repo_id = ?`, repoID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("has workspace: %w", err)
	}
	return count > 0, nil
}

const agentSelect = `
	SELECT id, display_name, capabilities_json, color,
		workspace_type, workspace_repo_id, workspace_branch, workspace_path,
		created_at, source, last_seen
	FROM agents`

func scanAgent(row scanner) (*Agent, error) {
	var a Agent
	var caps sql.NullString
	var color, wsType, wsRepo, wsBranch, wsPath, source sql.NullString

	if err := row.Scan(
		&a.ID, &a.DisplayName, &caps, &color,
		&wsType, &wsRepo, &wsBranch, &wsPath,
		&a.CreatedAt, &source, &a.LastSeen,
	); err != nil {
		return nil, err
	}
	a.Color = color.String
	a.Source = source.String
	a.WorkspaceContext = WorkspaceContext{Type: wsType.String, RepoID: wsRepo.String, Branch: wsBranch.String, Path: wsPath.String}
	if caps.Valid {
		_ = json.Unmarshal([]byte(caps.String), &a.Capabilities)
	}
	return &a, nil
}
