package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a lookup by id finds nothing.
var ErrNotFound = errors.New("not found")

// Insert persists a brand new task. Callers are expected to have already
// assigned an id and a CreatedAt.
func (s *Store) Insert(ctx context.Context, t *Task) error {
	capsJSON, err := marshalOrNil(t.To.RequiredCapabilities)
	if err != nil {
		return err
	}
	depsJSON, err := marshalOrNil(t.Dependencies)
	if err != nil {
		return err
	}
	ctxJSON, err := marshalOrNil(t.Context)
	if err != nil {
		return err
	}

	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (
				id, prompt, title, from_type, from_id, from_display_name,
				to_agent_id, to_capabilities_json, to_workspace_id,
				priority, status, assigned_to, dependencies_json, context_json,
				created_at, completed_at, attempt, last_error_code
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		`,
			t.ID, t.Prompt, t.Title, string(t.From.Type), t.From.ID, t.From.DisplayName,
			nullIfEmpty(t.To.AgentID), capsJSON, nullIfEmpty(t.To.WorkspaceID),
			string(t.Priority), string(t.Status), nullIfEmpty(t.AssignedTo), depsJSON, ctxJSON,
			t.CreatedAt, nullIfZero(t.CompletedAt), t.Attempt, nullIfEmpty(t.LastErrorCode),
		)
		return err
	})
}

// Update overwrites every mutable column of an existing task.
func (s *Store) Update(ctx context.Context, t *Task) error {
	var respMsg, respDiff sql.NullString
	var respArtifacts any
	if t.Response != nil {
		respMsg = sql.NullString{String: t.Response.Message, Valid: true}
		respDiff = sql.NullString{String: t.Response.Diff, Valid: true}
		artJSON, err := marshalOrNil(t.Response.Artifacts)
		if err != nil {
			return err
		}
		respArtifacts = artJSON
	}
	ctxJSON, err := marshalOrNil(t.Context)
	if err != nil {
		return err
	}
	depsJSON, err := marshalOrNil(t.Dependencies)
	if err != nil {
		return err
	}

	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET
				status = ?, assigned_to = ?, dependencies_json = ?, context_json = ?,
				response_message = ?, response_artifacts_json = ?, response_diff = ?,
				completed_at = ?, attempt = ?, last_error_code = ?
			WHERE id = ?
		`,
			string(t.Status), nullIfEmpty(t.AssignedTo), depsJSON, ctxJSON,
			respMsg, respArtifacts, respDiff,
			nullIfZero(t.CompletedAt), t.Attempt, nullIfEmpty(t.LastErrorCode),
			t.ID,
		)
		return err
	})
}

// UpdateStatus transitions a task's status, setting completedAt iff the new
// status is terminal and completedAt was not already set.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET
				status = ?,
				completed_at = CASE WHEN ? = 1 AND completed_at IS NULL THEN ? ELSE completed_at END
			WHERE id = ?
		`, string(status), boolToInt(status.Terminal()), time.Now().UnixMilli(), id)
		return err
	})
}

// SetAssignment sets assigned_to and status together, used by ackTask.
func (s *Store) SetAssignment(ctx context.Context, taskID, agentID string, status Status) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, assigned_to = ? WHERE id = ?`, string(status), nullIfEmpty(agentID), taskID)
		return err
	})
}

// ResetForRetry clears assignment and completion, returns the task to
// QUEUED, and bumps attempt. Used by forceRetry.
func (s *Store) ResetForRetry(ctx context.Context, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = 'QUEUED', assigned_to = NULL, completed_at = NULL, attempt = attempt + 1
			WHERE id = ?
		`, taskID)
		return err
	})
}

// GetByID returns a deep copy of a single task.
func (s *Store) GetByID(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// GetByStatus returns all tasks in a given status, oldest first.
func (s *Store) GetByStatus(ctx context.Context, status Status) ([]*Task, error) {
	return s.queryTasks(ctx, taskSelect+` WHERE status = ? ORDER BY created_at ASC`, string(status))
}

// GetByStatuses returns all tasks whose status is in the given set.
func (s *Store) GetByStatuses(ctx context.Context, statuses []Status) ([]*Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders, args := inClause(statuses)
	return s.queryTasks(ctx, taskSelect+` WHERE status IN (`+placeholders+`) ORDER BY created_at ASC`, args...)
}

// GetByAssignedTo returns every task currently assigned to an agent.
func (s *Store) GetByAssignedTo(ctx context.Context, agentID string) ([]*Task, error) {
	return s.queryTasks(ctx, taskSelect+` WHERE assigned_to = ? ORDER BY created_at ASC`, agentID)
}

// GetActive returns every task not in a terminal state.
func (s *Store) GetActive(ctx context.Context) ([]*Task, error) {
	return s.queryTasks(ctx, taskSelect+` WHERE status NOT IN ('COMPLETED','FAILED','CANCELLED') ORDER BY created_at ASC`)
}

// GetAll returns every task, newest first.
func (s *Store) GetAll(ctx context.Context) ([]*Task, error) {
	return s.queryTasks(ctx, taskSelect+` ORDER BY created_at DESC`)
}

// GetHistory returns a filtered, paginated view for operator tooling.
func (s *Store) GetHistory(ctx context.Context, f HistoryFilter) ([]*Task, error) {
	query := taskSelect + ` WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.AgentID != "" {
		query += ` AND assigned_to = ?`
		args = append(args, f.AgentID)
	}
	query += ` ORDER BY created_at DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)
	return s.queryTasks(ctx, query, args...)
}

// GetStats returns aggregate counts across all tasks.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("get stats: %w", err)
	}
	defer rows.Close()

	st := &Stats{ByStatus: make(map[Status]int)}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		st.ByStatus[Status(status)] = count
		st.Total += count
		if Status(status) == StatusCompleted {
			st.Completed = count
		}
	}
	return st, rows.Err()
}

// ClearAll deletes every task and message. Destructive; admin-only.
func (s *Store) ClearAll(ctx context.Context) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_messages`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_events`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// RecordEvent appends a row to the task_events ledger. Best-effort: callers
// log but do not fail a request if this errors.
func (s *Store) RecordEvent(ctx context.Context, taskID, runID, traceID string, from, to Status, reason string) error {
	return retryOnBusy(ctx, 2, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_events (task_id, run_id, trace_id, from_status, to_status, reason, created_at)
			VALUES (?,?,?,?,?,?,?)
		`, taskID, nullIfEmpty(runID), nullIfEmpty(traceID), nullIfEmpty(string(from)), string(to), nullIfEmpty(reason), time.Now().UnixMilli())
		return err
	})
}

const taskSelect = `
	SELECT id, prompt, title, from_type, from_id, from_display_name,
		to_agent_id, to_capabilities_json, to_workspace_id,
		priority, status, assigned_to, dependencies_json, context_json,
		response_message, response_artifacts_json, response_diff,
		created_at, completed_at, attempt, last_error_code
	FROM tasks`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var t Task
	var fromID, fromName, toAgent, toCaps, toWorkspace sql.NullString
	var assignedTo, depsJSON, ctxJSON sql.NullString
	var respMsg, respArtifacts, respDiff sql.NullString
	var completedAt sql.NullInt64
	var lastErrorCode sql.NullString

	if err := row.Scan(
		&t.ID, &t.Prompt, &t.Title, &t.From.Type, &fromID, &fromName,
		&toAgent, &toCaps, &toWorkspace,
		&t.Priority, &t.Status, &assignedTo, &depsJSON, &ctxJSON,
		&respMsg, &respArtifacts, &respDiff,
		&t.CreatedAt, &completedAt, &t.Attempt, &lastErrorCode,
	); err != nil {
		return nil, err
	}

	t.From.ID = fromID.String
	t.From.DisplayName = fromName.String
	t.To.AgentID = toAgent.String
	t.To.WorkspaceID = toWorkspace.String
	t.AssignedTo = assignedTo.String
	t.CompletedAt = completedAt.Int64
	t.LastErrorCode = lastErrorCode.String

	if toCaps.Valid {
		_ = json.Unmarshal([]byte(toCaps.String), &t.To.RequiredCapabilities)
	}
	if depsJSON.Valid {
		_ = json.Unmarshal([]byte(depsJSON.String), &t.Dependencies)
	}
	if ctxJSON.Valid {
		_ = json.Unmarshal([]byte(ctxJSON.String), &t.Context)
	}
	if respMsg.Valid || respArtifacts.Valid || respDiff.Valid {
		t.Response = &Response{Message: respMsg.String, Diff: respDiff.String}
		if respArtifacts.Valid {
			_ = json.Unmarshal([]byte(respArtifacts.String), &t.Response.Artifacts)
		}
	}
	return &t, nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func marshalOrNil(v any) (any, error) {
	switch val := v.(type) {
	case []string:
		if len(val) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(val) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return string(b), nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func inClause(statuses []Status) (string, []any) {
	placeholders := ""
	args := make([]any, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = string(st)
	}
	return placeholders, args
}
