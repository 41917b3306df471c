package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AddMessage appends an entry to a task's message log.
func (s *Store) AddMessage(ctx context.Context, taskID string, role MessageRole, content string, metadata map[string]any, isRead bool, replyTo string) (*TaskMessage, error) {
	metaJSON, err := marshalOrNil(metadata)
	if err != nil {
		return nil, err
	}
	msgType := ""
	if metadata != nil {
		if mt, ok := metadata["messageType"].(string); ok {
			msgType = mt
		}
	}
	now := time.Now().UnixMilli()

	var id int64
	err = retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO task_messages (task_id, role, content, metadata_json, message_type, reply_to, is_read, created_at)
			VALUES (?,?,?,?,?,?,?,?)
		`, taskID, string(role), content, metaJSON, nullIfEmpty(msgType), nullIfEmpty(replyTo), boolToInt(isRead), now)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("add message: %w", err)
	}

	return &TaskMessage{
		ID: id, TaskID: taskID, Role: role, Content: content, Metadata: metadata,
		MessageType: msgType, ReplyTo: replyTo, IsRead: isRead, Timestamp: now,
	}, nil
}

// GetMessages returns every message for a task in insertion order.
func (s *Store) GetMessages(ctx context.Context, taskID string) ([]*TaskMessage, error) {
	return s.queryMessages(ctx, `WHERE task_id = ? ORDER BY id ASC`, taskID)
}

// GetUnreadComments returns review comments that have not been acknowledged.
func (s *Store) GetUnreadComments(ctx context.Context, taskID string) ([]*TaskMessage, error) {
	return s.queryMessages(ctx, `WHERE task_id = ? AND message_type = 'review_comment' AND is_read = 0 ORDER BY id ASC`, taskID)
}

// MarkCommentsAsRead flips is_read on every review comment for a task.
func (s *Store) MarkCommentsAsRead(ctx context.Context, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE task_messages SET is_read = 1 WHERE task_id = ? AND message_type = 'review_comment'`, taskID)
		return err
	})
}

// MarkMessageRead flips is_read on a single message by id, used by
// resolve_review_comment to acknowledge one review comment without
// touching the rest of the thread.
func (s *Store) MarkMessageRead(ctx context.Context, taskID string, messageID int64) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE task_messages SET is_read = 1 WHERE id = ? AND task_id = ?`, messageID, taskID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// GetTaskLastProgress returns the timestamp of the most recent progress
// update message (metadata.percentage present), or zero if none exists.
func (s *Store) GetTaskLastProgress(ctx context.Context, taskID string) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT created_at, metadata_json FROM task_messages
		WHERE task_id = ? AND metadata_json IS NOT NULL
		ORDER BY id DESC
	`, taskID)
	if err != nil {
		return 0, fmt.Errorf("get task last progress: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var createdAt int64
		var metaJSON string
		if err := rows.Scan(&createdAt, &metaJSON); err != nil {
			return 0, err
		}
		var meta map[string]any
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			continue
		}
		if _, ok := meta["percentage"]; ok {
			return createdAt, nil
		}
	}
	return 0, rows.Err()
}

func (s *Store) queryMessages(ctx context.Context, whereClause string, args ...any) ([]*TaskMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, role, content, metadata_json, message_type, reply_to, is_read, created_at
		FROM task_messages `+whereClause, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []*TaskMessage
	for rows.Next() {
		var m TaskMessage
		var metaJSON, msgType, replyTo sql.NullString
		var isRead int
		if err := rows.Scan(&m.ID, &m.TaskID, &m.Role, &m.Content, &metaJSON, &msgType, &replyTo, &isRead, &m.Timestamp); err != nil {
			return nil, err
		}
		m.MessageType = msgType.String
		m.ReplyTo = replyTo.String
		m.IsRead = isRead != 0
		if metaJSON.Valid {
			_ = json.Unmarshal([]byte(metaJSON.String), &m.Metadata)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
