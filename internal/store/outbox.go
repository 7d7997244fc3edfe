package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const pendingColumns = `id, chat_id, content, message_type, attachment_ref, created_at, attempts, max_attempts, status`

// Enqueue adds a message to the outbox with attempts=0 and status=pending.
func (db *DB) Enqueue(ctx context.Context, m NewMessage) (PendingMessage, error) {
	m = m.Normalize()
	now := db.nowMillis()
	pm := PendingMessage{
		ID:            uuid.NewString(),
		ChatID:        m.ChatID,
		Content:       m.Content,
		Type:          m.Type,
		AttachmentRef: m.AttachmentRef,
		CreatedAt:     now,
		MaxAttempts:   m.MaxAttempts,
		Status:        StatusPending,
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO pending_messages (id, chat_id, content, message_type, attachment_ref, created_at, updated_at, attempts, max_attempts, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, 'pending')`,
		pm.ID, pm.ChatID, pm.Content, string(pm.Type), pm.AttachmentRef, now, now, pm.MaxAttempts)
	if err != nil {
		return PendingMessage{}, fmt.Errorf("insert pending message: %w", err)
	}
	return pm, nil
}

// NextBatch returns up to limit deliverable entries, oldest first.
// Entries that exhausted max_attempts are excluded. Status is not changed.
func (db *DB) NextBatch(ctx context.Context, limit int) ([]PendingMessage, error) {
	if limit <= 0 {
		limit = 10
	}
	return db.queryPending(ctx, `
		SELECT `+pendingColumns+`
		FROM pending_messages
		WHERE status IN ('pending', 'failed') AND attempts < max_attempts
		ORDER BY created_at ASC, seq ASC
		LIMIT ?`, limit)
}

// List returns every entry in delivery order, including exhausted ones.
func (db *DB) List(ctx context.Context, limit int) ([]PendingMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	return db.queryPending(ctx, `
		SELECT `+pendingColumns+`
		FROM pending_messages
		ORDER BY created_at ASC, seq ASC
		LIMIT ?`, limit)
}

// Get returns a single entry by id, or ErrNotFound.
func (db *DB) Get(ctx context.Context, id string) (*PendingMessage, error) {
	row := db.QueryRowContext(ctx, `SELECT `+pendingColumns+` FROM pending_messages WHERE id = ?`, id)
	pm, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pm, nil
}

// MarkSending sets the transient 'sending' marker. Missing ids are ignored.
func (db *DB) MarkSending(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `UPDATE pending_messages SET status = 'sending', updated_at = ? WHERE id = ?`, db.nowMillis(), id)
	return err
}

// MarkAttempted records the outcome of a delivery attempt. A success deletes the
// entry; a failure increments attempts (capped at max_attempts) and sets
// status=failed. It reports whether the entry existed; missing ids are not an
// error.
func (db *DB) MarkAttempted(ctx context.Context, id string, succeeded bool) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if succeeded {
		res, err = db.ExecContext(ctx, `DELETE FROM pending_messages WHERE id = ?`, id)
	} else {
		res, err = db.ExecContext(ctx, `
			UPDATE pending_messages
			SET attempts = MIN(attempts + 1, max_attempts), status = 'failed', updated_at = ?
			WHERE id = ?`, db.nowMillis(), id)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ClearSending drops the 'sending' marker of an entry whose send never left
// the process. Attempts are unchanged; the status goes back to what it was
// before MarkSending.
func (db *DB) ClearSending(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE pending_messages
		SET status = CASE WHEN attempts = 0 THEN 'pending' ELSE 'failed' END, updated_at = ?
		WHERE id = ? AND status = 'sending'`, db.nowMillis(), id)
	return err
}

// ReconcileSending turns entries left in 'sending' by a previous process into
// failed attempts. Returns the number of rows reconciled.
func (db *DB) ReconcileSending(ctx context.Context) (int, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE pending_messages
		SET attempts = MIN(attempts + 1, max_attempts), status = 'failed', updated_at = ?
		WHERE status = 'sending'`, db.nowMillis())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CountPending counts entries with status pending or failed, exhausted ones included.
func (db *DB) CountPending(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_messages WHERE status IN ('pending', 'failed')`).Scan(&n)
	return n, err
}

// CountRetryable counts entries that a drain would still attempt.
func (db *DB) CountRetryable(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_messages
		WHERE status IN ('pending', 'failed') AND attempts < max_attempts`).Scan(&n)
	return n, err
}

func (db *DB) queryPending(ctx context.Context, query string, args ...any) ([]PendingMessage, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []PendingMessage
	for rows.Next() {
		pm, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, pm)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPending(s scanner) (PendingMessage, error) {
	var (
		pm          PendingMessage
		messageType string
		status      string
	)
	err := s.Scan(&pm.ID, &pm.ChatID, &pm.Content, &messageType, &pm.AttachmentRef, &pm.CreatedAt, &pm.Attempts, &pm.MaxAttempts, &status)
	pm.Type = MessageType(messageType)
	pm.Status = Status(status)
	return pm, err
}
