package sync

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/quillsync/quill/internal/model"
)

// Queue is the durable operation queue: every local mutation lands here
// and survives restarts until a sync round applies it remotely.
type Queue struct {
	db *sql.DB
}

// NewQueue wraps the local database.
func NewQueue(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue persists op.
func (q *Queue) Enqueue(op model.SyncOperation) error {
	_, err := q.db.Exec(`
		INSERT INTO sync_queue (op_id, book_id, op_type, payload, priority, retry_count, max_retries, platform, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, op.ID, op.BookID, string(op.Type), string(op.Data), string(op.Priority),
		op.RetryCount, op.MaxRetries, string(op.Platform), toEpoch(op.Timestamp))
	if err != nil {
		return fmt.Errorf("enqueue op: %w", err)
	}
	return nil
}

// Pending returns a book's queued operations in enqueue order.
func (q *Queue) Pending(bookID string) ([]model.SyncOperation, error) {
	rows, err := q.db.Query(`
		SELECT op_id, book_id, op_type, payload, priority, retry_count, max_retries, platform, created_at
		FROM sync_queue WHERE book_id = ? ORDER BY created_at ASC, op_id ASC
	`, bookID)
	if err != nil {
		return nil, fmt.Errorf("query pending ops: %w", err)
	}
	defer rows.Close()

	var out []model.SyncOperation
	for rows.Next() {
		var op model.SyncOperation
		var opType, priority, platform, payload string
		var createdAt float64
		if err := rows.Scan(&op.ID, &op.BookID, &opType, &payload, &priority,
			&op.RetryCount, &op.MaxRetries, &platform, &createdAt); err != nil {
			return nil, err
		}
		op.Type = model.OpType(opType)
		op.Priority = model.Priority(priority)
		op.Platform = model.Platform(platform)
		op.Data = json.RawMessage(payload)
		op.Timestamp = fromEpoch(createdAt)
		out = append(out, op)
	}
	return out, rows.Err()
}

// Books returns the distinct book ids with pending operations.
func (q *Queue) Books() ([]string, error) {
	rows, err := q.db.Query(`SELECT DISTINCT book_id FROM sync_queue ORDER BY book_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Len reports the number of pending operations for a book.
func (q *Queue) Len(bookID string) (int, error) {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM sync_queue WHERE book_id = ?`, bookID).Scan(&n)
	return n, err
}

// Remove deletes the given operations after they were applied remotely.
func (q *Queue) Remove(opIDs []string) error {
	if len(opIDs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(opIDs)), ",")
	args := make([]interface{}, len(opIDs))
	for i, id := range opIDs {
		args[i] = id
	}
	_, err := q.db.Exec(`DELETE FROM sync_queue WHERE op_id IN (`+placeholders+`)`, args...)
	return err
}

// BumpRetries increments retry counts for a book's pending operations
// after a failed round, deleting and returning the ones that exhausted
// their budget so the caller can surface them.
func (q *Queue) BumpRetries(bookID string) ([]model.SyncOperation, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE sync_queue SET retry_count = retry_count + 1 WHERE book_id = ?`, bookID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(`
		SELECT op_id, book_id, op_type, payload, priority, retry_count, max_retries, platform, created_at
		FROM sync_queue WHERE book_id = ? AND retry_count > max_retries
	`, bookID)
	if err != nil {
		return nil, err
	}
	var exhausted []model.SyncOperation
	for rows.Next() {
		var op model.SyncOperation
		var opType, priority, platform, payload string
		var createdAt float64
		if err := rows.Scan(&op.ID, &op.BookID, &opType, &payload, &priority,
			&op.RetryCount, &op.MaxRetries, &platform, &createdAt); err != nil {
			rows.Close()
			return nil, err
		}
		op.Type = model.OpType(opType)
		op.Priority = model.Priority(priority)
		op.Platform = model.Platform(platform)
		op.Data = json.RawMessage(payload)
		op.Timestamp = fromEpoch(createdAt)
		exhausted = append(exhausted, op)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`DELETE FROM sync_queue WHERE book_id = ? AND retry_count > max_retries`, bookID); err != nil {
		return nil, err
	}
	return exhausted, tx.Commit()
}

func toEpoch(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromEpoch(sec float64) time.Time {
	return time.Unix(0, int64(sec*1e9)).UTC()
}
