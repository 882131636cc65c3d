// Package payloadqueue is the client-side Outgoing Payload Buffer
// (spec.md §4.2): a durable, ordered queue of not-yet-fully-chunked
// deniable payloads that must survive a client restart. It is grounded on
// the original client's DeniablePayload SQLite table
// (original_source/client/src/storage/device.rs) and uses the pack's
// mattn/go-sqlite3 driver the way the teacher's persistence layer uses
// database/sql (daemon/manager/persistence.go).
package payloadqueue

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Deniable-IM/denim/internal/denimchunk"
)

var _ denimchunk.OutgoingPayloadBuffer = (*Queue)(nil)

// Queue is a SQLite-backed FIFO of pending outgoing deniable payloads, one
// row per not-yet-fully-consumed message, oldest first.
type Queue struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if necessary) a payload queue database at path. An
// empty path opens an in-memory database, useful for tests and for clients
// that don't need cross-restart durability.
func Open(path string) (*Queue, error) {
	dsn := path
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("payloadqueue: open database: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver serializes writes; avoid lock contention

	q := &Queue{db: db}
	if err := q.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

func (q *Queue) initSchema() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS outgoing_payload (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			content BLOB NOT NULL
		);
	`
	_, err := q.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("payloadqueue: init schema: %w", err)
	}
	return nil
}

// GetOutgoingMessage returns the oldest queued payload's id (as a decimal
// field_guid string, matching OutgoingPayloadBuffer's string-keyed
// contract) and content, or denimchunk.ErrNoOutgoingMessage if the queue is
// empty.
func (q *Queue) GetOutgoingMessage(ctx context.Context) (string, []byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var id int64
	var content []byte
	row := q.db.QueryRowContext(ctx, `SELECT id, content FROM outgoing_payload ORDER BY id ASC LIMIT 1`)
	if err := row.Scan(&id, &content); err != nil {
		if err == sql.ErrNoRows {
			return "", nil, denimchunk.ErrNoOutgoingMessage
		}
		return "", nil, fmt.Errorf("payloadqueue: query outgoing message: %w", err)
	}
	return fmt.Sprintf("%d", id), content, nil
}

// SetOutgoingMessage upserts the remaining bytes for fieldGUID. An empty
// fieldGUID inserts a new row (a message not yet queued), mirroring the
// original store's payload_id: Option<u32> insert-vs-update split.
func (q *Queue) SetOutgoingMessage(ctx context.Context, fieldGUID string, remaining []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if fieldGUID == "" {
		_, err := q.db.ExecContext(ctx, `INSERT INTO outgoing_payload (content) VALUES (?)`, remaining)
		if err != nil {
			return fmt.Errorf("payloadqueue: insert outgoing message: %w", err)
		}
		return nil
	}
	_, err := q.db.ExecContext(ctx, `UPDATE outgoing_payload SET content = ? WHERE id = ?`, remaining, fieldGUID)
	if err != nil {
		return fmt.Errorf("payloadqueue: update outgoing message: %w", err)
	}
	return nil
}

// RemoveOutgoingMessage deletes a fully-consumed payload.
func (q *Queue) RemoveOutgoingMessage(ctx context.Context, fieldGUID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.ExecContext(ctx, `DELETE FROM outgoing_payload WHERE id = ?`, fieldGUID)
	if err != nil {
		return fmt.Errorf("payloadqueue: delete outgoing message: %w", err)
	}
	return nil
}

// Enqueue adds a brand-new payload to the tail of the queue and returns its
// field_guid.
func (q *Queue) Enqueue(ctx context.Context, payload []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.ExecContext(ctx, `INSERT INTO outgoing_payload (content) VALUES (?)`, payload)
	if err != nil {
		return "", fmt.Errorf("payloadqueue: enqueue: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("payloadqueue: read inserted id: %w", err)
	}
	return fmt.Sprintf("%d", id), nil
}

// Len reports how many payloads are currently queued, for metrics/tests.
func (q *Queue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outgoing_payload`).Scan(&n); err != nil {
		return 0, fmt.Errorf("payloadqueue: count: %w", err)
	}
	return n, nil
}
