// Package client implements the Client DenIM State (spec.md §4.7): the
// send_deniable state machine and the overt/deniable session bridge a DenIM
// client runs against one server connection. It is grounded on
// original_source/client/src/client.rs (the state machine's semantics) and
// the teacher's daemon/manager/session.go (the enum-plus-guarded-transition
// idiom used here).
package client

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// ContactState mirrors the three states a deniable contact moves through:
// no session exists yet, a key request has been sent and is awaiting a
// response, or a deniable session is established and ready to carry traffic
// (spec.md §4.7, P9).
type ContactState int

const (
	StateNone ContactState = iota
	StateKeyRequested
	StateEstablished
)

func (s ContactState) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateKeyRequested:
		return "KEY_REQUESTED"
	case StateEstablished:
		return "ESTABLISHED"
	default:
		return "UNKNOWN"
	}
}

// ErrInvalidStateTransition is returned by TransitionTo when the requested
// move isn't one of the state machine's allowed edges.
var ErrInvalidStateTransition = errors.New("client: invalid contact state transition")

// validTransitions enumerates the state machine's allowed edges, matching
// the teacher's TransitionTo guard (daemon/manager/session.go). None only
// ever moves forward to KeyRequested; KeyRequested resolves to Established
// on a PreKeyResponse, or can be retried (KeyRequested -> KeyRequested) if a
// second send_deniable call arrives before the response does.
var validTransitions = map[ContactState][]ContactState{
	StateNone:         {StateKeyRequested},
	StateKeyRequested: {StateKeyRequested, StateEstablished},
	StateEstablished:  {},
}

// Contact is one deniable-channel peer and where it sits in the state
// machine.
type Contact struct {
	Alias   string
	Address string
	State   ContactState
}

// State is the client's durable store for everything the send_deniable
// state machine needs across restarts: known contacts and their state, and
// the plaintext messages stashed while a contact is still KeyRequested
// (spec.md §4.7's pending-key-request and awaiting-encryption tables). It
// is SQLite-backed in the style of internal/payloadqueue, grounded on
// original_source/client/src/storage/device.rs's contact and pending-message
// tables.
type State struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens the client state database at path. An empty path
// opens a shared-cache in-memory database, useful for tests: every Open("")
// made while another such handle is still open sees the same data.
func Open(path string) (*State, error) {
	dsn := path
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("client: open state db: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &State{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *State) Close() error {
	return s.db.Close()
}

func (s *State) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS contacts (
			alias             TEXT PRIMARY KEY,
			address           TEXT NOT NULL DEFAULT '',
			state             INTEGER NOT NULL,
			ephemeral_private BLOB
		);
		CREATE TABLE IF NOT EXISTS awaiting_messages (
			id    INTEGER PRIMARY KEY AUTOINCREMENT,
			alias TEXT NOT NULL,
			text  TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("client: init state schema: %w", err)
	}
	return nil
}

// GetContact looks up alias, reporting whether it exists.
func (s *State) GetContact(ctx context.Context, alias string) (Contact, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c Contact
	c.Alias = alias
	err := s.db.QueryRowContext(ctx, `SELECT address, state FROM contacts WHERE alias = ?`, alias).Scan(&c.Address, &c.State)
	if errors.Is(err, sql.ErrNoRows) {
		return Contact{}, false, nil
	}
	if err != nil {
		return Contact{}, false, fmt.Errorf("client: get contact %q: %w", alias, err)
	}
	return c, true, nil
}

// GetContactByAddress looks up the contact whose resolved service id is
// address, used when a PreKeyResponse names the service id a key request
// was sent for but not the alias it was filed under.
func (s *State) GetContactByAddress(ctx context.Context, address string) (Contact, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c Contact
	c.Address = address
	err := s.db.QueryRowContext(ctx, `SELECT alias, state FROM contacts WHERE address = ?`, address).Scan(&c.Alias, &c.State)
	if errors.Is(err, sql.ErrNoRows) {
		return Contact{}, false, nil
	}
	if err != nil {
		return Contact{}, false, fmt.Errorf("client: get contact by address %q: %w", address, err)
	}
	return c, true, nil
}

// UpsertContact validates state is a legal transition from alias's current
// state (StateNone if alias is unknown) and persists it.
func (s *State) UpsertContact(ctx context.Context, alias, address string, state ContactState) error {
	current, ok, err := s.GetContact(ctx, alias)
	if err != nil {
		return err
	}
	from := StateNone
	if ok {
		from = current.State
	}
	if from != state {
		allowed := false
		for _, next := range validTransitions[from] {
			if next == state {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, from, state)
		}
	}
	if address == "" && ok {
		address = current.Address
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO contacts (alias, address, state) VALUES (?, ?, ?)
		ON CONFLICT(alias) DO UPDATE SET address = excluded.address, state = excluded.state
	`, alias, address, int(state))
	if err != nil {
		return fmt.Errorf("client: upsert contact %q: %w", alias, err)
	}
	return nil
}

// SetEphemeralPrivate records the X25519 private half generated when a key
// request was sent for alias, so the matching PreKeyResponse can later
// complete the exchange without needing the private key held in memory
// across the round trip.
func (s *State) SetEphemeralPrivate(ctx context.Context, alias string, priv [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE contacts SET ephemeral_private = ? WHERE alias = ?`, priv[:], alias)
	if err != nil {
		return fmt.Errorf("client: set ephemeral private for %q: %w", alias, err)
	}
	return nil
}

// GetEphemeralPrivate returns the X25519 private half stashed for alias by
// SetEphemeralPrivate.
func (s *State) GetEphemeralPrivate(ctx context.Context, alias string) ([32]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var priv []byte
	err := s.db.QueryRowContext(ctx, `SELECT ephemeral_private FROM contacts WHERE alias = ?`, alias).Scan(&priv)
	if errors.Is(err, sql.ErrNoRows) || len(priv) == 0 {
		return [32]byte{}, false, nil
	}
	if err != nil {
		return [32]byte{}, false, fmt.Errorf("client: get ephemeral private for %q: %w", alias, err)
	}
	var out [32]byte
	copy(out[:], priv)
	return out, true, nil
}

// StashMessage records text as awaiting encryption for alias until its
// deniable session reaches StateEstablished.
func (s *State) StashMessage(ctx context.Context, alias, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT INTO awaiting_messages (alias, text) VALUES (?, ?)`, alias, text)
	if err != nil {
		return fmt.Errorf("client: stash message for %q: %w", alias, err)
	}
	return nil
}

// DrainStash returns and removes every message stashed for alias, oldest
// first, for replay once its session becomes Established.
func (s *State) DrainStash(ctx context.Context, alias string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, text FROM awaiting_messages WHERE alias = ? ORDER BY id ASC`, alias)
	if err != nil {
		return nil, fmt.Errorf("client: drain stash for %q: %w", alias, err)
	}
	defer rows.Close()

	var ids []int64
	var texts []string
	for rows.Next() {
		var id int64
		var text string
		if err := rows.Scan(&id, &text); err != nil {
			return nil, fmt.Errorf("client: scan stashed message: %w", err)
		}
		ids = append(ids, id)
		texts = append(texts, text)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("client: drain stash for %q: %w", alias, err)
	}

	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM awaiting_messages WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("client: clear stashed message %d: %w", id, err)
		}
	}
	return texts, nil
}
