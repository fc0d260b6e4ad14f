// Package storage persists agent and transport-endpoint records in SQLite.
//
// The store is the client's single source of truth for which agents exist,
// how each one can be reached, and which endpoint (if any) currently
// carries a live connection. Secrets never land here - credentials live in
// the keychain, keyed by agent or endpoint id.
package storage

import (
	"errors"
	"fmt"
	"log"
	"sync"

	// SQLite driver - imported for side effects (registers the driver).
	// Using modernc.org/sqlite which is a pure-Go implementation that
	// doesn't require CGO, making cross-compilation and testing easier.
	"database/sql"

	_ "modernc.org/sqlite"
)

// ErrAgentNotFound is returned when an operation targets a missing agent.
var ErrAgentNotFound = errors.New("agent not found")

// ErrEndpointNotFound is returned when an endpoint lookup fails.
var ErrEndpointNotFound = errors.New("endpoint not found")

// SQLiteStore implements agent and endpoint persistence using SQLite.
// It creates the database and tables on first use and supports concurrent
// access through internal locking.
type SQLiteStore struct {
	db *sql.DB      // Database connection handle.
	mu sync.RWMutex // Guards all database operations for thread safety.

	watchMu  sync.Mutex
	watchers []chan struct{}
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
// It initializes the schema if the tables don't exist.
// Use ":memory:" for an in-memory database (useful for testing).
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	log.Printf("storage: opening database at %s", path)

	// Foreign keys keep endpoints from outliving their agent; busy_timeout
	// covers concurrent access from the CLI and a running daemon.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	log.Printf("storage: database ready (schema version %d)", currentSchemaVersion)
	return store, nil
}

// Close releases the database connection and drops all watchers.
func (s *SQLiteStore) Close() error {
	log.Printf("storage: closing database")

	s.watchMu.Lock()
	for _, ch := range s.watchers {
		close(ch)
	}
	s.watchers = nil
	s.watchMu.Unlock()

	return s.db.Close()
}

// Watch returns a channel that receives a tick after every state-changing
// operation. The channel is buffered with size 1 and ticks are coalesced:
// a slow reader sees at least one tick for any burst of changes. The
// channel is closed when the store closes.
func (s *SQLiteStore) Watch() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.watchMu.Lock()
	s.watchers = append(s.watchers, ch)
	s.watchMu.Unlock()
	return ch
}

// notify wakes all watchers. Called after every successful mutation.
func (s *SQLiteStore) notify() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
