package storage

// endpoints.go contains SQLiteStore methods for transport endpoints.
// Each endpoint is one way to reach an agent; the fallback controller
// tries them in priority order. At most one endpoint per agent carries
// the active flag, and the agent's status is derived from it.

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/agentlink/client/internal/pairing"
)

// Endpoint is one reachable transport for an agent.
type Endpoint struct {
	ID      string
	AgentID string

	// Kind is the transport kind this endpoint speaks.
	Kind pairing.TransportKind

	// URL is the base URL credentials were issued for.
	URL string

	// Priority orders fallback attempts; lower tries first.
	Priority int

	// Active marks the endpoint currently carrying a live connection.
	// At most one endpoint per agent is active at a time.
	Active bool

	// LastConnectedAt is the last time this endpoint carried a
	// successful connection. Zero if it never has.
	LastConnectedAt time.Time

	CreatedAt time.Time
}

// UpsertEndpoint inserts an endpoint or, when the agent already has one of
// the same kind, updates it in place. Re-pairing over a transport refreshes
// the URL rather than accumulating stale rows.
func (s *SQLiteStore) UpsertEndpoint(ep *Endpoint) error {
	if ep == nil {
		return errors.New("endpoint cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log.Printf("storage: upserting %s endpoint for agent %s", ep.Kind, ep.AgentID)

	const query = `
		INSERT INTO endpoints
			(id, agent_id, kind, url, priority, active, last_connected_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, kind) DO UPDATE SET
			url = excluded.url,
			priority = excluded.priority
	`

	_, err := s.db.Exec(query,
		ep.ID,
		ep.AgentID,
		string(ep.Kind),
		ep.URL,
		ep.Priority,
		boolToInt(ep.Active),
		nullTime(ep.LastConnectedAt),
		ep.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert endpoint: %w", err)
	}

	s.notify()
	return nil
}

// ListEndpoints returns an agent's endpoints ordered by priority, then kind
// for a stable order between equal priorities.
func (s *SQLiteStore) ListEndpoints(agentID string) ([]*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = endpointSelect + `
		WHERE agent_id = ?
		ORDER BY priority ASC, kind ASC
	`

	rows, err := s.db.Query(query, agentID)
	if err != nil {
		return nil, fmt.Errorf("query endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []*Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate endpoint rows: %w", err)
	}

	return endpoints, nil
}

// GetEndpoint retrieves an endpoint by id.
// Returns nil, nil if it does not exist.
func (s *SQLiteStore) GetEndpoint(id string) (*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = endpointSelect + ` WHERE id = ?`

	ep, err := scanEndpoint(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get endpoint: %w", err)
	}

	return ep, nil
}

// DeleteEndpoint removes a single endpoint. If it was the active one, the
// agent is left with no active endpoint and its status drops to
// disconnected in the same transaction.
func (s *SQLiteStore) DeleteEndpoint(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log.Printf("storage: deleting endpoint %s", id)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete endpoint: %w", err)
	}
	defer tx.Rollback()

	var agentID string
	var active int
	err = tx.QueryRow("SELECT agent_id, active FROM endpoints WHERE id = ?", id).
		Scan(&agentID, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrEndpointNotFound
	}
	if err != nil {
		return fmt.Errorf("look up endpoint: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM endpoints WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete endpoint: %w", err)
	}

	if active != 0 {
		if _, err := tx.Exec(
			"UPDATE agents SET status = ? WHERE id = ?",
			StatusDisconnected, agentID,
		); err != nil {
			return fmt.Errorf("update agent status: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete endpoint: %w", err)
	}

	s.notify()
	return nil
}

// SetActiveEndpoint marks one endpoint as carrying the live connection and
// sets the owning agent's status to connected, in a single transaction.
// All other endpoints of the agent lose the active flag, so the flag and the
// derived status can never disagree. Also stamps last_connected_at.
func (s *SQLiteStore) SetActiveEndpoint(agentID, endpointID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log.Printf("storage: marking endpoint %s active for agent %s", endpointID, agentID)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin set active: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"UPDATE endpoints SET active = 0 WHERE agent_id = ?",
		agentID,
	); err != nil {
		return fmt.Errorf("clear active flags: %w", err)
	}

	result, err := tx.Exec(
		"UPDATE endpoints SET active = 1, last_connected_at = ? WHERE id = ? AND agent_id = ?",
		time.Now().Format(time.RFC3339Nano), endpointID, agentID,
	)
	if err != nil {
		return fmt.Errorf("set active flag: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	} else if n == 0 {
		return ErrEndpointNotFound
	}

	result, err = tx.Exec(
		"UPDATE agents SET status = ? WHERE id = ?",
		StatusConnected, agentID,
	)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	} else if n == 0 {
		return ErrAgentNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set active: %w", err)
	}

	s.notify()
	return nil
}

// ClearActiveEndpoint drops the agent's active flag and records the new
// status, which is disconnected or reconnecting depending on whether a
// retry is underway. Same single-transaction rule as SetActiveEndpoint.
func (s *SQLiteStore) ClearActiveEndpoint(agentID, status string) error {
	if status != StatusDisconnected && status != StatusReconnecting {
		return fmt.Errorf("invalid status %q for inactive agent", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin clear active: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"UPDATE endpoints SET active = 0 WHERE agent_id = ?",
		agentID,
	); err != nil {
		return fmt.Errorf("clear active flags: %w", err)
	}

	result, err := tx.Exec(
		"UPDATE agents SET status = ? WHERE id = ?",
		status, agentID,
	)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	} else if n == 0 {
		return ErrAgentNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear active: %w", err)
	}

	s.notify()
	return nil
}

// ActiveEndpoint returns the agent's active endpoint, or nil, nil when the
// agent has no live connection.
func (s *SQLiteStore) ActiveEndpoint(agentID string) (*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = endpointSelect + ` WHERE agent_id = ? AND active = 1`

	ep, err := scanEndpoint(s.db.QueryRow(query, agentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active endpoint: %w", err)
	}

	return ep, nil
}

// endpointSelect is the shared column list for endpoint queries.
const endpointSelect = `
	SELECT id, agent_id, kind, url, priority, active, last_connected_at, created_at
	FROM endpoints
`

// scanEndpoint scans a single row into an Endpoint.
func scanEndpoint(row rowScanner) (*Endpoint, error) {
	var (
		ep            Endpoint
		kind          string
		active        int
		lastConnected sql.NullString
		createdAt     string
	)

	err := row.Scan(
		&ep.ID,
		&ep.AgentID,
		&kind,
		&ep.URL,
		&ep.Priority,
		&active,
		&lastConnected,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	ep.Kind = pairing.TransportKind(kind)
	ep.Active = active != 0

	if lastConnected.Valid && lastConnected.String != "" {
		t, err := time.Parse(time.RFC3339Nano, lastConnected.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_connected_at: %w", err)
		}
		ep.LastConnectedAt = t
	}

	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	ep.CreatedAt = t

	return &ep, nil
}
