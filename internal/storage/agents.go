package storage

// agents.go contains SQLiteStore methods for agent CRUD operations.
// An agent is one remote process this client has paired with; its
// reachable transports live in the endpoints table.

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/agentlink/client/internal/pairing"
)

// Connection status values for an agent. Status is derived from the
// endpoint active flags: exactly one active endpoint means connected,
// none means disconnected or reconnecting.
const (
	StatusDisconnected = "disconnected"
	StatusConnected    = "connected"
	StatusReconnecting = "reconnecting"
)

// Agent represents one paired remote agent.
type Agent struct {
	// ID is the local identifier (UUID), assigned at first pairing.
	ID string

	// StableID is the host-issued identifier that survives re-pairing.
	// Used to recognize the same physical agent paired over two
	// transports. Empty for hosts that do not advertise one.
	StableID string

	// Name is the display name, seeded from the host's self-report.
	Name string

	// Status is the derived connection status.
	Status string

	// PreferredKind, when non-empty, moves that transport kind to the
	// front of the fallback order.
	PreferredKind pairing.TransportKind

	// SessionID is the most recent protocol session, kept for resumption.
	// Empty after an explicit clear or before the first connect.
	SessionID string

	// SessionStartedAt is when the current session began. Zero when no
	// session is recorded.
	SessionStartedAt time.Time

	// SupportsResume caches the host's advertised resume capability.
	SupportsResume bool

	// CreatedAt is when this agent was first paired.
	CreatedAt time.Time
}

// SaveAgent persists an agent record.
// Uses INSERT OR REPLACE to handle both new agents and updates.
func (s *SQLiteStore) SaveAgent(agent *Agent) error {
	if agent == nil {
		return errors.New("agent cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log.Printf("storage: saving agent %s (%s)", agent.ID, agent.Name)

	const query = `
		INSERT OR REPLACE INTO agents
			(id, stable_id, name, status, preferred_kind, session_id,
			 session_started_at, supports_resume, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		agent.ID,
		nullString(agent.StableID),
		agent.Name,
		agent.Status,
		string(agent.PreferredKind),
		agent.SessionID,
		nullTime(agent.SessionStartedAt),
		boolToInt(agent.SupportsResume),
		agent.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}

	s.notify()
	return nil
}

// GetAgent retrieves an agent by local id.
// Returns nil, nil if the agent does not exist.
func (s *SQLiteStore) GetAgent(id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = agentSelect + ` WHERE id = ?`

	agent, err := scanAgent(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}

	return agent, nil
}

// GetAgentByStableID finds an agent by its host-issued stable id.
// Returns nil, nil if no agent carries that id. Used to de-duplicate the
// same physical agent paired over a second transport.
func (s *SQLiteStore) GetAgentByStableID(stableID string) (*Agent, error) {
	if stableID == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = agentSelect + ` WHERE stable_id = ?`

	agent, err := scanAgent(s.db.QueryRow(query, stableID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent by stable id: %w", err)
	}

	return agent, nil
}

// ListAgents returns all paired agents, oldest first.
func (s *SQLiteStore) ListAgents() ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = agentSelect + ` ORDER BY created_at ASC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent rows: %w", err)
	}

	return agents, nil
}

// DeleteAgent removes an agent and, via cascade, all of its endpoints.
// Returns nil if the agent does not exist (idempotent delete).
func (s *SQLiteStore) DeleteAgent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log.Printf("storage: deleting agent %s", id)

	_, err := s.db.Exec("DELETE FROM agents WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}

	s.notify()
	return nil
}

// UpdateSession records the live session for an agent along with the
// host's resume capability. Returns ErrAgentNotFound for unknown agents.
func (s *SQLiteStore) UpdateSession(agentID, sessionID string, startedAt time.Time, supportsResume bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		UPDATE agents
		SET session_id = ?, session_started_at = ?, supports_resume = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(query,
		sessionID,
		nullTime(startedAt),
		boolToInt(supportsResume),
		agentID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	} else if n == 0 {
		return ErrAgentNotFound
	}

	s.notify()
	return nil
}

// ClearSession drops the recorded session for an agent. The next connect
// starts fresh instead of attempting a resume.
func (s *SQLiteStore) ClearSession(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log.Printf("storage: clearing session for agent %s", agentID)

	const query = `
		UPDATE agents
		SET session_id = '', session_started_at = NULL
		WHERE id = ?
	`

	result, err := s.db.Exec(query, agentID)
	if err != nil {
		return fmt.Errorf("clear session: %w", err)
	}

	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	} else if n == 0 {
		return ErrAgentNotFound
	}

	s.notify()
	return nil
}

// SetAgentStatus records a status for an agent that has no endpoints (the
// legacy single-credential shape). Agents with endpoints must go through
// SetActiveEndpoint/ClearActiveEndpoint so the active flag and status stay
// in step.
func (s *SQLiteStore) SetAgentStatus(agentID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		"UPDATE agents SET status = ? WHERE id = ?",
		status, agentID,
	)
	if err != nil {
		return fmt.Errorf("set agent status: %w", err)
	}

	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	} else if n == 0 {
		return ErrAgentNotFound
	}

	s.notify()
	return nil
}

// SetPreferredKind records the user's transport override for an agent.
// An empty kind clears the override.
func (s *SQLiteStore) SetPreferredKind(agentID string, kind pairing.TransportKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		"UPDATE agents SET preferred_kind = ? WHERE id = ?",
		string(kind), agentID,
	)
	if err != nil {
		return fmt.Errorf("set preferred kind: %w", err)
	}

	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	} else if n == 0 {
		return ErrAgentNotFound
	}

	s.notify()
	return nil
}

// agentSelect is the shared column list for agent queries.
const agentSelect = `
	SELECT id, stable_id, name, status, preferred_kind, session_id,
	       session_started_at, supports_resume, created_at
	FROM agents
`

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanAgent scans a single row into an Agent.
func scanAgent(row rowScanner) (*Agent, error) {
	var (
		agent          Agent
		stableID       sql.NullString
		preferredKind  string
		sessionStarted sql.NullString
		supportsResume int
		createdAt      string
	)

	err := row.Scan(
		&agent.ID,
		&stableID,
		&agent.Name,
		&agent.Status,
		&preferredKind,
		&agent.SessionID,
		&sessionStarted,
		&supportsResume,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	agent.StableID = stableID.String
	agent.PreferredKind = pairing.TransportKind(preferredKind)
	agent.SupportsResume = supportsResume != 0

	if sessionStarted.Valid && sessionStarted.String != "" {
		t, err := time.Parse(time.RFC3339Nano, sessionStarted.String)
		if err != nil {
			return nil, fmt.Errorf("parse session_started_at: %w", err)
		}
		agent.SessionStartedAt = t
	}

	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	agent.CreatedAt = t

	return &agent, nil
}

// nullString maps "" to SQL NULL.
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
