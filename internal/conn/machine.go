// Package conn implements the per-agent connection state machine.
//
// Exactly one Machine exists per agent at a time; it owns at most one live
// transport connection and protocol session. Connect drives the full
// handshake with bounded retries, resuming a prior session when the host
// supports it and falling back to a fresh one when resume fails. Disconnect
// is unconditional and idempotent. SendMessage streams the exchange back
// through caller-provided callbacks and completes exactly once.
package conn

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	apperrors "github.com/agentlink/client/internal/errors"
	"github.com/agentlink/client/internal/metrics"
	"github.com/agentlink/client/internal/pairing"
	"github.com/agentlink/client/internal/protocol"
	"github.com/agentlink/client/internal/trust"
)

// Phase is the lifecycle phase of a connection attempt. Not persisted;
// recomputed from scratch whenever the app comes back to the foreground.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseError        Phase = "error"
)

// State is a snapshot of the machine's observable condition.
type State struct {
	// Phase is the current lifecycle phase.
	Phase Phase

	// Message is the failure description when Phase is PhaseError, "" otherwise.
	Message string
}

// RetryProfile bounds one Connect call.
type RetryProfile struct {
	// MaxAttempts is the total number of connection attempts before the
	// machine gives up and enters the error phase.
	MaxAttempts int

	// AttemptTimeout bounds a single attempt: dial, handshake, and session
	// establishment together.
	AttemptTimeout time.Duration

	// Backoff is the fixed wait between attempts.
	Backoff time.Duration
}

// DefaultProfile is the ordinary reconnect profile.
var DefaultProfile = RetryProfile{
	MaxAttempts:    3,
	AttemptTimeout: 30 * time.Second,
	Backoff:        2 * time.Second,
}

// PairingTestProfile is used for the first connection right after pairing.
// The long attempt timeout tolerates a human on the host side approving the
// new client before the handshake can complete.
var PairingTestProfile = RetryProfile{
	MaxAttempts:    2,
	AttemptTimeout: 300 * time.Second,
	Backoff:        2 * time.Second,
}

// DialFunc opens a protocol connection. Swapped for a fake in tests.
type DialFunc func(ctx context.Context, cfg protocol.DialConfig) (protocol.Conn, error)

// Config describes one machine, bound to one endpoint's credentials.
type Config struct {
	// Credentials are the endpoint's secrets and address, as issued by
	// pairing. The machine never mutates them.
	Credentials pairing.Credentials

	// WorkingDir and Servers are passed through to session creation.
	WorkingDir string
	Servers    []string

	// Profile bounds Connect. Zero value means DefaultProfile.
	Profile RetryProfile

	// Dial opens the transport. Nil means the WebSocket implementation.
	Dial DialFunc

	// OnStateChange, if set, observes every phase transition. Called
	// outside the machine's lock; the callback is responsible for hopping
	// to whatever context UI observers require.
	OnStateChange func(State)
}

// ConnectResult reports what a successful Connect established.
type ConnectResult struct {
	// HostName is the host's self-reported display name.
	HostName string

	// StableID is the host-issued stable identifier, if advertised.
	StableID string

	// SessionID is the live session, resumed or fresh.
	SessionID string

	// SupportsResume is the host's advertised resume capability.
	SupportsResume bool

	// Resumed is true when an existing session was successfully resumed.
	Resumed bool

	// ResumeFailed is true when a resume was attempted and failed before
	// falling back to a fresh session. Both flags are preserved so the UI
	// can tell "fresh start" apart from "lost your history".
	ResumeFailed bool

	// Fresh is true when a new session was created (no resume happened).
	Fresh bool
}

// Machine is the per-agent connection state machine.
type Machine struct {
	cfg Config

	// connectMu serializes Connect/Disconnect so a single machine never
	// races two handshakes. SendMessage does not take it.
	connectMu sync.Mutex

	mu        sync.Mutex
	phase     Phase
	lastErr   error
	conn      protocol.Conn
	sessionID string
	result    *ConnectResult

	approvals *Approvals

	// exchange is the callback set for the in-flight SendMessage, nil when
	// no exchange is running.
	exchange *exchangeState

	// dispatchDone is closed when the notification dispatcher for the
	// current connection exits.
	dispatchDone chan struct{}
}

// exchangeState tracks one in-flight SendMessage.
type exchangeState struct {
	callbacks Callbacks
	once      sync.Once
}

// complete fires the completion callback exactly once.
func (e *exchangeState) complete(stop protocol.StopReason, err error) {
	e.once.Do(func() {
		if e.callbacks.OnComplete != nil {
			e.callbacks.OnComplete(stop, err)
		}
	})
}

// Callbacks deliver streamed events for one SendMessage exchange. Any field
// may be nil. OnComplete fires exactly once per SendMessage, even when zero
// streaming callbacks arrived first (a tool-only response), so callers can
// always resolve pending UI state.
type Callbacks struct {
	// OnAnswer receives incremental answer text.
	OnAnswer func(text string)

	// OnThought receives incremental thinking text.
	OnThought func(text string)

	// OnToolCall announces a tool invocation starting.
	OnToolCall func(call protocol.ToolCall)

	// OnToolUpdate carries streamed output for a running tool call, keyed
	// by call id so repeated updates for the same call can be merged.
	OnToolUpdate func(update protocol.ToolCallUpdate)

	// OnComplete fires exactly once with the stop reason, or with a
	// non-nil error and empty stop reason when the exchange failed.
	OnComplete func(stop protocol.StopReason, err error)
}

// New creates a machine bound to one endpoint configuration.
func New(cfg Config) *Machine {
	if cfg.Profile.MaxAttempts <= 0 {
		cfg.Profile = DefaultProfile
	}
	if cfg.Dial == nil {
		cfg.Dial = func(ctx context.Context, dc protocol.DialConfig) (protocol.Conn, error) {
			return protocol.Dial(ctx, dc)
		}
	}
	return &Machine{
		cfg:       cfg,
		phase:     PhaseDisconnected,
		approvals: NewApprovals(),
	}
}

// State returns a snapshot of the machine's current condition.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Machine) stateLocked() State {
	s := State{Phase: m.phase}
	if m.phase == PhaseError && m.lastErr != nil {
		s.Message = m.lastErr.Error()
	}
	return s
}

// SessionID returns the live session id, or "" when disconnected.
func (m *Machine) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// setPhase transitions the machine and notifies the observer.
func (m *Machine) setPhase(phase Phase, err error) {
	m.mu.Lock()
	m.phase = phase
	m.lastErr = err
	snapshot := m.stateLocked()
	m.mu.Unlock()

	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(snapshot)
	}
}

// Connect drives the full handshake: open the transport, perform the
// protocol connect, then resume the given session or create a fresh one.
//
// Up to Profile.MaxAttempts attempts are made with a fixed backoff between
// them. A certificate fingerprint mismatch aborts immediately - retrying
// will not change an interceptor's certificate. Exhausting the attempts is
// the only path into the error phase; the returned error names the attempt
// count and the last underlying failure.
//
// Calling Connect while already connected is a no-op that returns the live
// connection's result rather than opening a second transport.
func (m *Machine) Connect(ctx context.Context, existingSessionID string) (*ConnectResult, error) {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	// Reuse a live connection instead of opening a second one.
	m.mu.Lock()
	if m.phase == PhaseConnected && m.conn != nil {
		result := *m.result
		m.mu.Unlock()
		return &result, nil
	}
	m.mu.Unlock()

	m.setPhase(PhaseConnecting, nil)

	profile := m.cfg.Profile
	attempts := 0
	var result *ConnectResult

	operation := func() error {
		attempts++
		metrics.ConnectAttempts.Inc()

		attemptCtx, cancel := context.WithTimeout(ctx, profile.AttemptTimeout)
		defer cancel()

		r, err := m.attempt(attemptCtx, existingSessionID)
		if err != nil {
			log.Printf("conn: attempt %d/%d failed: %v", attempts, profile.MaxAttempts, err)
			if apperrors.IsCode(err, apperrors.CodeSecurityFingerprintMismatch) {
				// A MITM's certificate will not change between retries.
				return backoff.Permanent(err)
			}
			return err
		}
		result = r
		return nil
	}

	policy := backoff.WithMaxRetries(
		backoff.NewConstantBackOff(profile.Backoff),
		uint64(profile.MaxAttempts-1),
	)

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		if ctx.Err() != nil {
			// Cancellation is not a connection failure: leave no stale
			// error state behind.
			m.setPhase(PhaseDisconnected, nil)
			return nil, ctx.Err()
		}
		metrics.ConnectFailures.Inc()
		failure := err
		if !apperrors.IsCode(err, apperrors.CodeSecurityFingerprintMismatch) {
			failure = apperrors.ConnectionFailed(attempts, err)
		}
		m.setPhase(PhaseError, failure)
		return nil, failure
	}

	metrics.ConnectSuccesses.Inc()
	m.setPhase(PhaseConnected, nil)
	return result, nil
}

// attempt performs one full connection attempt. On success the machine
// holds the live conn and session; on failure everything opened so far is
// torn down.
func (m *Machine) attempt(ctx context.Context, existingSessionID string) (*ConnectResult, error) {
	creds := m.cfg.Credentials

	// Trust policy selection is driven purely by the credentials: a stored
	// fingerprint means the transport is self-signed and pinned, otherwise
	// system CA trust governs.
	var policy trust.Policy
	if creds.CertFingerprint != "" {
		policy = trust.Pinned(creds.CertFingerprint)
	} else {
		policy = trust.System()
	}

	dialCfg := protocol.DialConfig{
		URL:          creds.URL,
		AuthToken:    creds.AuthToken,
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TLS:          policy.TLSConfig(),
	}

	pc, err := m.cfg.Dial(ctx, dialCfg)
	if err != nil {
		if observed := policy.Observed(); observed != "" && !trust.FingerprintsEqual(observed, creds.CertFingerprint) {
			return nil, apperrors.FingerprintMismatch(creds.CertFingerprint, observed)
		}
		return nil, err
	}

	info, err := pc.Connect(ctx)
	if err != nil {
		pc.Close()
		return nil, err
	}

	result := &ConnectResult{
		HostName:       info.Name,
		StableID:       info.StableID,
		SupportsResume: info.Capabilities.SessionResume,
	}

	// Resume the prior session when the host can; a stale or expired
	// session id must never block establishing a usable connection, so any
	// resume failure falls through to creating a fresh session.
	if existingSessionID != "" && info.Capabilities.SessionResume {
		if err := pc.LoadSession(ctx, existingSessionID, m.cfg.WorkingDir, m.cfg.Servers); err == nil {
			result.SessionID = existingSessionID
			result.Resumed = true
			log.Printf("conn: resumed session %s", existingSessionID)
		} else {
			result.ResumeFailed = true
			log.Printf("conn: resume of session %s failed, starting fresh: %v", existingSessionID, err)
		}
	}

	if !result.Resumed {
		sessionID, err := pc.CreateSession(ctx, m.cfg.WorkingDir, m.cfg.Servers)
		if err != nil {
			pc.Close()
			return nil, err
		}
		result.SessionID = sessionID
		result.Fresh = true
	}

	// Check cancellation before committing shared state; a caller that
	// gave up must not find a half-installed connection afterwards.
	if ctx.Err() != nil {
		pc.Close()
		return nil, ctx.Err()
	}

	m.mu.Lock()
	m.conn = pc
	m.sessionID = result.SessionID
	m.result = result
	m.dispatchDone = make(chan struct{})
	done := m.dispatchDone
	m.mu.Unlock()

	go m.dispatch(pc, done)

	return result, nil
}

// Disconnect tears down the transport and session handle unconditionally.
// Idempotent: calling it when already disconnected leaves the phase
// unchanged and the session id cleared.
func (m *Machine) Disconnect() {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	pc := m.conn
	m.conn = nil
	m.sessionID = ""
	m.result = nil
	exchange := m.exchange
	m.exchange = nil
	m.mu.Unlock()

	if pc != nil {
		pc.Close()
	}
	if exchange != nil {
		exchange.complete("", apperrors.ConnectionClosed(nil))
	}
	m.approvals.FailAll()

	m.setPhase(PhaseDisconnected, nil)
}

// SendMessage submits user text over the live session and streams the
// exchange back through the callbacks. Fails synchronously with a
// session.not_active error when not connected - no network call is made.
//
// One exchange runs at a time per machine; a second SendMessage while one
// is in flight returns session.not_active-adjacent busy error.
func (m *Machine) SendMessage(ctx context.Context, text string, callbacks Callbacks) error {
	m.mu.Lock()
	if m.phase != PhaseConnected || m.conn == nil || m.sessionID == "" {
		m.mu.Unlock()
		return apperrors.NoActiveSession()
	}
	if m.exchange != nil {
		m.mu.Unlock()
		return apperrors.New(apperrors.CodeSessionPromptFailed, "an exchange is already in flight")
	}
	exchange := &exchangeState{callbacks: callbacks}
	m.exchange = exchange
	pc := m.conn
	sessionID := m.sessionID
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.exchange == exchange {
			m.exchange = nil
		}
		m.mu.Unlock()
	}()

	stop, err := pc.Prompt(ctx, sessionID, text)
	if err != nil {
		// Completion still fires so the caller can resolve pending state.
		exchange.complete("", err)
		return err
	}

	exchange.complete(stop, nil)
	return nil
}

// RespondPermission answers an outstanding tool-permission request with the
// chosen option id. The originating host-side call stays suspended until
// this is called. Unknown request ids and options not offered by the
// request are synchronous precondition failures.
func (m *Machine) RespondPermission(ctx context.Context, requestID, optionID string) error {
	req, err := m.approvals.Resolve(requestID, optionID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	pc := m.conn
	m.mu.Unlock()
	if pc == nil {
		return apperrors.NoActiveSession()
	}

	log.Printf("conn: answering permission request %s with option %s", req.RequestID, optionID)
	return pc.RespondPermission(ctx, requestID, optionID)
}

// PendingApprovals lists tool-permission requests awaiting a decision.
func (m *Machine) PendingApprovals() []protocol.PermissionRequest {
	return m.approvals.Pending()
}

// OnPermission registers the handler invoked when the host requests
// approval for a sensitive action. Must be set before Connect to observe
// requests from the start of the connection.
func (m *Machine) OnPermission(handler func(protocol.PermissionRequest)) {
	m.approvals.SetHandler(handler)
}

// dispatch routes inbound notifications for the lifetime of one connection.
// It exits when the notification channel closes, which happens on any
// disconnect. An unexpected close (not initiated by Disconnect) drops the
// machine back to the disconnected phase so the background sweep picks the
// agent up again.
func (m *Machine) dispatch(pc protocol.Conn, done chan struct{}) {
	defer close(done)

	for n := range pc.Notifications() {
		m.mu.Lock()
		exchange := m.exchange
		m.mu.Unlock()

		switch n.Type {
		case protocol.NotifyMessageChunk:
			if exchange != nil && exchange.callbacks.OnAnswer != nil {
				exchange.callbacks.OnAnswer(n.Message.Text)
			}
		case protocol.NotifyThoughtChunk:
			if exchange != nil && exchange.callbacks.OnThought != nil {
				exchange.callbacks.OnThought(n.Thought.Text)
			}
		case protocol.NotifyToolCall:
			if exchange != nil && exchange.callbacks.OnToolCall != nil {
				exchange.callbacks.OnToolCall(*n.ToolCall)
			}
		case protocol.NotifyToolCallUpdate:
			if exchange != nil && exchange.callbacks.OnToolUpdate != nil {
				exchange.callbacks.OnToolUpdate(*n.ToolUpdate)
			}
		case protocol.NotifyPermissionRequest:
			if err := m.approvals.Add(*n.Permission); err != nil {
				log.Printf("conn: dropping permission request: %v", err)
			}
		}
	}

	// The stream is gone. If the machine still thinks it is connected,
	// this was not a deliberate Disconnect.
	m.mu.Lock()
	unexpected := m.conn == pc
	if unexpected {
		m.conn = nil
		m.sessionID = ""
		m.result = nil
		exchange := m.exchange
		m.exchange = nil
		m.mu.Unlock()
		if exchange != nil {
			exchange.complete("", apperrors.ConnectionClosed(nil))
		}
		m.approvals.FailAll()
		m.setPhase(PhaseDisconnected, nil)
		log.Printf("conn: connection closed by peer")
		return
	}
	m.mu.Unlock()
}
