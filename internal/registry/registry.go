// Package registry drives connection establishment across each agent's
// recorded endpoints.
//
// The storage layer knows every way an agent can be reached; this package
// decides the order to try them in and owns the per-agent connection
// machines. Endpoints are attempted sequentially by priority until one
// connects. Credentials come from the keychain per endpoint, never from
// the database.
package registry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agentlink/client/internal/conn"
	apperrors "github.com/agentlink/client/internal/errors"
	"github.com/agentlink/client/internal/keychain"
	"github.com/agentlink/client/internal/metrics"
	"github.com/agentlink/client/internal/pairing"
	"github.com/agentlink/client/internal/protocol"
	"github.com/agentlink/client/internal/storage"
)

// nowFunc is swapped in tests for deterministic timestamps.
var nowFunc = time.Now

// kindPriority is the default fallback order. Lower tries first. Mesh
// transports are preferred because they survive network changes; the
// direct LAN endpoint is the last resort since it only works on the
// pairing network.
var kindPriority = map[pairing.TransportKind]int{
	pairing.KindMeshTrusted:  0,
	pairing.KindMeshPinned:   1,
	pairing.KindRelayGateway: 2,
	pairing.KindDirectPinned: 3,
}

// KindPriority returns the default fallback priority for a transport kind.
// Unknown kinds sort last.
func KindPriority(kind pairing.TransportKind) int {
	if p, ok := kindPriority[kind]; ok {
		return p
	}
	return len(kindPriority)
}

// Controller owns one connection machine per agent and walks the agent's
// endpoints in fallback order until one connects.
type Controller struct {
	store *storage.SQLiteStore
	keys  keychain.Store

	// dial is passed through to every machine. Nil means WebSocket.
	dial conn.DialFunc

	// profile bounds each endpoint's connect. Zero value means
	// conn.DefaultProfile.
	profile conn.RetryProfile

	// onPermission is installed on every machine before it connects.
	onPermission func(protocol.PermissionRequest)

	// defaultKind is the config-level preferred transport, applied to
	// agents without their own override.
	defaultKind pairing.TransportKind

	mu       sync.Mutex
	machines map[string]*conn.Machine

	// inflight serializes connect attempts per agent so the sweep and an
	// explicit connect never race two fallback walks for the same agent.
	inflight map[string]*sync.Mutex
}

// NewController creates a controller over the given store and keychain.
func NewController(store *storage.SQLiteStore, keys keychain.Store) *Controller {
	return &Controller{
		store:    store,
		keys:     keys,
		machines: make(map[string]*conn.Machine),
		inflight: make(map[string]*sync.Mutex),
	}
}

// SetDial overrides the transport dialer. Tests use this to inject fakes.
func (c *Controller) SetDial(dial conn.DialFunc) {
	c.dial = dial
}

// SetProfile overrides the retry profile applied to each endpoint attempt.
func (c *Controller) SetProfile(profile conn.RetryProfile) {
	c.profile = profile
}

// SetPreferredKind sets the transport kind tried first for agents that
// have no per-agent preference. Empty means the stored priority order.
func (c *Controller) SetPreferredKind(kind pairing.TransportKind) {
	c.defaultKind = kind
}

// OnPermission registers the handler installed on every machine for
// inbound tool-permission requests.
func (c *Controller) OnPermission(handler func(protocol.PermissionRequest)) {
	c.onPermission = handler
}

// ConnectResult reports which endpoint a fallback walk landed on.
type ConnectResult struct {
	// Endpoint is the endpoint that carried the successful connection.
	Endpoint *storage.Endpoint

	// Conn is the machine-level result (session, resume outcome, host info).
	Conn *conn.ConnectResult

	// FellBack is true when at least one higher-priority endpoint failed
	// before this one connected.
	FellBack bool
}

// Connect walks the agent's endpoints in fallback order and connects over
// the first one that works.
//
// Order: endpoints sort by stored priority; when the agent has a preferred
// kind, that endpoint moves to the front. While attempts are underway the
// agent's status reads reconnecting; success marks the winning endpoint
// active and the agent connected in one transaction; exhausting every
// endpoint drops the agent to disconnected and returns the last error.
//
// A fingerprint mismatch on one endpoint aborts that endpoint immediately
// but still lets lower-priority endpoints try - other transports present
// other certificates. If no endpoint connects and a mismatch occurred, the
// mismatch is the error returned, since it is the one the user must see.
func (c *Controller) Connect(ctx context.Context, agentID string) (*ConnectResult, error) {
	lock := c.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	agent, err := c.store.GetAgent(agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, storage.ErrAgentNotFound
	}

	// Reuse a live connection.
	if m := c.machine(agentID); m != nil && m.State().Phase == conn.PhaseConnected {
		active, err := c.store.ActiveEndpoint(agentID)
		if err != nil {
			return nil, err
		}
		return &ConnectResult{Endpoint: active}, nil
	}

	endpoints, err := c.store.ListEndpoints(agentID)
	if err != nil {
		return nil, err
	}
	if len(endpoints) == 0 {
		// Legacy shape: agents paired before endpoints existed keep a single
		// credential set keyed by agent id.
		return c.connectLegacy(ctx, agent)
	}

	preferred := agent.PreferredKind
	if preferred == "" {
		preferred = c.defaultKind
	}
	ordered := orderEndpoints(endpoints, preferred)

	if err := c.store.ClearActiveEndpoint(agentID, storage.StatusReconnecting); err != nil {
		return nil, err
	}

	var lastErr error
	var mismatchErr error

	for i, ep := range ordered {
		if ctx.Err() != nil {
			// Cancellation leaves the agent disconnected, not stuck in
			// reconnecting.
			c.store.ClearActiveEndpoint(agentID, storage.StatusDisconnected)
			return nil, ctx.Err()
		}

		creds, err := c.keys.Retrieve(ep.ID)
		if err != nil {
			log.Printf("registry: no credentials for %s endpoint of agent %s: %v", ep.Kind, agentID, err)
			lastErr = err
			continue
		}

		m := c.newMachine(agentID, creds)

		log.Printf("registry: trying %s endpoint for agent %s (%d/%d)", ep.Kind, agentID, i+1, len(ordered))

		result, err := m.Connect(ctx, agent.SessionID)
		if err != nil {
			if apperrors.IsCode(err, apperrors.CodeSecurityFingerprintMismatch) {
				mismatchErr = err
			}
			lastErr = err
			continue
		}

		if err := c.commitConnected(agent, ep, result); err != nil {
			m.Disconnect()
			return nil, err
		}

		c.setMachine(agentID, m)
		metrics.ActiveConnections.Inc()
		if i > 0 {
			metrics.EndpointFallbacks.Inc()
		}

		return &ConnectResult{Endpoint: ep, Conn: result, FellBack: i > 0}, nil
	}

	if err := c.store.ClearActiveEndpoint(agentID, storage.StatusDisconnected); err != nil {
		log.Printf("registry: recording disconnect for agent %s: %v", agentID, err)
	}

	if mismatchErr != nil {
		return nil, mismatchErr
	}
	return nil, lastErr
}

// connectLegacy performs a single direct attempt for an agent without
// endpoint records, using credentials keyed by agent id.
func (c *Controller) connectLegacy(ctx context.Context, agent *storage.Agent) (*ConnectResult, error) {
	creds, err := c.keys.Retrieve(agent.ID)
	if err != nil {
		if keychain.IsNotFound(err) {
			return nil, apperrors.New(apperrors.CodeStorageNotFound,
				fmt.Sprintf("agent %s has no endpoints and no stored credentials - pair it again", agent.ID))
		}
		return nil, err
	}

	if err := c.store.SetAgentStatus(agent.ID, storage.StatusReconnecting); err != nil {
		return nil, err
	}

	m := c.newMachine(agent.ID, creds)

	log.Printf("registry: trying legacy direct connection for agent %s", agent.ID)

	result, err := m.Connect(ctx, agent.SessionID)
	if err != nil {
		if serr := c.store.SetAgentStatus(agent.ID, storage.StatusDisconnected); serr != nil {
			log.Printf("registry: recording disconnect for agent %s: %v", agent.ID, serr)
		}
		return nil, err
	}

	if err := c.store.SetAgentStatus(agent.ID, storage.StatusConnected); err != nil {
		m.Disconnect()
		return nil, err
	}
	if err := c.store.UpdateSession(agent.ID, result.SessionID, nowFunc(), result.SupportsResume); err != nil {
		m.Disconnect()
		return nil, err
	}

	c.setMachine(agent.ID, m)
	metrics.ActiveConnections.Inc()

	return &ConnectResult{Conn: result}, nil
}

// newMachine builds a connection machine for one credential set. The state
// observer routes peer-initiated drops back to the controller so the store
// never keeps reporting connected for a connection that is gone.
func (c *Controller) newMachine(agentID string, creds *pairing.Credentials) *conn.Machine {
	var m *conn.Machine
	m = conn.New(conn.Config{
		Credentials: *creds,
		Profile:     c.profile,
		Dial:        c.dial,
		OnStateChange: func(s conn.State) {
			if s.Phase == conn.PhaseDisconnected {
				c.handleDrop(agentID, m)
			}
		},
	})
	if c.onPermission != nil {
		m.OnPermission(c.onPermission)
	}
	return m
}

// handleDrop reacts to a machine reaching the disconnected phase on its
// own, which happens when the peer closes the transport. Deliberate
// teardown removes the machine from the table first, so only unexpected
// drops get past the identity check. The agent is recorded disconnected;
// the next sweep tick retries it.
func (c *Controller) handleDrop(agentID string, m *conn.Machine) {
	c.mu.Lock()
	if c.machines[agentID] != m {
		c.mu.Unlock()
		return
	}
	delete(c.machines, agentID)
	c.mu.Unlock()

	metrics.ActiveConnections.Dec()
	log.Printf("registry: connection to agent %s dropped by peer", agentID)

	if err := c.store.ClearActiveEndpoint(agentID, storage.StatusDisconnected); err != nil {
		log.Printf("registry: recording disconnect for agent %s: %v", agentID, err)
	}
}

// commitConnected records the winning endpoint and the established session.
func (c *Controller) commitConnected(agent *storage.Agent, ep *storage.Endpoint, result *conn.ConnectResult) error {
	if err := c.store.SetActiveEndpoint(agent.ID, ep.ID); err != nil {
		return err
	}
	return c.store.UpdateSession(agent.ID, result.SessionID, nowFunc(), result.SupportsResume)
}

// Disconnect tears down the agent's live connection, if any, and records
// the disconnected status.
func (c *Controller) Disconnect(agentID string) {
	c.mu.Lock()
	m := c.machines[agentID]
	delete(c.machines, agentID)
	c.mu.Unlock()

	if m != nil {
		m.Disconnect()
		metrics.ActiveConnections.Dec()
	}

	if err := c.store.ClearActiveEndpoint(agentID, storage.StatusDisconnected); err != nil {
		log.Printf("registry: recording disconnect for agent %s: %v", agentID, err)
	}
}

// DisconnectAll tears down every live connection. Called on daemon shutdown.
func (c *Controller) DisconnectAll() {
	c.mu.Lock()
	machines := c.machines
	c.machines = make(map[string]*conn.Machine)
	c.mu.Unlock()

	for agentID, m := range machines {
		m.Disconnect()
		metrics.ActiveConnections.Dec()
		if err := c.store.ClearActiveEndpoint(agentID, storage.StatusDisconnected); err != nil {
			log.Printf("registry: recording disconnect for agent %s: %v", agentID, err)
		}
	}
}

// Machine returns the agent's live connection machine, or nil.
func (c *Controller) Machine(agentID string) *conn.Machine {
	return c.machine(agentID)
}

// Connected reports whether the agent has a live machine in the connected
// phase. The sweep trusts this over the stored status, which can be stale
// after a daemon restart.
func (c *Controller) Connected(agentID string) bool {
	m := c.machine(agentID)
	return m != nil && m.State().Phase == conn.PhaseConnected
}

func (c *Controller) machine(agentID string) *conn.Machine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machines[agentID]
}

func (c *Controller) setMachine(agentID string, m *conn.Machine) {
	c.mu.Lock()
	c.machines[agentID] = m
	c.mu.Unlock()
}

// agentLock returns the per-agent connect mutex, creating it on first use.
func (c *Controller) agentLock(agentID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lock, ok := c.inflight[agentID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	c.inflight[agentID] = lock
	return lock
}

// orderEndpoints sorts endpoints for a fallback walk: stored priority
// order, with the preferred kind (when set and present) moved to the front.
func orderEndpoints(endpoints []*storage.Endpoint, preferred pairing.TransportKind) []*storage.Endpoint {
	ordered := make([]*storage.Endpoint, 0, len(endpoints))
	if preferred != "" {
		for _, ep := range endpoints {
			if ep.Kind == preferred {
				ordered = append(ordered, ep)
				break
			}
		}
	}
	for _, ep := range endpoints {
		if preferred != "" && ep.Kind == preferred {
			continue
		}
		ordered = append(ordered, ep)
	}
	return ordered
}
