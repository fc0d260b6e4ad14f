package conn

import (
	"log"
	"sync"

	apperrors "github.com/agentlink/client/internal/errors"
	"github.com/agentlink/client/internal/protocol"
)

// Approvals tracks tool-permission requests awaiting a user decision.
//
// Each pending entry is keyed by request id and carries a one-shot done
// channel that Resolve completes exactly once. Multiple requests may be
// outstanding concurrently, each tracked independently. An entry that is
// never resolved stays in the table until the connection drops - that is an
// observable leak condition, not something silently discarded, so tests can
// assert the table drains.
//
// Thread safety: all exported methods are safe for concurrent use.
type Approvals struct {
	mu      sync.RWMutex
	pending map[string]*pendingApproval
	handler func(protocol.PermissionRequest)
}

// pendingApproval is one outstanding permission request.
type pendingApproval struct {
	request protocol.PermissionRequest

	// done is closed exactly once when the request is resolved or failed.
	done chan struct{}
}

// NewApprovals creates an empty approval table.
func NewApprovals() *Approvals {
	return &Approvals{
		pending: make(map[string]*pendingApproval),
	}
}

// SetHandler registers the callback invoked for each new request.
func (a *Approvals) SetHandler(handler func(protocol.PermissionRequest)) {
	a.mu.Lock()
	a.handler = handler
	a.mu.Unlock()
}

// Add registers an inbound permission request and notifies the handler.
// Duplicate request ids are rejected.
func (a *Approvals) Add(req protocol.PermissionRequest) error {
	a.mu.Lock()
	if _, exists := a.pending[req.RequestID]; exists {
		a.mu.Unlock()
		return apperrors.ApprovalDuplicate(req.RequestID)
	}
	a.pending[req.RequestID] = &pendingApproval{
		request: req,
		done:    make(chan struct{}),
	}
	handler := a.handler
	a.mu.Unlock()

	log.Printf("conn: permission request %s pending (%d options)", req.RequestID, len(req.Options))

	if handler != nil {
		handler(req)
	}
	return nil
}

// Resolve completes a pending request with the chosen option and removes it
// from the table. Returns the original request so the caller can forward
// the decision. Unknown request ids and option ids not offered by the
// request are distinct errors.
func (a *Approvals) Resolve(requestID, optionID string) (*protocol.PermissionRequest, error) {
	a.mu.Lock()
	entry, ok := a.pending[requestID]
	if !ok {
		a.mu.Unlock()
		return nil, apperrors.ApprovalNotFound(requestID)
	}

	valid := false
	for _, opt := range entry.request.Options {
		if opt.ID == optionID {
			valid = true
			break
		}
	}
	if !valid {
		a.mu.Unlock()
		return nil, apperrors.ApprovalInvalidOption(requestID, optionID)
	}

	delete(a.pending, requestID)
	a.mu.Unlock()

	close(entry.done)

	req := entry.request
	return &req, nil
}

// Done returns the one-shot completion channel for a pending request, or
// nil if the request is unknown. Tests use this to await resolution.
func (a *Approvals) Done(requestID string) <-chan struct{} {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if entry, ok := a.pending[requestID]; ok {
		return entry.done
	}
	return nil
}

// Pending lists all outstanding requests.
func (a *Approvals) Pending() []protocol.PermissionRequest {
	a.mu.RLock()
	defer a.mu.RUnlock()

	requests := make([]protocol.PermissionRequest, 0, len(a.pending))
	for _, entry := range a.pending {
		requests = append(requests, entry.request)
	}
	return requests
}

// Count returns the number of outstanding requests.
func (a *Approvals) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.pending)
}

// FailAll drops every outstanding request, completing their done channels.
// Called when the connection goes away: the host-side calls those requests
// were suspending are gone with it.
func (a *Approvals) FailAll() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, entry := range a.pending {
		close(entry.done)
		delete(a.pending, id)
	}
}
