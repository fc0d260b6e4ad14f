package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	apperrors "github.com/agentlink/client/internal/errors"
	"github.com/agentlink/client/internal/pairing"
	"github.com/agentlink/client/internal/protocol"
)

// fakeConn is an in-memory protocol.Conn for machine tests.
type fakeConn struct {
	mu sync.Mutex

	info       protocol.HostInfo
	loadErr    error
	createErr  error
	promptStop protocol.StopReason
	promptErr  error
	promptHook func(f *fakeConn)

	loadedSession  string
	createdSession string
	prompts        []string
	responses      [][2]string
	closed         bool

	notifications chan protocol.Notification
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		info: protocol.HostInfo{
			Name:         "workstation",
			StableID:     "stable-1",
			Capabilities: protocol.Capabilities{SessionResume: true},
		},
		createdSession: "session-new",
		promptStop:     protocol.StopEndTurn,
		notifications:  make(chan protocol.Notification, 16),
	}
}

func (f *fakeConn) Connect(ctx context.Context) (*protocol.HostInfo, error) {
	info := f.info
	return &info, nil
}

func (f *fakeConn) CreateSession(ctx context.Context, workingDir string, servers []string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.createdSession, nil
}

func (f *fakeConn) LoadSession(ctx context.Context, sessionID, workingDir string, servers []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return f.loadErr
	}
	f.loadedSession = sessionID
	return nil
}

func (f *fakeConn) Prompt(ctx context.Context, sessionID, content string) (protocol.StopReason, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, content)
	hook := f.promptHook
	f.mu.Unlock()
	if hook != nil {
		// Streamed events arrive while the prompt is in flight.
		hook(f)
	}
	if f.promptErr != nil {
		return "", f.promptErr
	}
	return f.promptStop, nil
}

func (f *fakeConn) Notifications() <-chan protocol.Notification {
	return f.notifications
}

func (f *fakeConn) RespondPermission(ctx context.Context, requestID, optionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, [2]string{requestID, optionID})
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.notifications)
	}
	return nil
}

// dialTo returns a DialFunc handing out the given conns in order, failing
// with errs in order first.
func dialSequence(conns []*fakeConn, errs []error) DialFunc {
	i := 0
	return func(ctx context.Context, cfg protocol.DialConfig) (protocol.Conn, error) {
		defer func() { i++ }()
		if i < len(errs) && errs[i] != nil {
			return nil, errs[i]
		}
		j := i - len(errs)
		if j < 0 {
			j = 0
		}
		if j >= len(conns) {
			j = len(conns) - 1
		}
		return conns[j], nil
	}
}

func fastProfile(attempts int) RetryProfile {
	return RetryProfile{
		MaxAttempts:    attempts,
		AttemptTimeout: time.Second,
		Backoff:        time.Millisecond,
	}
}

func testCreds() pairing.Credentials {
	return pairing.Credentials{URL: "wss://host.example/ws", AuthToken: "token"}
}

func TestConnectFreshSession(t *testing.T) {
	fc := newFakeConn()
	m := New(Config{
		Credentials: testCreds(),
		Profile:     fastProfile(1),
		Dial:        dialSequence([]*fakeConn{fc}, nil),
	})

	result, err := m.Connect(context.Background(), "")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if !result.Fresh || result.Resumed || result.ResumeFailed {
		t.Errorf("flags = fresh=%v resumed=%v resumeFailed=%v, want fresh only", result.Fresh, result.Resumed, result.ResumeFailed)
	}
	if result.SessionID != "session-new" {
		t.Errorf("SessionID = %s", result.SessionID)
	}
	if result.HostName != "workstation" || result.StableID != "stable-1" {
		t.Errorf("host info not carried: %+v", result)
	}
	if m.State().Phase != PhaseConnected {
		t.Errorf("phase = %s, want connected", m.State().Phase)
	}
}

func TestConnectResumesExistingSession(t *testing.T) {
	fc := newFakeConn()
	m := New(Config{
		Credentials: testCreds(),
		Profile:     fastProfile(1),
		Dial:        dialSequence([]*fakeConn{fc}, nil),
	})

	result, err := m.Connect(context.Background(), "session-old")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if !result.Resumed || result.Fresh || result.ResumeFailed {
		t.Errorf("flags = resumed=%v fresh=%v resumeFailed=%v, want resumed only", result.Resumed, result.Fresh, result.ResumeFailed)
	}
	if result.SessionID != "session-old" {
		t.Errorf("SessionID = %s, want session-old", result.SessionID)
	}
	if fc.loadedSession != "session-old" {
		t.Errorf("loadSession called with %s", fc.loadedSession)
	}
}

func TestConnectResumeFailureFallsBackToFresh(t *testing.T) {
	fc := newFakeConn()
	fc.loadErr = errors.New("session expired")
	m := New(Config{
		Credentials: testCreds(),
		Profile:     fastProfile(1),
		Dial:        dialSequence([]*fakeConn{fc}, nil),
	})

	result, err := m.Connect(context.Background(), "session-old")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// A stale session id never blocks connecting, but "lost your history"
	// stays distinguishable from an ordinary fresh start.
	if !result.Fresh || !result.ResumeFailed || result.Resumed {
		t.Errorf("flags = fresh=%v resumeFailed=%v resumed=%v", result.Fresh, result.ResumeFailed, result.Resumed)
	}
	if result.SessionID != "session-new" {
		t.Errorf("SessionID = %s, want session-new", result.SessionID)
	}
}

func TestConnectSkipsResumeWithoutCapability(t *testing.T) {
	fc := newFakeConn()
	fc.info.Capabilities.SessionResume = false
	m := New(Config{
		Credentials: testCreds(),
		Profile:     fastProfile(1),
		Dial:        dialSequence([]*fakeConn{fc}, nil),
	})

	result, err := m.Connect(context.Background(), "session-old")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if fc.loadedSession != "" {
		t.Error("loadSession should not be called when the host cannot resume")
	}
	if !result.Fresh || result.SupportsResume {
		t.Errorf("result = %+v, want fresh with SupportsResume=false", result)
	}
}

func TestConnectRetriesUntilSuccess(t *testing.T) {
	fc := newFakeConn()
	dialErr := errors.New("connection refused")
	m := New(Config{
		Credentials: testCreds(),
		Profile:     fastProfile(3),
		Dial:        dialSequence([]*fakeConn{fc}, []error{dialErr, dialErr}),
	})

	result, err := m.Connect(context.Background(), "")
	if err != nil {
		t.Fatalf("Connect should succeed on third attempt: %v", err)
	}
	if result.SessionID != "session-new" {
		t.Errorf("SessionID = %s", result.SessionID)
	}
}

func TestConnectExhaustsAttempts(t *testing.T) {
	dialErr := errors.New("connection refused")
	m := New(Config{
		Credentials: testCreds(),
		Profile:     fastProfile(3),
		Dial:        dialSequence(nil, []error{dialErr, dialErr, dialErr, dialErr}),
	})

	_, err := m.Connect(context.Background(), "")
	if !apperrors.IsCode(err, apperrors.CodeConnectionFailed) {
		t.Fatalf("error = %v, want %s", err, apperrors.CodeConnectionFailed)
	}
	if msg := apperrors.GetMessage(err); msg != "connection failed after 3 attempts" {
		t.Errorf("message = %q, want attempt count named", msg)
	}

	state := m.State()
	if state.Phase != PhaseError {
		t.Errorf("phase = %s, want error", state.Phase)
	}
	if state.Message == "" {
		t.Error("error phase should carry a message")
	}
}

func TestConnectFingerprintMismatchNeverRetried(t *testing.T) {
	calls := 0
	mismatch := apperrors.FingerprintMismatch("SHA256:AA", "SHA256:BB")
	dial := func(ctx context.Context, cfg protocol.DialConfig) (protocol.Conn, error) {
		calls++
		return nil, mismatch
	}

	m := New(Config{
		Credentials: pairing.Credentials{URL: "wss://host.example/ws", CertFingerprint: "SHA256:AA"},
		Profile:     fastProfile(3),
		Dial:        dial,
	})

	_, err := m.Connect(context.Background(), "")
	if !apperrors.IsCode(err, apperrors.CodeSecurityFingerprintMismatch) {
		t.Fatalf("error = %v, want mismatch", err)
	}
	if calls != 1 {
		t.Errorf("dial called %d times, want 1 (mismatch is permanent)", calls)
	}
}

func TestConnectWhileConnectedReusesConnection(t *testing.T) {
	fc := newFakeConn()
	calls := 0
	dial := func(ctx context.Context, cfg protocol.DialConfig) (protocol.Conn, error) {
		calls++
		return fc, nil
	}
	m := New(Config{Credentials: testCreds(), Profile: fastProfile(1), Dial: dial})

	if _, err := m.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	result, err := m.Connect(context.Background(), "")
	if err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("dial called %d times, want 1", calls)
	}
	if result.SessionID != "session-new" {
		t.Errorf("SessionID = %s", result.SessionID)
	}
}

func TestSendMessageWithoutConnection(t *testing.T) {
	m := New(Config{Credentials: testCreds(), Profile: fastProfile(1)})

	err := m.SendMessage(context.Background(), "hello", Callbacks{})
	if !apperrors.IsCode(err, apperrors.CodeSessionNotActive) {
		t.Errorf("error = %v, want %s", err, apperrors.CodeSessionNotActive)
	}
}

func TestSendMessageStreamsAndCompletes(t *testing.T) {
	fc := newFakeConn()
	m := New(Config{Credentials: testCreds(), Profile: fastProfile(1), Dial: dialSequence([]*fakeConn{fc}, nil)})

	if _, err := m.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	var completions int
	var stops []protocol.StopReason
	err := m.SendMessage(context.Background(), "hello", Callbacks{
		OnComplete: func(stop protocol.StopReason, err error) {
			completions++
			stops = append(stops, stop)
		},
	})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	if completions != 1 {
		t.Errorf("OnComplete fired %d times, want exactly 1", completions)
	}
	if len(stops) != 1 || stops[0] != protocol.StopEndTurn {
		t.Errorf("stops = %v", stops)
	}
	if len(fc.prompts) != 1 || fc.prompts[0] != "hello" {
		t.Errorf("prompts = %v", fc.prompts)
	}
}

func TestSendMessageCompletesOnceOnError(t *testing.T) {
	fc := newFakeConn()
	fc.promptErr = errors.New("stream broke")
	m := New(Config{Credentials: testCreds(), Profile: fastProfile(1), Dial: dialSequence([]*fakeConn{fc}, nil)})

	if _, err := m.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	completions := 0
	var gotErr error
	err := m.SendMessage(context.Background(), "hello", Callbacks{
		OnComplete: func(stop protocol.StopReason, err error) {
			completions++
			gotErr = err
		},
	})
	if err == nil {
		t.Fatal("SendMessage should fail")
	}
	if completions != 1 || gotErr == nil {
		t.Errorf("completions = %d, err = %v; completion must fire exactly once with the error", completions, gotErr)
	}
}

func TestNotificationsRouteToCallbacks(t *testing.T) {
	fc := newFakeConn()
	m := New(Config{Credentials: testCreds(), Profile: fastProfile(1), Dial: dialSequence([]*fakeConn{fc}, nil)})

	if _, err := m.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	answers := make(chan string, 4)
	tools := make(chan protocol.ToolCall, 4)
	done := make(chan struct{})
	delivered := make(chan struct{})

	// Stream events while the prompt is in flight; the prompt does not
	// return until the dispatcher has delivered the final chunk.
	fc.promptHook = func(f *fakeConn) {
		f.notifications <- protocol.Notification{Type: protocol.NotifyMessageChunk, Message: &protocol.MessageChunk{Text: "partial "}}
		f.notifications <- protocol.Notification{Type: protocol.NotifyToolCall, ToolCall: &protocol.ToolCall{CallID: "c1", Name: "bash"}}
		f.notifications <- protocol.Notification{Type: protocol.NotifyMessageChunk, Message: &protocol.MessageChunk{Text: "answer"}}
		<-delivered
	}

	err := m.SendMessage(context.Background(), "hello", Callbacks{
		OnAnswer: func(text string) {
			answers <- text
			if text == "answer" {
				close(delivered)
			}
		},
		OnToolCall: func(call protocol.ToolCall) { tools <- call },
		OnComplete: func(stop protocol.StopReason, err error) { close(done) },
	})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	<-done
	deadline := time.After(2 * time.Second)
	for i, want := range []string{"partial ", "answer"} {
		select {
		case got := <-answers:
			if got != want {
				t.Errorf("answer %d = %q, want %q", i, got, want)
			}
		case <-deadline:
			t.Fatal("timed out waiting for answer chunks")
		}
	}
	select {
	case call := <-tools:
		if call.CallID != "c1" {
			t.Errorf("tool call id = %s", call.CallID)
		}
	case <-deadline:
		t.Fatal("timed out waiting for tool call")
	}
}

func TestPermissionRequestFlow(t *testing.T) {
	fc := newFakeConn()
	m := New(Config{Credentials: testCreds(), Profile: fastProfile(1), Dial: dialSequence([]*fakeConn{fc}, nil)})

	received := make(chan protocol.PermissionRequest, 1)
	m.OnPermission(func(req protocol.PermissionRequest) { received <- req })

	if _, err := m.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	fc.notifications <- protocol.Notification{
		Type: protocol.NotifyPermissionRequest,
		Permission: &protocol.PermissionRequest{
			RequestID: "req-1",
			Title:     "Run command",
			Options: []protocol.PermissionOption{
				{ID: "allow", Name: "Allow once"},
				{ID: "reject", Name: "Reject"},
			},
		},
	}

	var req protocol.PermissionRequest
	select {
	case req = <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("permission handler never invoked")
	}

	if err := m.RespondPermission(context.Background(), req.RequestID, "allow"); err != nil {
		t.Fatalf("RespondPermission failed: %v", err)
	}

	fc.mu.Lock()
	responses := fc.responses
	fc.mu.Unlock()
	if len(responses) != 1 || responses[0] != [2]string{"req-1", "allow"} {
		t.Errorf("responses = %v", responses)
	}
	if m.approvals.Count() != 0 {
		t.Errorf("approvals still pending: %d", m.approvals.Count())
	}
}

func TestPendingApprovalsListsUnanswered(t *testing.T) {
	fc := newFakeConn()
	m := New(Config{Credentials: testCreds(), Profile: fastProfile(1), Dial: dialSequence([]*fakeConn{fc}, nil)})

	received := make(chan struct{}, 1)
	m.OnPermission(func(req protocol.PermissionRequest) { received <- struct{}{} })

	if _, err := m.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if got := m.PendingApprovals(); len(got) != 0 {
		t.Fatalf("pending approvals before any request: %v", got)
	}

	fc.notifications <- protocol.Notification{
		Type: protocol.NotifyPermissionRequest,
		Permission: &protocol.PermissionRequest{
			RequestID: "req-1",
			Title:     "Write file",
			Options:   []protocol.PermissionOption{{ID: "allow", Name: "Allow"}},
		},
	}
	<-received

	pending := m.PendingApprovals()
	if len(pending) != 1 || pending[0].RequestID != "req-1" || pending[0].Title != "Write file" {
		t.Fatalf("pending approvals = %v", pending)
	}

	if err := m.RespondPermission(context.Background(), "req-1", "allow"); err != nil {
		t.Fatalf("RespondPermission failed: %v", err)
	}
	if got := m.PendingApprovals(); len(got) != 0 {
		t.Errorf("pending approvals after answering: %v", got)
	}
}

func TestRespondPermissionInvalidOption(t *testing.T) {
	fc := newFakeConn()
	m := New(Config{Credentials: testCreds(), Profile: fastProfile(1), Dial: dialSequence([]*fakeConn{fc}, nil)})

	received := make(chan struct{}, 1)
	m.OnPermission(func(req protocol.PermissionRequest) { received <- struct{}{} })

	if _, err := m.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	fc.notifications <- protocol.Notification{
		Type: protocol.NotifyPermissionRequest,
		Permission: &protocol.PermissionRequest{
			RequestID: "req-1",
			Options:   []protocol.PermissionOption{{ID: "allow", Name: "Allow"}},
		},
	}
	<-received

	err := m.RespondPermission(context.Background(), "req-1", "nonsense")
	if !apperrors.IsCode(err, apperrors.CodeApprovalInvalidOption) {
		t.Errorf("error = %v, want %s", err, apperrors.CodeApprovalInvalidOption)
	}

	err = m.RespondPermission(context.Background(), "missing", "allow")
	if !apperrors.IsCode(err, apperrors.CodeApprovalNotFound) {
		t.Errorf("error = %v, want %s", err, apperrors.CodeApprovalNotFound)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	fc := newFakeConn()
	m := New(Config{Credentials: testCreds(), Profile: fastProfile(1), Dial: dialSequence([]*fakeConn{fc}, nil)})

	if _, err := m.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	m.Disconnect()
	m.Disconnect()

	if m.State().Phase != PhaseDisconnected {
		t.Errorf("phase = %s, want disconnected", m.State().Phase)
	}
	if m.SessionID() != "" {
		t.Errorf("session id should be cleared, got %s", m.SessionID())
	}
	if !fc.closed {
		t.Error("underlying connection not closed")
	}
}

func TestUnexpectedCloseDropsToDisconnected(t *testing.T) {
	fc := newFakeConn()
	transitions := make(chan State, 8)
	m := New(Config{
		Credentials:   testCreds(),
		Profile:       fastProfile(1),
		Dial:          dialSequence([]*fakeConn{fc}, nil),
		OnStateChange: func(s State) { transitions <- s },
	})

	if _, err := m.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Simulate the peer dropping the transport.
	fc.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-transitions:
			if s.Phase == PhaseDisconnected {
				if m.SessionID() != "" {
					t.Errorf("session id should be cleared, got %s", m.SessionID())
				}
				return
			}
		case <-deadline:
			t.Fatal("machine never transitioned to disconnected after peer close")
		}
	}
}

func TestConnectCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := New(Config{
		Credentials: testCreds(),
		Profile:     fastProfile(3),
		Dial: func(ctx context.Context, cfg protocol.DialConfig) (protocol.Conn, error) {
			return nil, fmt.Errorf("dial: %w", ctx.Err())
		},
	})

	_, err := m.Connect(ctx, "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	// Cancellation is not a failure; no stale error state remains.
	if m.State().Phase != PhaseDisconnected {
		t.Errorf("phase = %s, want disconnected", m.State().Phase)
	}
}
