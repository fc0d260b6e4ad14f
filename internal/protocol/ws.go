package protocol

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	apperrors "github.com/agentlink/client/internal/errors"
)

const (
	// writeWait bounds a single frame write on slow connections.
	writeWait = 10 * time.Second

	// pongWait is how long the connection may go silent before it is
	// considered dead. Pings go out at a third of this.
	pongWait   = 60 * time.Second
	pingPeriod = 20 * time.Second

	// maxMessageSize caps inbound frames. Tool output is chunked by hosts,
	// so a single frame should never approach this.
	maxMessageSize = 1 << 20
)

// ClientName and ClientVersion identify this client in the handshake.
var (
	ClientName    = "agentlink"
	ClientVersion = "dev"
)

// DialConfig describes how to open one protocol connection.
type DialConfig struct {
	// URL is the endpoint address (https://, wss://, or ws:// for tests).
	URL string

	// AuthToken, if non-empty, is sent as a Bearer Authorization header.
	// An empty token sends no Authorization header at all.
	AuthToken string

	// ClientID and ClientSecret, if both non-empty, are sent as gateway
	// auth headers. Empty values send no headers.
	ClientID     string
	ClientSecret string

	// TLS is the trust policy's TLS configuration. Nil means default trust.
	TLS *tls.Config

	// HandshakeTimeout bounds the WebSocket upgrade. Zero means 30s.
	HandshakeTimeout time.Duration
}

// WSConn is the WebSocket implementation of Conn.
//
// One goroutine (readPump) owns all reads; writes are serialized with a
// mutex since gorilla/websocket allows at most one concurrent writer.
// Request/response correlation uses envelope ids: each in-flight request
// registers a one-shot channel that readPump completes.
type WSConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	inflight  map[string]chan *Envelope
	closed    bool
	closeErr  error
	closeOnce sync.Once

	notifications chan Notification
}

// Dial opens a WebSocket connection per the config. The protocol handshake
// is separate: call Connect on the returned WSConn before anything else.
func Dial(ctx context.Context, cfg DialConfig) (*WSConn, error) {
	wsEndpoint, err := wsURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: timeout,
		TLSClientConfig:  cfg.TLS,
	}

	// Auth headers are attached only when present; an empty Authorization
	// header would be rejected by gateways as malformed.
	header := http.Header{}
	if cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}
	if cfg.ClientID != "" && cfg.ClientSecret != "" {
		header.Set("X-Client-Id", cfg.ClientID)
		header.Set("X-Client-Secret", cfg.ClientSecret)
	}

	conn, resp, err := dialer.DialContext(ctx, wsEndpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", wsEndpoint, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", wsEndpoint, err)
	}

	c := &WSConn{
		conn:          conn,
		inflight:      make(map[string]chan *Envelope),
		notifications: make(chan Notification, 64),
	}

	go c.readPump()
	go c.pingLoop()

	return c, nil
}

// wsURL converts an endpoint URL to its WebSocket equivalent and appends
// the protocol path.
func wsURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("invalid endpoint scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

// Connect performs the protocol handshake.
func (c *WSConn) Connect(ctx context.Context) (*HostInfo, error) {
	resp, err := c.request(ctx, MessageTypeConnect, ConnectPayload{
		Client:  ClientName,
		Version: ClientVersion,
	})
	if err != nil {
		return nil, err
	}

	var info HostInfo
	if err := json.Unmarshal(resp.Payload, &info); err != nil {
		return nil, fmt.Errorf("decode handshake response: %w", err)
	}

	log.Printf("protocol: connected to %q (resume=%v)", info.Name, info.Capabilities.SessionResume)
	return &info, nil
}

// CreateSession starts a new protocol session.
func (c *WSConn) CreateSession(ctx context.Context, workingDir string, servers []string) (string, error) {
	resp, err := c.request(ctx, MessageTypeSessionCreate, SessionCreatePayload{
		WorkingDir: workingDir,
		Servers:    servers,
	})
	if err != nil {
		return "", apperrors.SessionCreateFailed(err)
	}

	var created SessionCreatedPayload
	if err := json.Unmarshal(resp.Payload, &created); err != nil {
		return "", apperrors.SessionCreateFailed(err)
	}
	if created.SessionID == "" {
		return "", apperrors.SessionCreateFailed(fmt.Errorf("host returned empty session id"))
	}

	return created.SessionID, nil
}

// LoadSession resumes a previously created session.
func (c *WSConn) LoadSession(ctx context.Context, sessionID, workingDir string, servers []string) error {
	_, err := c.request(ctx, MessageTypeSessionLoad, SessionLoadPayload{
		SessionID:  sessionID,
		WorkingDir: workingDir,
		Servers:    servers,
	})
	if err != nil {
		return apperrors.SessionResumeFailed(sessionID, err)
	}
	return nil
}

// Prompt submits content and blocks until the host reports the exchange
// complete. Streamed chunks for the exchange arrive on Notifications
// concurrently.
func (c *WSConn) Prompt(ctx context.Context, sessionID, content string) (StopReason, error) {
	resp, err := c.request(ctx, MessageTypePrompt, PromptPayload{
		SessionID: sessionID,
		Content:   content,
	})
	if err != nil {
		return "", apperrors.SessionPromptFailed(err)
	}

	var done PromptDonePayload
	if err := json.Unmarshal(resp.Payload, &done); err != nil {
		return "", apperrors.SessionPromptFailed(err)
	}
	return done.StopReason, nil
}

// Notifications returns the inbound event stream.
func (c *WSConn) Notifications() <-chan Notification {
	return c.notifications
}

// RespondPermission answers a permission request. This is a one-way write;
// the effect shows up as the suspended host-side call resuming.
func (c *WSConn) RespondPermission(ctx context.Context, requestID, optionID string) error {
	return c.write(Envelope{
		Type:    MessageTypePermissionResponse,
		Payload: mustMarshal(PermissionResponsePayload{RequestID: requestID, OptionID: optionID}),
	})
}

// Close tears the connection down. Safe to call multiple times.
func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		c.closeErr = c.conn.Close()
		c.failInflight()
	})
	return c.closeErr
}

// request sends an envelope with a fresh id and blocks until the correlated
// response arrives, the context is cancelled, or the connection dies.
func (c *WSConn) request(ctx context.Context, typ MessageType, payload interface{}) (*Envelope, error) {
	id := uuid.New().String()

	ch := make(chan *Envelope, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, apperrors.ConnectionClosed(nil)
	}
	c.inflight[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, id)
		c.mu.Unlock()
	}()

	if err := c.write(Envelope{Type: typ, ID: id, Payload: mustMarshal(payload)}); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, apperrors.ConnectionClosed(nil)
		}
		if resp.Type == MessageTypeError {
			var errPayload ErrorPayload
			if err := json.Unmarshal(resp.Payload, &errPayload); err == nil && errPayload.Code != "" {
				return nil, apperrors.New(errPayload.Code, errPayload.Message)
			}
			return nil, fmt.Errorf("host error for %s", typ)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// write serializes one envelope onto the wire.
func (c *WSConn) write(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return apperrors.ConnectionClosed(err)
	}
	return nil
}

// readPump owns all reads. Correlated envelopes complete their in-flight
// request; everything else is decoded into a Notification. The pump exits
// on the first read error, failing in-flight requests and closing the
// notification channel so consumers observe the disconnect.
func (c *WSConn) readPump() {
	defer func() {
		c.failInflight()
		close(c.notifications)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure) {
				log.Printf("protocol: read error: %v", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("protocol: dropping malformed frame: %v", err)
			continue
		}

		if env.ID != "" {
			c.mu.Lock()
			ch, ok := c.inflight[env.ID]
			c.mu.Unlock()
			if ok {
				envCopy := env
				select {
				case ch <- &envCopy:
				default:
				}
				continue
			}
			// A response for a request that already gave up (context
			// cancelled). Nothing to do with it.
			continue
		}

		if n, ok := decodeNotification(&env); ok {
			select {
			case c.notifications <- n:
			default:
				// Consumer is not keeping up. Dropping stream chunks is
				// preferable to stalling the read pump and timing out the
				// whole connection.
				log.Printf("protocol: notification buffer full, dropping %s", env.Type)
			}
		}
	}
}

// decodeNotification maps an uncorrelated envelope to a Notification.
func decodeNotification(env *Envelope) (Notification, bool) {
	switch NotificationType(env.Type) {
	case NotifyMessageChunk:
		var p MessageChunk
		if json.Unmarshal(env.Payload, &p) == nil {
			return Notification{Type: NotifyMessageChunk, Message: &p}, true
		}
	case NotifyThoughtChunk:
		var p ThoughtChunk
		if json.Unmarshal(env.Payload, &p) == nil {
			return Notification{Type: NotifyThoughtChunk, Thought: &p}, true
		}
	case NotifyToolCall:
		var p ToolCall
		if json.Unmarshal(env.Payload, &p) == nil {
			return Notification{Type: NotifyToolCall, ToolCall: &p}, true
		}
	case NotifyToolCallUpdate:
		var p ToolCallUpdate
		if json.Unmarshal(env.Payload, &p) == nil {
			return Notification{Type: NotifyToolCallUpdate, ToolUpdate: &p}, true
		}
	case NotifyPermissionRequest:
		var p PermissionRequest
		if json.Unmarshal(env.Payload, &p) == nil {
			return Notification{Type: NotifyPermissionRequest, Permission: &p}, true
		}
	}

	if MessageType(env.Type) != MessageTypeHeartbeat {
		log.Printf("protocol: ignoring unknown message type %q", env.Type)
	}
	return Notification{}, false
}

// pingLoop keeps the connection alive. Exits when a write fails, which
// happens shortly after the connection is closed from either side.
func (c *WSConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for range ticker.C {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := c.conn.WriteMessage(websocket.PingMessage, nil)
		c.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// failInflight closes every pending request channel, causing waiters to
// observe a connection-closed error. Also flips the closed flag so new
// requests fail fast.
func (c *WSConn) failInflight() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.inflight {
		close(ch)
		delete(c.inflight, id)
	}
}

// mustMarshal serializes a payload that cannot fail to marshal (all payload
// types are plain structs). A failure here is a programming error.
func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal payload: %v", err))
	}
	return data
}

var _ Conn = (*WSConn)(nil)
