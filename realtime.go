package wishwell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// Envelope is the wire format for all server-pushed events.
type Envelope struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature,omitempty"`
}

// Command is a client-to-server message.
type Command struct {
	Type  string `json:"type"`
	Topic string `json:"topic,omitempty"`
}

// Server event types.
const (
	EventAuthenticated = "authenticated"
	EventAuthError     = "auth-error"
	EventNotification  = "notification"
	EventPledgeUpdate  = "pledge-update"
	EventVoteUpdate    = "vote-update"
)

// AuthErrorPayload accompanies an auth-error event.
type AuthErrorPayload struct {
	Message string `json:"message"`
}

// PledgeUpdatePayload is a topic-scoped pledge delta.
type PledgeUpdatePayload struct {
	WishID        string  `json:"wishId"`
	PledgedAmount float64 `json:"pledgedAmount"`
	PledgerCount  int     `json:"pledgerCount"`
}

// VoteUpdatePayload is a topic-scoped proof vote delta.
type VoteUpdatePayload struct {
	ProofID      string `json:"proofId"`
	VotesFor     int    `json:"votesFor"`
	VotesAgainst int    `json:"votesAgainst"`
}

// ============================================================================
// Channel state and configuration
// ============================================================================

// ChannelState is the realtime connection state.
type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnecting   ChannelState = "connecting"
	StateConnected    ChannelState = "connected"
)

// ErrAuthRejected is returned when the server refuses the credential. The
// channel stops reconnecting; the session layer must re-authenticate.
var ErrAuthRejected = errors.New("realtime: authentication rejected")

// ChannelConfig configures a RealtimeChannel.
type ChannelConfig struct {
	// ReconnectBaseDelay is the first retry delay (default 1s).
	ReconnectBaseDelay time.Duration
	// ReconnectMaxDelay caps the exponential backoff (default 30s).
	ReconnectMaxDelay time.Duration
	// DialTimeout bounds each connection attempt (default 15s).
	DialTimeout time.Duration
	// SigningSecret, when set, requires a valid HMAC signature on every
	// envelope; unsigned or tampered envelopes are dropped.
	SigningSecret string
	// Logf receives connection lifecycle notices.
	Logf func(format string, args ...any)
}

func (c *ChannelConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	attempt     int
	connectedAt time.Time
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeChannel
// ============================================================================

// EventHandler receives server events. Handlers are invoked synchronously in
// stream order for a single topic and must not block.
type EventHandler func(kind string, topic string, payload json.RawMessage)

// RealtimeChannel is a reconnecting streaming client. Authentication happens
// at connect time; joined topics are remembered client-side and re-joined
// transparently after each reconnect. Reconnection retries with capped
// exponential backoff indefinitely, stopping only on explicit Close, auth
// rejection, or an expired session token.
type RealtimeChannel struct {
	baseURL string
	config  ChannelConfig

	mu       sync.Mutex
	state    ChannelState
	token    string
	conn     *websocket.Conn
	topics   map[string]bool
	closed   bool
	cancelFn context.CancelFunc

	recon reconnector

	handlerMu     sync.RWMutex
	handlers      []EventHandler
	stateHandlers []func(ChannelState)
	authHandlers  []func(error)
}

// NewRealtimeChannel creates a channel for the given API origin. Call
// Connect to begin streaming.
func NewRealtimeChannel(baseURL string, config *ChannelConfig) *RealtimeChannel {
	var cfg ChannelConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &RealtimeChannel{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  cfg,
		state:   StateDisconnected,
		topics:  make(map[string]bool),
		recon:   reconnector{baseDelay: cfg.ReconnectBaseDelay, maxDelay: cfg.ReconnectMaxDelay},
	}
}

// OnEvent registers the event callback surface.
func (rc *RealtimeChannel) OnEvent(h EventHandler) {
	rc.handlerMu.Lock()
	rc.handlers = append(rc.handlers, h)
	rc.handlerMu.Unlock()
}

// OnStateChange registers a handler for connection state transitions.
func (rc *RealtimeChannel) OnStateChange(h func(ChannelState)) {
	rc.handlerMu.Lock()
	rc.stateHandlers = append(rc.stateHandlers, h)
	rc.handlerMu.Unlock()
}

// OnAuthError registers a handler invoked when the server rejects the
// credential and reconnection stops.
func (rc *RealtimeChannel) OnAuthError(h func(error)) {
	rc.handlerMu.Lock()
	rc.authHandlers = append(rc.authHandlers, h)
	rc.handlerMu.Unlock()
}

// State returns the current connection state.
func (rc *RealtimeChannel) State() ChannelState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

func (rc *RealtimeChannel) setState(s ChannelState) {
	rc.mu.Lock()
	if rc.state == s {
		rc.mu.Unlock()
		return
	}
	rc.state = s
	rc.mu.Unlock()

	rc.handlerMu.RLock()
	handlers := append([]func(ChannelState){}, rc.stateHandlers...)
	rc.handlerMu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(s)
		}()
	}
}

// Subscribe joins a topic. Idempotent; the topic is remembered and
// re-joined after every reconnect.
func (rc *RealtimeChannel) Subscribe(ctx context.Context, topic string) error {
	rc.mu.Lock()
	if rc.topics[topic] {
		rc.mu.Unlock()
		return nil
	}
	rc.topics[topic] = true
	conn := rc.conn
	rc.mu.Unlock()

	if conn == nil {
		return nil // joined on next connect
	}
	return rc.send(ctx, conn, &Command{Type: "join", Topic: topic})
}

// Unsubscribe leaves a topic. Idempotent.
func (rc *RealtimeChannel) Unsubscribe(ctx context.Context, topic string) error {
	rc.mu.Lock()
	if !rc.topics[topic] {
		rc.mu.Unlock()
		return nil
	}
	delete(rc.topics, topic)
	conn := rc.conn
	rc.mu.Unlock()

	if conn == nil {
		return nil
	}
	return rc.send(ctx, conn, &Command{Type: "leave", Topic: topic})
}

// Topics returns the remembered topic set.
func (rc *RealtimeChannel) Topics() []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]string, 0, len(rc.topics))
	for t := range rc.topics {
		out = append(out, t)
	}
	return out
}

// Connect authenticates and starts the stream. A failed attempt schedules a
// reconnect internally; Connect returns the first attempt's error so callers
// can distinguish auth rejection from transient failure.
func (rc *RealtimeChannel) Connect(ctx context.Context, authToken string) error {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return errors.New("realtime: channel closed")
	}
	if rc.state != StateDisconnected {
		rc.mu.Unlock()
		return nil
	}
	rc.token = authToken
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rc.cancelFn = cancel
	rc.mu.Unlock()

	err := rc.dial(runCtx)
	if err != nil {
		if errors.Is(err, ErrAuthRejected) {
			rc.emitAuthError(err)
			return err
		}
		go rc.reconnectLoop(runCtx)
		return err
	}
	return nil
}

// Close tears the channel down permanently, e.g. on logout.
func (rc *RealtimeChannel) Close() error {
	rc.mu.Lock()
	rc.closed = true
	if rc.cancelFn != nil {
		rc.cancelFn()
		rc.cancelFn = nil
	}
	conn := rc.conn
	rc.conn = nil
	rc.mu.Unlock()

	rc.setState(StateDisconnected)
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client close")
	}
	return nil
}

// dial performs one connection attempt: websocket dial, auth handshake,
// topic re-join, then hands off to the read loop.
func (rc *RealtimeChannel) dial(ctx context.Context) error {
	rc.setState(StateConnecting)

	rc.mu.Lock()
	token := rc.token
	rc.mu.Unlock()

	if expired, err := tokenExpired(token); err == nil && expired {
		rc.setState(StateDisconnected)
		return fmt.Errorf("%w: session token expired", ErrAuthRejected)
	}

	wsURL := strings.Replace(rc.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/stream?token=" + token

	dialCtx, cancel := context.WithTimeout(ctx, rc.config.DialTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		rc.setState(StateDisconnected)
		if resp != nil && (resp.StatusCode == 401 || resp.StatusCode == 403) {
			return fmt.Errorf("%w: HTTP %d", ErrAuthRejected, resp.StatusCode)
		}
		return fmt.Errorf("realtime dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	// First frame must be the auth acknowledgment.
	readCtx, cancelRead := context.WithTimeout(ctx, rc.config.DialTimeout)
	_, data, err := conn.Read(readCtx)
	cancelRead()
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		rc.setState(StateDisconnected)
		return fmt.Errorf("realtime auth handshake: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		rc.setState(StateDisconnected)
		return fmt.Errorf("realtime auth handshake: %w", err)
	}
	switch env.Type {
	case EventAuthenticated:
	case EventAuthError:
		conn.Close(websocket.StatusNormalClosure, "")
		rc.setState(StateDisconnected)
		var p AuthErrorPayload
		json.Unmarshal(env.Payload, &p)
		return fmt.Errorf("%w: %s", ErrAuthRejected, p.Message)
	default:
		conn.Close(websocket.StatusNormalClosure, "")
		rc.setState(StateDisconnected)
		return fmt.Errorf("realtime auth handshake: expected %q, got %q", EventAuthenticated, env.Type)
	}

	rc.mu.Lock()
	rc.conn = conn
	topics := make([]string, 0, len(rc.topics))
	for t := range rc.topics {
		topics = append(topics, t)
	}
	rc.mu.Unlock()

	// Re-join remembered topics so reconnects are transparent to callers.
	for _, t := range topics {
		if err := rc.send(ctx, conn, &Command{Type: "join", Topic: t}); err != nil {
			rc.logf("realtime rejoin %q failed: %v", t, err)
		}
	}

	rc.recon.markConnected()
	rc.setState(StateConnected)

	go rc.readLoop(ctx, conn)
	return nil
}

func (rc *RealtimeChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rc.mu.Lock()
			closed := rc.closed
			if rc.conn == conn {
				rc.conn = nil
			}
			rc.mu.Unlock()

			rc.setState(StateDisconnected)
			if closed || ctx.Err() != nil {
				return
			}
			rc.logf("realtime stream lost: %v", err)
			rc.reconnectLoop(ctx)
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		if env.Type == EventAuthError {
			// Credential revoked mid-session. Stop retrying.
			var p AuthErrorPayload
			json.Unmarshal(env.Payload, &p)
			rc.mu.Lock()
			rc.closed = true
			rc.conn = nil
			rc.mu.Unlock()
			conn.Close(websocket.StatusNormalClosure, "auth rejected")
			rc.setState(StateDisconnected)
			rc.emitAuthError(fmt.Errorf("%w: %s", ErrAuthRejected, p.Message))
			return
		}
		if rc.config.SigningSecret != "" {
			if !VerifyEventSignature(env.Payload, env.Signature, rc.config.SigningSecret) {
				rc.logf("realtime: dropping %s event with bad signature", env.Type)
				continue
			}
		}
		rc.dispatch(&env)
	}
}

// dispatch invokes handlers synchronously so per-topic ordering matches
// server emission order.
func (rc *RealtimeChannel) dispatch(env *Envelope) {
	rc.handlerMu.RLock()
	handlers := append([]EventHandler{}, rc.handlers...)
	rc.handlerMu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(env.Type, env.Topic, env.Payload)
		}()
	}
}

func (rc *RealtimeChannel) reconnectLoop(ctx context.Context) {
	for {
		delay := rc.recon.nextDelay()
		rc.logf("realtime: reconnecting in %s", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		rc.mu.Lock()
		closed := rc.closed
		rc.mu.Unlock()
		if closed {
			return
		}

		err := rc.dial(ctx)
		if err == nil {
			return
		}
		if errors.Is(err, ErrAuthRejected) {
			rc.mu.Lock()
			rc.closed = true
			rc.mu.Unlock()
			rc.emitAuthError(err)
			return
		}
		rc.logf("realtime: reconnect failed: %v", err)
	}
}

func (rc *RealtimeChannel) send(ctx context.Context, conn *websocket.Conn, cmd *Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (rc *RealtimeChannel) emitAuthError(err error) {
	rc.handlerMu.RLock()
	handlers := append([]func(error){}, rc.authHandlers...)
	rc.handlerMu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }()
			h(err)
		}()
	}
}

func (rc *RealtimeChannel) logf(format string, args ...any) {
	if rc.config.Logf != nil {
		rc.config.Logf(format, args...)
	}
}
