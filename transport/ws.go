package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

// Frame type discriminators on the wire.
const (
	frameMessage  = "message"
	frameStatus   = "status"
	framePresence = "presence"
	frameTyping   = "typing"
)

// Outbound command types.
const (
	cmdDeliveryAck = "delivery.ack"
	cmdTypingSet   = "typing.set"
)

// envelope is the wire format shared by inbound frames and outbound
// commands.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// WSConfig configures a WSTransport.
type WSConfig struct {
	// URL is the server base URL; http(s) schemes are rewritten to
	// ws(s) before dialing.
	URL string

	// Token is appended to the dial URL for authentication.
	Token string

	// ReconnectBaseDelay and ReconnectMaxDelay bound the jittered
	// exponential backoff between reconnect attempts.
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration

	// MaxReconnectAttempts caps consecutive failed reconnects before
	// the transport gives up. Zero means retry forever.
	MaxReconnectAttempts int
}

func (c *WSConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
}

// reconnector tracks backoff state across reconnect attempts. A
// connection that held for over a minute resets the attempt counter so
// a brief blip does not inherit a long delay.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
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

// WSTransport is the WebSocket implementation of Push. It decodes
// typed frames from JSON envelopes, dispatches them to the registered
// callbacks from its read goroutine, and reconnects with jittered
// exponential backoff when the connection drops.
type WSTransport struct {
	config WSConfig
	recon  reconnector

	mu         sync.Mutex
	conn       *websocket.Conn
	cancel     context.CancelFunc
	closed     bool
	onMessage  func(MessageFrame)
	onStatus   func(StatusFrame)
	onPresence func(PresenceFrame)
	onTyping   func(TypingFrame)
}

// NewWSTransport creates a WebSocket transport. Connect must be called
// before any frames are delivered.
func NewWSTransport(config WSConfig) *WSTransport {
	config.defaults()
	return &WSTransport{
		config: config,
		recon: reconnector{
			baseDelay:   config.ReconnectBaseDelay,
			maxDelay:    config.ReconnectMaxDelay,
			maxAttempts: config.MaxReconnectAttempts,
		},
	}
}

// OnMessage registers the inbound-message callback.
func (t *WSTransport) OnMessage(fn func(MessageFrame)) {
	t.mu.Lock()
	t.onMessage = fn
	t.mu.Unlock()
}

// OnStatus registers the delivery-status callback.
func (t *WSTransport) OnStatus(fn func(StatusFrame)) {
	t.mu.Lock()
	t.onStatus = fn
	t.mu.Unlock()
}

// OnPresence registers the presence callback.
func (t *WSTransport) OnPresence(fn func(PresenceFrame)) {
	t.mu.Lock()
	t.onPresence = fn
	t.mu.Unlock()
}

// OnTyping registers the typing-indicator callback.
func (t *WSTransport) OnTyping(fn func(TypingFrame)) {
	t.mu.Lock()
	t.onTyping = fn
	t.mu.Unlock()
}

// Connect dials the server and starts the read loop. On a later
// connection drop the transport reconnects on its own.
func (t *WSTransport) Connect(ctx context.Context) error {
	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"url":      t.config.URL,
	}).Info("connecting push transport")

	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	t.closed = false
	t.mu.Unlock()

	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.conn = conn
	t.cancel = cancel
	t.mu.Unlock()
	t.recon.markConnected()

	go t.readLoop(loopCtx, conn)
	return nil
}

func (t *WSTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL := strings.Replace(t.config.URL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	if t.config.Token != "" {
		wsURL += "?token=" + t.config.Token
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

// Close shuts the transport down. It is safe to call more than once.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client shutdown")
	}
	return nil
}

// AckDelivery sends a delivery acknowledgment for a received message.
func (t *WSTransport) AckDelivery(ctx context.Context, messageID string) error {
	return t.send(ctx, cmdDeliveryAck, map[string]string{"messageId": messageID})
}

// SetTyping publishes this client's typing state for a chat.
func (t *WSTransport) SetTyping(ctx context.Context, chatID string, typing bool) error {
	return t.send(ctx, cmdTypingSet, map[string]interface{}{
		"chatId": chatID,
		"typing": typing,
	})
}

func (t *WSTransport) send(ctx context.Context, cmdType string, payload interface{}) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", cmdType, err)
	}
	data, err := json.Marshal(envelope{Type: cmdType, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (t *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			if t.conn == conn {
				t.conn = nil
			}
			t.mu.Unlock()

			if closed || ctx.Err() != nil {
				return
			}

			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"error":    err,
			}).Warn("push connection lost")
			t.reconnectLoop(ctx)
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"error":    err,
			}).Warn("discarding malformed frame")
			continue
		}
		t.dispatch(env)
	}
}

func (t *WSTransport) dispatch(env envelope) {
	t.mu.Lock()
	onMessage := t.onMessage
	onStatus := t.onStatus
	onPresence := t.onPresence
	onTyping := t.onTyping
	t.mu.Unlock()

	switch env.Type {
	case frameMessage:
		var f MessageFrame
		if json.Unmarshal(env.Payload, &f) == nil && onMessage != nil {
			onMessage(f)
		}
	case frameStatus:
		var f StatusFrame
		if json.Unmarshal(env.Payload, &f) == nil && onStatus != nil {
			onStatus(f)
		}
	case framePresence:
		var f PresenceFrame
		if json.Unmarshal(env.Payload, &f) == nil && onPresence != nil {
			onPresence(f)
		}
	case frameTyping:
		var f TypingFrame
		if json.Unmarshal(env.Payload, &f) == nil && onTyping != nil {
			onTyping(f)
		}
	default:
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"type":     env.Type,
		}).Debug("ignoring unknown frame type")
	}
}

func (t *WSTransport) reconnectLoop(ctx context.Context) {
	for t.recon.shouldReconnect() {
		delay := t.recon.nextDelay()
		logrus.WithFields(logrus.Fields{
			"function": "reconnectLoop",
			"attempt":  t.recon.attempt,
			"delay":    delay,
		}).Info("scheduling push reconnect")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		conn, err := t.dial(ctx)
		if err != nil {
			continue
		}

		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()
		t.recon.markConnected()

		go t.readLoop(ctx, conn)
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "reconnectLoop",
	}).Error("push reconnect attempts exhausted")
}
