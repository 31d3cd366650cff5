package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/retry"
	"meshcall/pkg/tracing"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Envelope is the frame exchanged with the relay.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ClientConfig struct {
	URL              string
	Token            string
	PingInterval     time.Duration
	PongTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	Reconnect        retry.Config
}

func DefaultClientConfig(rawURL string) ClientConfig {
	reconnect := retry.DefaultConfig()
	reconnect.MaxAttempts = -1
	reconnect.InitialDelay = 500 * time.Millisecond
	reconnect.MaxDelay = 10 * time.Second
	return ClientConfig{
		URL:              rawURL,
		PingInterval:     25 * time.Second,
		PongTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		Reconnect:        reconnect,
	}
}

type subscription struct {
	id      uint64
	handler ports.SignalHandler
}

// WebSocketClient is the client side of the signaling channel. Messages sent
// while disconnected are dropped. Inbound events are dispatched in arrival
// order on the read goroutine.
type WebSocketClient struct {
	cfg     ClientConfig
	logger  *zap.SugaredLogger
	metrics ports.CallMetrics

	mu   sync.RWMutex
	conn *websocket.Conn

	// gorilla allows one concurrent writer
	writeMu sync.Mutex

	handlersMu   sync.RWMutex
	handlers     map[string][]subscription
	nextID       uint64
	connHandlers []func(connected bool)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ ports.SignalingTransport = (*WebSocketClient)(nil)

func NewWebSocketClient(cfg ClientConfig, logger *zap.SugaredLogger, metrics ports.CallMetrics) *WebSocketClient {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketClient{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		handlers: make(map[string][]subscription),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect dials the relay, retrying with backoff, and keeps the connection
// alive until Close. Unexpected disconnects trigger reconnection.
func (c *WebSocketClient) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.setConn(conn)

	c.wg.Add(1)
	go c.run(conn)
	return nil
}

func (c *WebSocketClient) Close() error {
	c.cancel()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		deadline := time.Now().Add(c.cfg.WriteTimeout)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"), deadline)
		conn.Close()
	}
	c.wg.Wait()
	return nil
}

func (c *WebSocketClient) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

func (c *WebSocketClient) Send(ctx context.Context, event string, payload interface{}) error {
	ctx, span := tracing.TraceSignaling(ctx, event, "outbound")
	defer span.End()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		c.metrics.SignalingDropped(event)
		c.logger.Warnw("signaling disconnected, dropping message", "event", event)
		tracing.RecordError(ctx, domain.ErrSignalingDisconnected)
		return domain.ErrSignalingDisconnected
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	err = conn.WriteJSON(Envelope{Event: event, Data: data})
	c.writeMu.Unlock()
	if err != nil {
		c.metrics.SignalingDropped(event)
		c.logger.Warnw("failed to send signaling message", "event", event, "error", err)
		tracing.RecordError(ctx, err)
		return fmt.Errorf("%w: %v", domain.ErrSignalingDisconnected, err)
	}

	c.metrics.SignalingMessage("outbound", event)
	c.logger.Debugw("signaling message sent", "event", event)
	return nil
}

func (c *WebSocketClient) Subscribe(event string, handler ports.SignalHandler) func() {
	c.handlersMu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers[event] = append(c.handlers[event], subscription{id: id, handler: handler})
	c.handlersMu.Unlock()

	return func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()
		subs := c.handlers[event]
		for i, s := range subs {
			if s.id == id {
				c.handlers[event] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

func (c *WebSocketClient) OnConnectionChange(handler func(connected bool)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.connHandlers = append(c.connHandlers, handler)
}

func (c *WebSocketClient) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid signaling url: %w", err)
	}
	if c.cfg.Token != "" {
		q := target.Query()
		q.Set("token", c.cfg.Token)
		target.RawQuery = q.Encode()
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	reconnect := c.cfg.Reconnect
	reconnect.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.logger.Warnw("signaling dial failed, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}

	return retry.RetryWithResult(ctx, reconnect, func() (*websocket.Conn, error) {
		conn, resp, err := dialer.DialContext(ctx, target.String(), nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

func (c *WebSocketClient) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	changed := (c.conn == nil) != (conn == nil)
	c.conn = conn
	c.mu.Unlock()
	if !changed {
		return
	}

	connected := conn != nil
	c.logger.Infow("signaling connection changed", "connected", connected)

	c.handlersMu.RLock()
	handlers := append([]func(bool){}, c.connHandlers...)
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h(connected)
	}
}

func (c *WebSocketClient) run(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		err := c.serve(conn)
		conn.Close()
		c.setConn(nil)

		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warnw("signaling connection lost, reconnecting", "error", err)

		conn, err = c.dial(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Errorw("signaling reconnect gave up", "error", err)
			}
			return
		}
		c.setConn(conn)
	}
}

// serve pumps one connection until it fails.
func (c *WebSocketClient) serve(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go c.ping(conn, done)

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				c.logger.Warnw("malformed signaling frame", "error", err)
				continue
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		c.dispatch(env)
	}
}

func (c *WebSocketClient) ping(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.ctx.Done():
			conn.Close()
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debugw("signaling ping failed", "error", err)
				conn.Close()
				return
			}
		}
	}
}

func (c *WebSocketClient) dispatch(env Envelope) {
	if env.Event == "" {
		c.logger.Warnw("signaling frame without event name")
		return
	}

	c.handlersMu.RLock()
	subs := append([]subscription(nil), c.handlers[env.Event]...)
	c.handlersMu.RUnlock()

	c.metrics.SignalingMessage("inbound", env.Event)
	if len(subs) == 0 {
		c.logger.Debugw("no handler for signaling event", "event", env.Event)
		return
	}

	ctx, span := tracing.TraceSignaling(c.ctx, env.Event, "inbound")
	defer span.End()
	for _, s := range subs {
		s.handler(ctx, env.Data)
	}
}
