package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-tutor/backend/internal/observability"
)

// Options 配置 WebSocket 实时连接。
type Options struct {
	URL              string
	Header           map[string]string
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	MaxRetries       int
	RetryDelay       time.Duration
	EventBuffer      int
}

// DefaultOptions 默认连接选项
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     20 * time.Second,
		MaxRetries:       3,
		RetryDelay:       time.Second,
		EventBuffer:      64,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = d.HandshakeTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = d.ReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = d.EventBuffer
	}
	return o
}

// WebSocketClient speaks JSON events over a websocket. Audio is sent as
// binary frames.
type WebSocketClient struct {
	opts   Options
	logger *slog.Logger

	events chan Event
	done   chan struct{}

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closeOnce sync.Once

	writeMu sync.Mutex
}

// NewWebSocketClient builds an unconnected client.
func NewWebSocketClient(opts Options, logger *slog.Logger) *WebSocketClient {
	opts = opts.withDefaults()
	if logger == nil {
		logger = observability.Component("realtime")
	}
	return &WebSocketClient{
		opts:   opts,
		logger: logger,
		events: make(chan Event, opts.EventBuffer),
		done:   make(chan struct{}),
	}
}

// Events implements Client.
func (c *WebSocketClient) Events() <-chan Event {
	return c.events
}

// Connect 建立连接（带重试），并启动读循环与 ping 循环。
func (c *WebSocketClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := c.connectWithRetry(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		_ = conn.Close()
		return ErrNotConnected
	default:
	}
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.pingLoop(conn)
	return nil
}

func (c *WebSocketClient) connectWithRetry(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	for i := 0; i < c.opts.MaxRetries; i++ {
		conn, err := c.dial(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("realtime dial failed", "attempt", i+1, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(i+1) * c.opts.RetryDelay):
		}
	}
	return nil, fmt.Errorf("failed to connect after %d retries, last error: %w", c.opts.MaxRetries, lastErr)
}

func (c *WebSocketClient) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}

	header := http.Header{}
	for k, v := range c.opts.Header {
		header.Set(k, v)
	}

	conn, _, err := dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	})
	return conn, nil
}

// readLoop 按到达顺序投递事件；远端关闭时投递 closed 事件并关闭通道。
func (c *WebSocketClient) readLoop(conn *websocket.Conn) {
	defer close(c.events)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				// Disconnect 主动关闭，不再上报。
			default:
				c.logger.Info("realtime connection closed", "error", err)
				c.deliver(Event{Type: EventClosed, Error: err.Error(), At: time.Now()})
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))

		if msgType != websocket.TextMessage {
			continue
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("discarding undecodable realtime event", "error", err)
			continue
		}
		if ev.At.IsZero() {
			ev.At = time.Now()
		}
		if !c.deliver(ev) {
			return
		}
	}
}

// deliver blocks while the buffer is full so ordering is preserved; it gives
// up once the client is disconnected.
func (c *WebSocketClient) deliver(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *WebSocketClient) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Warn("realtime ping failed", "error", err)
				_ = conn.Close()
				return
			}
		}
	}
}

// SendAudio writes one binary audio frame.
func (c *WebSocketClient) SendAudio(ctx context.Context, chunk []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}

	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		return fmt.Errorf("send audio: %w", err)
	}
	return nil
}

// Disconnect closes the connection. Safe to call more than once.
func (c *WebSocketClient) Disconnect(_ context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			// 从未连接：读循环不存在，由这里关闭事件通道。
			close(c.events)
			return
		}

		c.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
		c.writeMu.Unlock()
		err = conn.Close()
	})
	return err
}
