package stream

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

type WebSocketDialer struct {
	logger       *slog.Logger
	token        string
	tlsConfig    *tls.Config
	dialTimeout  time.Duration
	pingInterval time.Duration
	readLimit    int64
	bufferSize   int
}

func NewWebSocketDialer(token string, tlsCfg *tls.Config, dialTimeout, pingInterval time.Duration, readLimit int64, bufferSize int, logger *slog.Logger) *WebSocketDialer {
	if dialTimeout <= 0 {
		dialTimeout = 8 * time.Second
	}
	if pingInterval <= 0 {
		pingInterval = 10 * time.Second
	}
	if readLimit <= 0 {
		readLimit = 1 << 20
	}
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &WebSocketDialer{
		logger:       logger,
		token:        token,
		tlsConfig:    tlsCfg,
		dialTimeout:  dialTimeout,
		pingInterval: pingInterval,
		readLimit:    readLimit,
		bufferSize:   bufferSize,
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	h := http.Header{}
	if d.token != "" {
		h.Set("Authorization", "Bearer "+d.token)
	}
	opt := &websocket.DialOptions{HTTPHeader: h}
	if d.tlsConfig != nil {
		opt.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: d.tlsConfig}}
	}
	dialCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, endpoint, opt)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", endpoint, err)
	}
	conn.SetReadLimit(d.readLimit)

	runCtx, runCancel := context.WithCancel(context.Background())
	c := &wsConn{
		conn:     conn,
		endpoint: endpoint,
		logger:   d.logger,
		out:      make(chan []byte, d.bufferSize),
		cancel:   runCancel,
	}
	go c.readLoop(runCtx)
	go c.pingLoop(runCtx, d.pingInterval)
	d.logger.Info("websocket stream connected", "url", endpoint)
	return c, nil
}

type wsConn struct {
	conn     *websocket.Conn
	endpoint string
	logger   *slog.Logger
	out      chan []byte
	cancel   context.CancelFunc

	mu     sync.Mutex
	err    error
	closed bool
	once   sync.Once
}

func (c *wsConn) Messages() <-chan []byte {
	return c.out
}

func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		ended := c.closed
		c.closed = true
		c.mu.Unlock()
		if ended {
			// the peer is gone or unresponsive; nobody will answer a close handshake
			_ = c.conn.CloseNow()
			c.cancel()
			return
		}
		err = c.conn.Close(websocket.StatusNormalClosure, "shutdown")
		c.cancel()
	})
	return err
}

func (c *wsConn) readLoop(ctx context.Context) {
	defer close(c.out)
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			c.finish("read", err)
			return
		}
		if typ != websocket.MessageText {
			c.logger.Debug("ignoring non-text websocket frame", "url", c.endpoint, "type", typ.String())
			continue
		}
		select {
		case c.out <- data:
		case <-ctx.Done():
			c.finish("read", ctx.Err())
			return
		}
	}
}

// finish records why the stream ended unless it was closed locally, and
// reports whether it did.
func (c *wsConn) finish(op string, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.err = fmt.Errorf("websocket %s %s: %w", op, c.endpoint, err)
	c.closed = true
	c.cancel()
	return true
}

func (c *wsConn) pingLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, min(interval, 3*time.Second))
			err := c.conn.Ping(pingCtx)
			pingCancel()
			if err == nil {
				continue
			}
			if c.finish("ping", err) {
				c.logger.Warn("websocket peer stopped answering pings", "url", c.endpoint, "error", err)
				_ = c.conn.CloseNow()
			}
			return
		}
	}
}
