package stream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
)

// ErrStreamEnded is reported when the source finishes a gRPC stream on its own.
var ErrStreamEnded = errors.New("metrics stream ended by source")

// jsonCodec hands raw payload bytes through untouched so that malformed
// payloads reach Decode instead of failing the stream.
type jsonCodec struct{}

func (jsonCodec) Name() string {
	return "json"
}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	if raw, ok := v.([]byte); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if raw, ok := v.(*[]byte); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	return json.Unmarshal(data, v)
}

type SubscribeFrame struct {
	ClientID      string `json:"client_id"`
	TimestampUnix int64  `json:"timestamp_unix"`
}

type GRPCDialer struct {
	logger      *slog.Logger
	tlsConfig   *tls.Config
	token       string
	method      string
	clientID    string
	dialTimeout time.Duration
	bufferSize  int
	extraOpts   []grpc.DialOption
}

func NewGRPCDialer(tlsCfg *tls.Config, token, method, clientID string, dialTimeout time.Duration, bufferSize int, logger *slog.Logger, opts ...grpc.DialOption) *GRPCDialer {
	encoding.RegisterCodec(jsonCodec{})
	if dialTimeout <= 0 {
		dialTimeout = 8 * time.Second
	}
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &GRPCDialer{
		logger:      logger,
		tlsConfig:   tlsCfg,
		token:       token,
		method:      method,
		clientID:    clientID,
		dialTimeout: dialTimeout,
		bufferSize:  bufferSize,
		extraOpts:   opts,
	}
}

func (d *GRPCDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
	defer cancel()

	var creds credentials.TransportCredentials
	if d.tlsConfig != nil {
		creds = credentials.NewTLS(d.tlsConfig)
	} else {
		creds = insecure.NewCredentials()
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
	}, d.extraOpts...)

	cc, err := grpc.DialContext(dialCtx, addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}

	streamCtx, streamCancel := context.WithCancel(d.decorateContext())
	s, err := cc.NewStream(streamCtx, &grpc.StreamDesc{ServerStreams: true}, d.method)
	if err != nil {
		streamCancel()
		_ = cc.Close()
		return nil, fmt.Errorf("open metrics stream %s: %w", d.method, err)
	}
	if err := s.SendMsg(SubscribeFrame{ClientID: d.clientID, TimestampUnix: time.Now().UTC().Unix()}); err != nil {
		streamCancel()
		_ = cc.Close()
		return nil, fmt.Errorf("send subscribe frame: %w", err)
	}
	if err := s.CloseSend(); err != nil {
		streamCancel()
		_ = cc.Close()
		return nil, fmt.Errorf("close subscribe side: %w", err)
	}

	c := &grpcConn{
		cc:     cc,
		stream: s,
		addr:   addr,
		cancel: streamCancel,
		out:    make(chan []byte, d.bufferSize),
	}
	go c.recvLoop(streamCtx)
	d.logger.Info("grpc stream connected", "addr", addr, "method", d.method, "client_id", d.clientID)
	return c, nil
}

func (d *GRPCDialer) decorateContext() context.Context {
	out := context.Background()
	if d.token != "" {
		out = metadata.AppendToOutgoingContext(out, "authorization", "Bearer "+d.token)
	}
	return out
}

type grpcConn struct {
	cc     *grpc.ClientConn
	stream grpc.ClientStream
	addr   string
	cancel context.CancelFunc
	out    chan []byte

	mu     sync.Mutex
	err    error
	closed bool
	once   sync.Once
}

func (c *grpcConn) Messages() <-chan []byte {
	return c.out
}

func (c *grpcConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *grpcConn) Close() error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()
		err = c.cc.Close()
	})
	return err
}

func (c *grpcConn) recvLoop(ctx context.Context) {
	defer close(c.out)
	for {
		var payload []byte
		if err := c.stream.RecvMsg(&payload); err != nil {
			c.finish(err)
			return
		}
		select {
		case c.out <- payload:
		case <-ctx.Done():
			c.finish(ctx.Err())
			return
		}
	}
}

func (c *grpcConn) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if errors.Is(err, io.EOF) {
		err = ErrStreamEnded
	}
	c.err = fmt.Errorf("grpc recv %s: %w", c.addr, err)
	c.closed = true
	c.cancel()
}
