package stream

import "context"

// Dialer opens a stream to a metrics source.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// Conn is one live stream. Messages yields payloads in arrival order and is
// closed when the stream ends; Err then reports why, or nil after Close.
type Conn interface {
	Messages() <-chan []byte
	Err() error
	Close() error
}

type DialerFunc func(ctx context.Context, endpoint string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, endpoint string) (Conn, error) {
	return f(ctx, endpoint)
}
