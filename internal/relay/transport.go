package relay

import (
	"context"
	"net"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// ChunkSize bounds a single read from a stream transport.
const ChunkSize = 4096

// Transport is a duplex byte channel to a relay. WriteFrame is called by one
// writer at a time; ReadChunk by one reader at a time.
type Transport interface {
	ReadChunk() ([]byte, error)
	WriteFrame(b []byte) error
	Close() error
	RemoteAddr() string
}

// Dialer opens a Transport to a relay address ("host:port").
type Dialer interface {
	Dial(ctx context.Context, addr string) (Transport, error)
}

// TCPDialer dials relays over plain TCP.
type TCPDialer struct{}

func (TCPDialer) Dial(ctx context.Context, addr string) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewStreamTransport(conn), nil
}

// WebSocketDialer dials relays at ws://addr/Path. Each frame is one text message.
type WebSocketDialer struct {
	Path string
}

func (d WebSocketDialer) Dial(ctx context.Context, addr string) (Transport, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: d.Path}
	dialer := *websocket.DefaultDialer
	if deadline, ok := ctx.Deadline(); ok {
		dialer.HandshakeTimeout = time.Until(deadline)
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketTransport(conn), nil
}

type streamTransport struct {
	conn net.Conn
	buf  []byte
}

// NewStreamTransport wraps a stream connection. Reads return whatever chunk
// the connection delivers; writes are single conn.Write calls.
func NewStreamTransport(conn net.Conn) Transport {
	return &streamTransport{conn: conn, buf: make([]byte, ChunkSize)}
}

func (t *streamTransport) ReadChunk() ([]byte, error) {
	n, err := t.conn.Read(t.buf)
	if n == 0 {
		return nil, err
	}
	return append([]byte(nil), t.buf[:n]...), err
}

func (t *streamTransport) WriteFrame(b []byte) error {
	_, err := t.conn.Write(b)
	return err
}

func (t *streamTransport) Close() error { return t.conn.Close() }

func (t *streamTransport) RemoteAddr() string { return t.conn.RemoteAddr().String() }

type wsTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps a websocket connection; one message is one chunk.
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadChunk() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteFrame(b []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, b)
}

func (t *wsTransport) Close() error { return t.conn.Close() }

func (t *wsTransport) RemoteAddr() string { return t.conn.RemoteAddr().String() }
