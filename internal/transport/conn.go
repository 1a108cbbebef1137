// Package transport carries encoded envelopes between the server and its
// clients over TCP, QUIC, WebSocket and WebRTC DataChannels.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/gigglesninja/senior-design/internal/protocol"
)

// Kind names the transport a connection arrived on.
type Kind string

const (
	KindTCP  Kind = "tcp"
	KindQUIC Kind = "quic"
	KindWS   Kind = "ws"
	KindRTC  Kind = "rtc"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("transport closed")

// Conn is one client connection that moves whole envelopes. Stream
// transports add length framing underneath; message transports map one
// message to one envelope.
//
// ReadMessage is called from a single goroutine; WriteMessage is only
// called by the connection's Sender. Close unblocks a pending ReadMessage.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(b []byte) error
	Close() error
	RemoteAddr() string
	Kind() Kind
}

// streamConn frames envelopes over a byte stream (TCP socket, QUIC stream).
type streamConn struct {
	kind     Kind
	rw       io.ReadWriter
	closer   func() error
	remote   string
	maxFrame int

	closeOnce sync.Once
	closeErr  error
}

func newStreamConn(kind Kind, rw io.ReadWriter, closer func() error, remote net.Addr, maxFrame int) *streamConn {
	addr := ""
	if remote != nil {
		addr = remote.String()
	}
	return &streamConn{kind: kind, rw: rw, closer: closer, remote: addr, maxFrame: maxFrame}
}

// NewStreamConn wraps an already established net.Conn with length framing.
func NewStreamConn(conn net.Conn, maxFrame int) Conn {
	return newStreamConn(KindTCP, conn, conn.Close, conn.RemoteAddr(), maxFrame)
}

func (c *streamConn) ReadMessage() ([]byte, error) {
	b, err := protocol.ReadFrame(c.rw, c.maxFrame)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (c *streamConn) WriteMessage(b []byte) error {
	if err := protocol.WriteFrame(c.rw, b); err != nil {
		return fmt.Errorf("%s write: %w", c.kind, err)
	}
	return nil
}

func (c *streamConn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.closer() })
	return c.closeErr
}

func (c *streamConn) RemoteAddr() string { return c.remote }
func (c *streamConn) Kind() Kind         { return c.kind }
