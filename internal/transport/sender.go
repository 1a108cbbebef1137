package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gigglesninja/senior-design/internal/protocol"
	"github.com/gigglesninja/senior-design/internal/util"
)

// drainTimeout bounds how long Close waits for queued envelopes to flush.
const drainTimeout = 2 * time.Second

// Sender is the single writer of a Conn. The session's dispatcher, the
// keepalive loop and tunnel pumps all enqueue payloads here; one goroutine
// encodes and writes them in FIFO order.
type Sender struct {
	conn   Conn
	prefix string

	inbox     chan protocol.Payload
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewSender creates a Sender with a bounded queue and starts its loop.
func NewSender(conn Conn, queueSize int, prefix string) *Sender {
	s := &Sender{
		conn:   conn,
		prefix: prefix,
		inbox:  make(chan protocol.Payload, queueSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

// loop is the single-writer goroutine. On quit it flushes whatever is
// already queued, then exits.
func (s *Sender) loop() {
	defer close(s.done)

	for {
		select {
		case p := <-s.inbox:
			if !s.write(p) {
				return
			}
		case <-s.quit:
			for {
				select {
				case p := <-s.inbox:
					if !s.write(p) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Sender) write(p protocol.Payload) bool {
	data, err := protocol.Encode(p)
	if err != nil {
		util.LogError("%s failed to encode %s: %v", s.prefix, p.Tag(), err)
		return true
	}
	if err := s.conn.WriteMessage(data); err != nil {
		util.LogDebug("%s write %s failed: %v", s.prefix, p.Tag(), err)
		return false
	}
	util.Stats.AddSent(len(data))
	return true
}

// Send enqueues a payload, blocking while the queue is full. It returns
// ErrClosed once the sender has stopped and ctx.Err() on cancellation.
func (s *Sender) Send(ctx context.Context, p protocol.Payload) error {
	select {
	case <-s.quit:
		return ErrClosed
	case <-s.done:
		return ErrClosed
	default:
	}

	select {
	case s.inbox <- p:
		return nil
	case <-s.done:
		return ErrClosed
	case <-s.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend enqueues a payload without blocking. It reports false when the
// queue is full or the sender has stopped.
func (s *Sender) TrySend(p protocol.Payload) bool {
	select {
	case <-s.quit:
		return false
	case <-s.done:
		return false
	default:
	}

	select {
	case s.inbox <- p:
		return true
	default:
		return false
	}
}

// Close stops accepting payloads and waits, up to a short deadline, for the
// queue to flush. It does not close the Conn.
func (s *Sender) Close() {
	s.closeOnce.Do(func() { close(s.quit) })

	select {
	case <-s.done:
	case <-time.After(drainTimeout):
		util.LogDebug("%s send queue did not drain in %v", s.prefix, drainTimeout)
	}
}

// Done is closed when the writer goroutine has exited, either after Close
// or because a write failed.
func (s *Sender) Done() <-chan struct{} { return s.done }

// Pipe returns two connected in-memory stream Conns.
func Pipe(maxFrame int) (Conn, Conn) {
	a, b := net.Pipe()
	return NewStreamConn(a, maxFrame), NewStreamConn(b, maxFrame)
}
