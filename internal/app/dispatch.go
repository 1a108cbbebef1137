package app

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/gigglesninja/senior-design/internal/protocol"
	"github.com/gigglesninja/senior-design/internal/session"
	"github.com/gigglesninja/senior-design/internal/transport"
	"github.com/gigglesninja/senior-design/internal/util"
)

// ServeConn runs one client connection until it closes. The calling
// goroutine is the connection's only reader; a second goroutine sends
// keepalives, watches for idleness and closes the connection on shutdown.
//
// Teardown order matters: the session leaves the arena and registry first so
// no tunnel targets it, then queued payloads are flushed, then the transport
// is closed.
func (s *Server) ServeConn(ctx context.Context, conn transport.Conn) {
	id := s.arena.NextID()
	prefix := util.ConnPrefix(id)

	out := transport.NewSender(conn, s.cfg.Session.SendQueue, prefix)
	sess := session.New(ctx, id, string(conn.Kind()), conn.RemoteAddr(), out, s.deps)
	s.arena.Add(sess)
	util.Stats.AddConn()
	util.LogInfo("%s %s connection from %s", prefix, conn.Kind(), conn.RemoteAddr())

	var lastRecv atomic.Int64
	lastRecv.Store(time.Now().UnixNano())

	stop := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		s.watch(ctx, conn, sess, out, &lastRecv, stop)
	}()

	reason := s.readLoop(ctx, conn, sess, out, &lastRecv)

	close(stop)
	<-watchDone
	sess.Close()
	out.Close()
	conn.Close()
	util.Stats.RemoveConn()
	util.LogInfo("%s closed: %s", prefix, reason)
}

// readLoop decodes envelopes and hands them to the session. It returns the
// reason the connection ended.
func (s *Server) readLoop(ctx context.Context, conn transport.Conn, sess *session.Session, out *transport.Sender, lastRecv *atomic.Int64) string {
	prefix := util.ConnPrefix(sess.ConnID())

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrFrameTooLarge):
				fault(prefix, out, err)
				return err.Error()
			case errors.Is(err, io.EOF):
				return "peer closed"
			}
			return "read: " + err.Error()
		}
		lastRecv.Store(time.Now().UnixNano())
		util.Stats.AddRecv(len(data))

		p, err := protocol.Decode(data)
		if err == nil {
			err = sess.Handle(ctx, p)
		}
		if err == nil {
			continue
		}

		if errors.Is(err, protocol.ErrProtocolViolation) {
			fault(prefix, out, err)
		} else if !errors.Is(err, session.ErrClosed) {
			util.LogError("%s %v", prefix, err)
		}
		return err.Error()
	}
}

// fault answers a violation with SERVER_FAULT. Delivery is best effort; the
// connection is closed right after.
func fault(prefix string, out *transport.Sender, err error) {
	util.Stats.AddViolation()
	util.LogWarning("%s %v", prefix, err)
	out.TrySend(&protocol.LoginResponseMsg{
		Code:    protocol.AccessServerFault,
		Message: err.Error(),
	})
}

// watch sends keepalives and closes conn when it goes idle, when the writer
// fails or when the server shuts down. Closing conn ends the read loop.
func (s *Server) watch(ctx context.Context, conn transport.Conn, sess *session.Session, out *transport.Sender, lastRecv *atomic.Int64, stop <-chan struct{}) {
	cfg := s.cfg.Session
	prefix := util.ConnPrefix(sess.ConnID())

	var pingC, idleC <-chan time.Time
	if cfg.KeepaliveInterval > 0 {
		t := time.NewTicker(cfg.KeepaliveInterval)
		defer t.Stop()
		pingC = t.C
	}
	if cfg.IdleTimeout > 0 {
		t := time.NewTicker(idleCheckInterval(cfg.IdleTimeout))
		defer t.Stop()
		idleC = t.C
	}

	for {
		select {
		case <-stop:
			return

		case <-ctx.Done():
			conn.Close()
			return

		case <-out.Done():
			util.LogDebug("%s writer stopped, closing", prefix)
			conn.Close()
			return

		case <-pingC:
			if !sess.Keepalive() {
				util.LogDebug("%s keepalive not queued", prefix)
			}

		case <-idleC:
			idle := time.Since(time.Unix(0, lastRecv.Load()))
			if idle >= cfg.IdleTimeout {
				util.LogWarning("%s idle for %v, closing", prefix, idle.Round(time.Millisecond))
				conn.Close()
				return
			}
		}
	}
}

func idleCheckInterval(timeout time.Duration) time.Duration {
	if d := timeout / 4; d > time.Millisecond {
		return d
	}
	return time.Millisecond
}
