package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/gigglesninja/senior-design/internal/util"
)

// ListenTCP accepts length-framed connections on addr and hands each one to
// handle in its own goroutine. It blocks until ctx is cancelled. ready, if
// non-nil, receives the bound address once the listener is up.
func ListenTCP(ctx context.Context, addr string, maxFrame int, ready func(net.Addr), handle func(Conn)) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	// Close the listener when context is done so Accept() returns an error.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	if ready != nil {
		ready(listener.Addr())
	}
	util.LogInfo("tcp listener started on %s", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil // normal shutdown
			default:
				return fmt.Errorf("accept error: %w", err)
			}
		}

		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
		go handle(NewStreamConn(conn, maxFrame))
	}
}
