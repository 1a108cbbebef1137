package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/gigglesninja/senior-design/internal/transport"
	"github.com/gigglesninja/senior-design/internal/util"
)

// establishTimeout bounds the whole offer/answer/ICE exchange.
const establishTimeout = 30 * time.Second

// Options configures the answering side.
type Options struct {
	STUNServers []string
	MaxFrame    int
}

// Handler returns the /rtc endpoint. Each request is upgraded to a
// WebSocket on which the client sends an offer and trickles ICE candidates.
// Once the DataChannel opens the WebSocket is closed and handle runs with
// the peer as the connection, on the request goroutine.
func Handler(ctx context.Context, opts Options, handle func(transport.Conn)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peer, err := Establish(ctx, w, r, opts)
		if err != nil {
			util.LogWarning("rtc signaling with %s failed: %v", r.RemoteAddr, err)
			return
		}
		handle(peer)
	})
}

// Establish executes the full answering-side signaling flow:
//  1. Upgrade the request to a WebSocket
//  2. Create an RTCPeer
//  3. Receive the offer, send the answer, exchange ICE candidates
//  4. Wait for the DataChannel to be ready
//  5. Close the WebSocket
//  6. Return the ready peer
func Establish(ctx context.Context, w http.ResponseWriter, r *http.Request, opts Options) (*transport.RTCPeer, error) {
	// 1. Upgrade.
	wsConn, err := transport.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	defer wsConn.Close()

	// 2. Create the peer.
	peer, err := transport.NewRTCPeer(ctx, opts.STUNServers, opts.MaxFrame)
	if err != nil {
		return nil, fmt.Errorf("create peer: %w", err)
	}
	peer.SetRemoteAddr(r.RemoteAddr)

	// 3. Assemble sender and receiver.
	s := &sender{peer: peer, conn: wsConn}
	rcv := &receiver{peer: peer, conn: wsConn, sender: s}

	peer.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			data, _ := json.Marshal(c.ToJSON())
			// Best effort: the socket may already be closing.
			s.sendCandidate(string(data))
		}
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- rcv.watch() // exits when wsConn is closed (deferred above)
	}()

	timer := time.NewTimer(establishTimeout)
	defer timer.Stop()

	// 4. Wait for result.
	select {
	case <-peer.Ready():
		util.LogDebug("rtc %s: DataChannel established, closing signaling socket", r.RemoteAddr)
		return peer, nil

	case err := <-errCh:
		s.sendError(err.Error())
		peer.Close()
		return nil, fmt.Errorf("signaling failed: %w", err)

	case <-timer.C:
		s.sendError("timeout")
		peer.Close()
		return nil, fmt.Errorf("signaling timed out after %v", establishTimeout)

	case <-ctx.Done():
		peer.Close()
		return nil, ctx.Err()
	}
}
