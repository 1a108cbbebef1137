package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/gigglesninja/senior-design/internal/protocol"
	"github.com/gigglesninja/senior-design/internal/util"
)

const (
	highWaterMark = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark  = 64 * 1024  // resume sending when bufferedAmount drops below this
	rtcInboxSize  = 64         // inbound message channel capacity
)

// RTCPeer wraps a single PeerConnection + DataChannel pair. It exposes the
// signaling steps of the answering side and, once the channel is open,
// behaves as a Conn.
//
// Its lifecycle is governed by the DataChannel state and the context passed
// at construction time.
type RTCPeer struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	maxFrame    int
	inbox       chan []byte
	openSignal  chan struct{}
	drainSignal chan struct{}
	remote      string

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

var _ Conn = (*RTCPeer)(nil)

// NewRTCPeer creates a PeerConnection and the pre-negotiated envelope
// channel. The caller drives signaling (SetRemoteDescription, CreateAnswer,
// ...) and waits on Ready before handing the peer to a session.
func NewRTCPeer(ctx context.Context, stunServers []string, maxFrame int) (*RTCPeer, error) {
	pc, err := newPeerConnection(stunServers)
	if err != nil {
		return nil, err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	pCtx, pCancel := context.WithCancel(ctx)

	p := &RTCPeer{
		pc:          pc,
		dc:          dc,
		maxFrame:    maxFrame,
		inbox:       make(chan []byte, rtcInboxSize),
		openSignal:  make(chan struct{}),
		drainSignal: make(chan struct{}, 1),
		ctx:         pCtx,
		cancel:      pCancel,
	}

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(p.openSignal) })
	})

	// DC close → cancel peer context.
	dc.OnClose(func() {
		util.LogDebug("DataChannel closed")
		pCancel()
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			pCancel()
		}
	})

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case p.drainSignal <- struct{}{}:
		default:
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			return
		}
		select {
		case p.inbox <- msg.Data:
		case <-pCtx.Done():
		}
	})

	return p, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready returns a channel that is closed when the DataChannel is open.
func (p *RTCPeer) Ready() <-chan struct{} { return p.openSignal }

// Done returns a channel that is closed when the peer is shut down.
func (p *RTCPeer) Done() <-chan struct{} { return p.ctx.Done() }

// Close shuts down the DataChannel and PeerConnection.
func (p *RTCPeer) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		p.closeErr = errors.Join(p.dc.Close(), p.pc.Close())
	})
	return p.closeErr
}

// SetRemoteAddr records the signaling peer address for logging.
func (p *RTCPeer) SetRemoteAddr(addr string) { p.remote = addr }

func (p *RTCPeer) RemoteAddr() string { return p.remote }
func (p *RTCPeer) Kind() Kind         { return KindRTC }

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateAnswer generates an SDP answer.
func (p *RTCPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP.
func (p *RTCPeer) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (p *RTCPeer) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers a callback invoked whenever a new local ICE
// candidate is gathered. A nil candidate signals the end of gathering.
func (p *RTCPeer) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(fn)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (p *RTCPeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// ReadMessage returns the next inbound envelope.
func (p *RTCPeer) ReadMessage() ([]byte, error) {
	select {
	case b := <-p.inbox:
		if len(b) > p.maxFrame {
			return nil, fmt.Errorf("%w: datachannel message of %d bytes", protocol.ErrFrameTooLarge, len(b))
		}
		return b, nil
	case <-p.ctx.Done():
		return nil, ErrClosed
	}
}

// WriteMessage sends one envelope, waiting for the DataChannel buffer to
// drain below the low water mark when it is over the high one.
func (p *RTCPeer) WriteMessage(b []byte) error {
	select {
	case <-p.openSignal:
	case <-p.ctx.Done():
		return ErrClosed
	}

	if p.dc.BufferedAmount() > uint64(highWaterMark) {
		select {
		case <-p.drainSignal:
		case <-p.ctx.Done():
			return ErrClosed
		}
	}
	return p.dc.Send(b)
}
