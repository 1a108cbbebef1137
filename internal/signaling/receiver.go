package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/gigglesninja/senior-design/internal/transport"
)

// errUnexpectedMessage is returned for messages an answering peer never
// expects, such as an answer or a second offer.
var errUnexpectedMessage = errors.New("unexpected signaling message")

// receiver applies the client's offer and trickled ICE candidates.
type receiver struct {
	peer   *transport.RTCPeer
	conn   *websocket.Conn
	sender *sender

	offered bool
}

// watch runs until the WebSocket is closed or the client misbehaves.
func (r *receiver) watch() error {
	for {
		var msg Message
		if err := r.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read signaling message: %w", err)
		}

		switch msg.Type {
		case MsgTypeOffer:
			if r.offered {
				return fmt.Errorf("%w: second offer", errUnexpectedMessage)
			}
			r.offered = true
			if err := r.peer.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeOffer, SDP: msg.SDP,
			}); err != nil {
				return fmt.Errorf("apply offer: %w", err)
			}
			if err := r.sender.sendAnswer(); err != nil {
				return fmt.Errorf("send answer: %w", err)
			}

		case MsgTypeCandidate:
			var init webrtc.ICECandidateInit
			if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
				return fmt.Errorf("parse ICE candidate: %w", err)
			}
			if err := r.peer.AddICECandidate(init); err != nil {
				return err
			}

		default:
			return fmt.Errorf("%w: %q", errUnexpectedMessage, msg.Type)
		}
	}
}
