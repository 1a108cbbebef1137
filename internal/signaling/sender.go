package signaling

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gigglesninja/senior-design/internal/transport"
)

const writeTimeout = 5 * time.Second

// sender serializes outgoing signaling messages to the WebSocket.
type sender struct {
	peer *transport.RTCPeer
	conn *websocket.Conn
	mu   sync.Mutex
}

// send writes a signaling message to the WebSocket, guarded by a mutex.
func (s *sender) send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(msg)
}

// sendAnswer creates an SDP answer, sets it as local description, and sends it.
func (s *sender) sendAnswer() error {
	answer, err := s.peer.CreateAnswer()
	if err != nil {
		return err
	}

	if err := s.peer.SetLocalDescription(answer); err != nil {
		return err
	}

	return s.send(Message{Type: MsgTypeAnswer, SDP: answer.SDP})
}

// sendCandidate sends an ICE candidate message over the WebSocket.
func (s *sender) sendCandidate(candidate string) error {
	return s.send(Message{Type: MsgTypeCandidate, Candidate: candidate})
}

// sendError reports a signaling failure before the socket is closed.
func (s *sender) sendError(reason string) error {
	return s.send(Message{Type: MsgTypeError, Error: reason})
}
