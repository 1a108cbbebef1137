package transport

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gigglesninja/senior-design/internal/protocol"
	"github.com/gigglesninja/senior-design/internal/util"
)

// Upgrader is shared by the envelope and signaling websocket endpoints.
var Upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// wsConn carries one envelope per binary websocket message.
type wsConn struct {
	ws       *websocket.Conn
	maxFrame int

	closeOnce sync.Once
	closeErr  error
}

// NewWSConn wraps an upgraded websocket connection.
func NewWSConn(ws *websocket.Conn, maxFrame int) Conn {
	ws.SetReadLimit(int64(maxFrame))
	return &wsConn{ws: ws, maxFrame: maxFrame}
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		typ, b, err := c.ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				return nil, fmt.Errorf("%w: websocket message over %d bytes", protocol.ErrFrameTooLarge, c.maxFrame)
			}
			return nil, err
		}
		if typ == websocket.BinaryMessage {
			return b, nil
		}
		util.LogDebug("ws %s: ignoring non-binary message", c.RemoteAddr())
	}
}

func (c *wsConn) WriteMessage(b []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, b)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *wsConn) RemoteAddr() string { return c.ws.RemoteAddr().String() }
func (c *wsConn) Kind() Kind         { return KindWS }

// WSHandler upgrades requests to websocket envelope connections and runs
// handle for each one on the request goroutine.
func WSHandler(maxFrame int, handle func(Conn)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			util.LogWarning("ws upgrade from %s failed: %v", r.RemoteAddr, err)
			return
		}
		handle(NewWSConn(ws, maxFrame))
	})
}
