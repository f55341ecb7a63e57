package conat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Websocket keepalive tuning, shared by server and client ends.
const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsReadLimit  = 8 << 20
)

// wsConn adapts a websocket connection to the frame transport.
// Gorilla permits one concurrent writer, so writes are serialised
// here; control pings share the same lock via Ping.
type wsConn struct {
	c       *websocket.Conn
	writeMu sync.Mutex
}

func newWSConn(c *websocket.Conn) *wsConn {
	c.SetReadLimit(wsReadLimit)
	c.SetReadDeadline(time.Now().Add(wsPongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	return &wsConn{c: c}
}

func (w *wsConn) ReadFrame() (Frame, error) {
	var f Frame
	if err := w.c.ReadJSON(&f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (w *wsConn) WriteFrame(f Frame) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.c.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.c.WriteJSON(f)
}

// Ping sends a websocket-level ping so the read side's pong handler
// keeps the connection's deadline fresh.
func (w *wsConn) Ping() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.c.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (w *wsConn) Close() error {
	return w.c.Close()
}

// pinger is implemented by transports that need periodic keepalive
// probes. The in-process pipe does not.
type pinger interface {
	Ping() error
}
