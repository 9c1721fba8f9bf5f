package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const writeTimeout = 10 * time.Second

// wsConn adapts a websocket to the quiz.Connection capability. The write
// mutex keeps frames whole when the broadcast goroutines and a handler write
// concurrently.
type wsConn struct {
	mu   sync.Mutex
	sock *websocket.Conn
}

func newWSConn(sock *websocket.Conn) *wsConn {
	return &wsConn{sock: sock}
}

func (c *wsConn) Send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock.Write(ctx, websocket.MessageText, data)
}

// Close tears the socket down without a close handshake. The handshake can
// block for seconds on a peer that isn't reading, which would stall session
// teardown and the heartbeat sweep; peers that should know why are told via
// an application message before Close is called.
func (c *wsConn) Close(reason string) error {
	return c.sock.CloseNow()
}
