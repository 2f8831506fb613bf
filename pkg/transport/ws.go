package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a WebSocket to the byte stream the receive loop expects. A
// read deadline on a gorilla connection is fatal, so messages are pumped by a
// goroutine and Read applies the deadline itself.
type wsConn struct {
	ws   *websocket.Conn
	msgs chan []byte
	done chan struct{}

	readErr error // set by pump before msgs is closed
	pending []byte

	mu       sync.Mutex
	deadline time.Time

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func dialWebsocket(ctx context.Context, address string, timeout time.Duration) (*wsConn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	ws, resp, err := dialer.DialContext(ctx, address, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return newWSConn(ws), nil
}

func newWSConn(ws *websocket.Conn) *wsConn {
	c := &wsConn{
		ws:   ws,
		msgs: make(chan []byte),
		done: make(chan struct{}),
	}
	go c.pump()
	return c
}

func (c *wsConn) pump() {
	defer close(c.msgs)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}
		if len(data) == 0 {
			continue
		}
		if data[len(data)-1] != frameDelimiter {
			data = append(data, frameDelimiter)
		}
		select {
		case c.msgs <- data:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) Read(p []byte) (int, error) {
	if len(c.pending) == 0 {
		c.mu.Lock()
		deadline := c.deadline
		c.mu.Unlock()

		var timeout <-chan time.Time
		if !deadline.IsZero() {
			wait := time.Until(deadline)
			if wait <= 0 {
				return 0, os.ErrDeadlineExceeded
			}
			t := time.NewTimer(wait)
			defer t.Stop()
			timeout = t.C
		}

		select {
		case data, ok := <-c.msgs:
			if !ok {
				return 0, c.closeErr()
			}
			c.pending = data
		case <-timeout:
			return 0, os.ErrDeadlineExceeded
		case <-c.done:
			return 0, net.ErrClosed
		}
	}

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *wsConn) closeErr() error {
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	if websocket.IsCloseError(c.readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return io.EOF
	}
	return c.readErr
}

// Write sends p as one text message, without its trailing delimiter.
func (c *wsConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, bytes.TrimSuffix(p, []byte{frameDelimiter})); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *wsConn) Close() error {
	err := net.ErrClosed
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
