package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

var (
	errQueueFull  = errors.New("send queue full")
	errConnClosed = errors.New("connection closed")
)

// conn adapts a WebSocket to room.Conn. Frames are queued and written by a
// single writer goroutine so the room never waits on the network.
type conn struct {
	ws           *websocket.Conn
	out          chan [][]byte
	writeTimeout time.Duration

	closeOnce sync.Once
	closing   chan struct{}
	code      websocket.StatusCode
	reason    string
}

func newConn(ws *websocket.Conn, queueSize int, writeTimeout time.Duration) *conn {
	return &conn{
		ws:           ws,
		out:          make(chan [][]byte, queueSize),
		writeTimeout: writeTimeout,
		closing:      make(chan struct{}),
	}
}

// Send queues frame. It fails once the connection is closing or when the
// queue is full.
func (c *conn) Send(frame []byte) error {
	return c.enqueue([][]byte{frame})
}

// SendBatch queues frames as one queue entry, written back to back.
func (c *conn) SendBatch(frames [][]byte) error {
	if len(frames) == 0 {
		return nil
	}
	return c.enqueue(frames)
}

func (c *conn) enqueue(frames [][]byte) error {
	select {
	case <-c.closing:
		return errConnClosed
	default:
	}
	select {
	case c.out <- frames:
		return nil
	default:
		return errQueueFull
	}
}

// Close asks the writer to flush queued frames and close with code.
func (c *conn) Close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.code = code
		c.reason = reason
		close(c.closing)
	})
}

// writeLoop runs until the connection is closed or a write fails.
func (c *conn) writeLoop(ctx context.Context) {
	for {
		select {
		case frames := <-c.out:
			if err := c.writeAll(ctx, frames); err != nil {
				slog.Debug("write failed", "error", err)
				c.Close(websocket.StatusInternalError, "write failed")
				c.ws.CloseNow()
				return
			}
		case <-c.closing:
			c.flush(ctx)
			c.ws.Close(c.code, c.reason)
			return
		case <-ctx.Done():
			c.ws.CloseNow()
			return
		}
	}
}

func (c *conn) write(ctx context.Context, frame []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return c.ws.Write(writeCtx, websocket.MessageBinary, frame)
}

func (c *conn) writeAll(ctx context.Context, frames [][]byte) error {
	for _, frame := range frames {
		if err := c.write(ctx, frame); err != nil {
			return err
		}
	}
	return nil
}

// flush writes whatever is still queued, giving up at the first error.
func (c *conn) flush(ctx context.Context) {
	for {
		select {
		case frames := <-c.out:
			if err := c.writeAll(ctx, frames); err != nil {
				return
			}
		default:
			return
		}
	}
}
