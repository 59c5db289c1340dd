package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/user/mcdock/internal/console"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
	readLimit    = 32768
)

var (
	ErrSlowConsumer = fmt.Errorf("%w: send queue full", console.ErrSubscriberGone)
	ErrClientClosed = fmt.Errorf("%w: connection closed", console.ErrSubscriberGone)
)

// Client is one websocket connection watching one workload console.
type Client struct {
	id      string
	conn    *websocket.Conn
	session *console.Session
	logger  *slog.Logger

	send chan console.OutputMessage

	done        chan struct{}
	closeOnce   sync.Once
	closeReason string
}

var _ console.Subscriber = (*Client)(nil)

func newClient(conn *websocket.Conn, session *console.Session, buffer int, logger *slog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:      id,
		conn:    conn,
		session: session,
		logger:  logger.With("client", id),
		send:    make(chan console.OutputMessage, buffer),
		done:    make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

// Send queues msg for the write pump. It never blocks: a full queue is
// reported as ErrSlowConsumer.
func (c *Client) Send(msg console.OutputMessage) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Close asks the write pump to close the connection and returns at once.
func (c *Client) Close(reason string) error {
	c.closeOnce.Do(func() {
		c.closeReason = reason
		close(c.done)
	})
	return nil
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// readPump forwards each text frame to the workload as one input line. It
// returns when the connection fails or ctx ends.
func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(readLimit)

	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil && !c.closed() {
				c.logger.Debug("console read ended", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			c.logger.Debug("rejecting non-text console frame", "type", typ)
			c.conn.Close(websocket.StatusUnsupportedData, "console input must be text")
			return
		}

		err = c.session.SendInbound(string(data))
		switch {
		case err == nil:
		case errors.Is(err, console.ErrChannelNotAttached), errors.Is(err, console.ErrChannelIO):
			if err := c.Send(notStarted()); err != nil {
				c.logger.Debug("queue not-started notice", "error", err)
			}
		default:
			c.logger.Warn("console input dropped", "error", err)
		}
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			c.conn.Close(websocket.StatusGoingAway, c.closeReason)
			return
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				c.conn.Close(websocket.StatusInternalError, "ping failed")
				return
			}
		case msg := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.conn, msg)
			cancel()
			if err != nil {
				c.logger.Debug("console write failed", "error", err)
				c.conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}
