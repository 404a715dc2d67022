package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatrelay/domain"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
)

var (
	ErrClosed         = errors.New("websocket: connection closed")
	ErrSendBufferFull = errors.New("websocket: send buffer full")
)

// Options controls keepalive and frame limits. The server pings every
// PingInterval and drops the peer if no pong arrives within PingTimeout.
type Options struct {
	PingInterval   time.Duration
	PingTimeout    time.Duration
	MaxMessageSize int64
	Logger         *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		PingInterval:   2 * time.Second,
		PingTimeout:    10 * time.Second,
		MaxMessageSize: 4096,
	}
}

type Conn struct {
	id      string
	ws      *websocket.Conn
	state   *domain.ConnectionState
	send    chan []byte
	done    chan struct{}
	handler domain.MessageHandler
	opts    Options
	logger  *slog.Logger

	closeOnce sync.Once
}

func NewConn(id string, ws *websocket.Conn, h domain.MessageHandler, opts Options) *Conn {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		id:      id,
		ws:      ws,
		state:   domain.NewConnectionState(),
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
		handler: h,
		opts:    opts,
		logger:  logger.With("connectionId", id),
	}
}

func (c *Conn) ID() string                     { return c.id }
func (c *Conn) State() *domain.ConnectionState { return c.state }

// Send queues data for the write pump. It never blocks; a full buffer is
// reported so the caller can drop the peer.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Conn) Close() error {
	err := ErrClosed
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = c.ws.Close()
	})
	return err
}

// Start announces the connection and runs its pumps. Frames are handled with
// ctx; disconnect cleanup runs even after ctx is canceled.
func (c *Conn) Start(ctx context.Context) {
	c.handler.Connect(c)
	go c.writePump()
	go c.readPump(ctx)
}

func (c *Conn) readPump(ctx context.Context) {
	defer func() {
		_ = c.Close()
		c.handler.Disconnect(context.WithoutCancel(ctx), c)
	}()

	pongWait := c.opts.PingInterval + c.opts.PingTimeout
	c.ws.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Error("read error", "error", err)
			}
			return
		}

		c.handler.Handle(ctx, c, data)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("write error", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
