// Package ws adapts the relay to gorilla websockets: one upgrade per
// connection, a read pump feeding the relay and a write pump draining a
// buffered send channel.
package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/parley/internal/relay"
)

var ErrBackpressure = errors.New("backpressure")

type Controller struct {
	Relay *relay.Relay

	// ReadLimit caps inbound frame size; zero leaves it uncapped.
	// PingPeriod keeps idle sockets alive; zero falls back to 54s.
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewController(r *relay.Relay) *Controller {
	return &Controller{Relay: r}
}

type wsConn struct {
	conn *websocket.Conn
	send chan relay.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(f relay.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *Controller) HandleSocket(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}

	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	conn := &wsConn{
		conn: ws,
		send: make(chan relay.Frame, 32),
	}
	id := ctl.Relay.OnConnect(conn)
	log.Info().Str("module", "ws").Str("conn", string(id)).Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, id, conn)
}
