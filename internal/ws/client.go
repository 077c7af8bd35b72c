package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/pliu/wala/internal/models"
	"github.com/pliu/wala/internal/relay"
)

// Client is one websocket connection. It implements relay.Conn: Send only
// enqueues, and the writer goroutine owns the socket's write side.
type Client struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
	log     zerolog.Logger
}

var _ relay.Conn = (*Client)(nil)

func newClient(h *Hub, conn *websocket.Conn) *Client {
	id := uuid.NewString()
	var limiter *rate.Limiter
	if h.cfg.InboundRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.cfg.InboundRate), h.cfg.InboundBurst)
	}
	return &Client{
		id:      id,
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, h.cfg.SendQueueSize),
		done:    make(chan struct{}),
		limiter: limiter,
		log:     h.log.With().Str("conn_id", id).Logger(),
	}
}

func (c *Client) ID() string { return c.id }

// Send queues p for the writer. A connection whose queue is full is too slow
// to keep up and gets closed.
func (c *Client) Send(p models.Payload) error {
	select {
	case <-c.done:
		return models.ErrTransportClosed
	default:
	}

	data, err := encodeFrame(p)
	if err != nil {
		return err
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return models.ErrTransportClosed
	default:
		c.log.Warn().Str("event", p.EventType()).Msg("send queue full, closing slow connection")
		c.close()
		return fmt.Errorf("%w: send queue full", models.ErrTransportClosed)
	}
}

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

// run drives the connection until the peer goes away, the connection is
// closed locally, or ctx is cancelled. The engine sees the connection for
// exactly the duration of run.
func (c *Client) run(ctx context.Context) {
	defer c.conn.Close()

	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	if err := c.configureKeepalive(); err != nil {
		c.log.Error().Err(err).Msg("error configuring keepalive connection")
		return
	}

	if err := c.hub.engine.Open(c); err != nil {
		c.log.Error().Err(err).Msg("engine rejected connection")
		return
	}
	defer func() {
		// the errgroup context is already cancelled here
		_, _ = c.hub.engine.Dispatch(context.WithoutCancel(ctx), c.id, relay.Disconnect{})
	}()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.closeOnDone(gCtx)
	})
	g.Go(func() error {
		return c.keepalive(gCtx)
	})
	g.Go(func() error {
		return c.writeMessages(gCtx)
	})
	g.Go(func() error {
		return c.readMessages(gCtx)
	})

	err := g.Wait()
	switch {
	case err == nil, errors.Is(err, errLocalClose), errors.Is(err, websocket.ErrCloseSent),
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.log.Debug().Msg("connection closed")
	default:
		c.log.Debug().Err(err).Msg("connection ended with error")
	}
}

var errLocalClose = errors.New("connection closed locally")

// closeOnDone tears the socket down once the client is closed or any other
// routine fails, which unblocks the reader.
func (c *Client) closeOnDone(ctx context.Context) error {
	var err error
	select {
	case <-c.done:
		err = errLocalClose
	case <-ctx.Done():
	}
	c.close()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.hub.cfg.WriteWait))
	_ = c.conn.Close()
	return err
}

func (c *Client) configureKeepalive() error {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait)); err != nil {
		return fmt.Errorf("failed to set the initial read deadline: %w", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	})
	return nil
}

func (c *Client) keepalive(ctx context.Context) error {
	ticker := time.NewTicker(c.hub.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.hub.cfg.WriteWait)); err != nil {
				return fmt.Errorf("error sending ping: %w", err)
			}
		}
	}
}

func (c *Client) writeMessages(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait)); err != nil {
				return fmt.Errorf("failed to set the write deadline: %w", err)
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}
		}
	}
}

// readMessages decodes frames and hands them to the engine. Bad frames and
// rate-limited frames are answered with an error and the connection stays
// open.
func (c *Client) readMessages(ctx context.Context) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}

		ev, err := decodeEvent(data)
		if err != nil {
			c.log.Debug().Err(err).Msg("rejected inbound frame")
			c.reject(models.EventError, err)
			continue
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.reject(relay.ErrorEventType(ev), models.ErrRateLimited)
			continue
		}

		// the engine queues its own replies and rejections
		_, _ = c.hub.engine.Dispatch(ctx, c.id, ev)
	}
}

func (c *Client) reject(eventType string, err error) {
	if sendErr := c.Send(models.NewErrorReply(eventType, err)); sendErr != nil {
		c.log.Debug().Err(sendErr).Msg("could not send rejection")
	}
}
