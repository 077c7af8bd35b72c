package ws

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pliu/wala/internal/models"
	"github.com/pliu/wala/internal/relay"
)

// Engine is the part of the relay the transport drives.
type Engine interface {
	Open(relay.Conn) error
	Dispatch(ctx context.Context, connID string, ev relay.Event) (models.Payload, error)
}

// Hub upgrades HTTP requests to websocket clients and tracks them until they
// go away.
type Hub struct {
	engine   Engine
	cfg      Config
	log      zerolog.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	clients map[string]*Client
}

func NewHub(engine Engine, cfg Config, log zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		engine:  engine,
		cfg:     cfg,
		log:     log.With().Str("component", "websocket-hub").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[string]*Client),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ServeWs(h, w, r)
}

// ServeWs upgrades the request and runs the client until it disconnects.
func ServeWs(h *Hub, w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.ctx.Done():
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the error response
		h.log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	client := newClient(h, conn)
	h.mu.Lock()
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client.id] = client
	h.wg.Add(1)
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, client.id)
		h.mu.Unlock()
		h.wg.Done()
	}()

	client.log.Debug().Str("remote_addr", r.RemoteAddr).Msg("websocket connection established")
	client.run(h.ctx)
}

// Len returns the number of live clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown closes every client and waits for them to finish, or for ctx to
// expire. Hijacked connections are not covered by http.Server.Shutdown.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.cancel()
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info().Msg("all websocket clients closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	h.log.Warn().Str("origin", origin).Msg("rejected websocket origin")
	return false
}
