// Package relay is the connection and session relay engine. It owns
// connection lifecycle, session-key issuance, message authentication and
// routing, presence, and the admin telemetry feed.
//
// Every mutation of shared state happens under Engine.mu. Sends to
// connections only enqueue, so no network I/O happens under the lock; writes
// to the durable store are made after it is released.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pliu/wala/internal/crypto"
	"github.com/pliu/wala/internal/keys"
	"github.com/pliu/wala/internal/messagelog"
	"github.com/pliu/wala/internal/metrics"
	"github.com/pliu/wala/internal/models"
	"github.com/pliu/wala/internal/session"
	"github.com/pliu/wala/internal/store"
)

const DefaultRecentMessages = 50

// Conn is a live bidirectional channel. Send must not block; it returns
// models.ErrTransportClosed once the channel is gone.
type Conn interface {
	ID() string
	Send(models.Payload) error
}

type Metrics interface {
	ActiveConnections(n int)
	OnlineUsers(n int)
	MessageRelayed(broadcast bool, deliveries int)
	Rejected(code string)
	KeyRotated(ok bool)
	StoreError()
}

type connState int

const (
	stateUnbound connState = iota
	stateRegistered
	stateAdmin
)

type connection struct {
	conn     Conn
	state    connState
	username string
}

type Engine struct {
	mu       sync.Mutex
	conns    map[string]*connection
	admins   *telemetry
	registry *session.Registry
	messages *messagelog.Log
	keys     *keys.Authority

	store          store.Store
	metrics        Metrics
	log            zerolog.Logger
	recentMessages int
	now            func() time.Time
	started        time.Time
}

type Option func(*Engine)

// WithStore writes users and messages through to s.
func WithStore(s store.Store) Option {
	return func(e *Engine) { e.store = s }
}

func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithRecentMessages caps the message list in admin snapshots.
func WithRecentMessages(n int) Option {
	return func(e *Engine) { e.recentMessages = n }
}

func withClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(authority *keys.Authority, registry *session.Registry, messages *messagelog.Log, opts ...Option) *Engine {
	e := &Engine{
		conns:          make(map[string]*connection),
		registry:       registry,
		messages:       messages,
		keys:           authority,
		metrics:        metrics.NewNoopCollector(),
		log:            zerolog.Nop(),
		recentMessages: DefaultRecentMessages,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With().Str("component", "relay").Logger()
	e.admins = newTelemetry(e.log)
	e.started = e.now()
	return e
}

// Restore loads users and messages from the durable store, if one is set.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	users, err := e.store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}
	msgs, err := e.store.ListMessages(ctx)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}

	e.mu.Lock()
	e.registry.Restore(users)
	e.messages.Restore(msgs)
	e.mu.Unlock()

	e.log.Info().Int("users", len(users)).Int("messages", len(msgs)).Msg("restored state from store")
	return nil
}

// Open registers a new connection and announces the current relay public
// key to it.
func (e *Engine) Open(c Conn) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.conns[c.ID()]; ok {
		return fmt.Errorf("connection %s already open", c.ID())
	}
	e.conns[c.ID()] = &connection{conn: c}
	e.metrics.ActiveConnections(len(e.conns))

	e.send(c, e.announcement(e.keys.Current()))
	e.publishStatus()

	e.log.Debug().Str("conn_id", c.ID()).Msg("connection opened")
	return nil
}

// Close is the terminal transition for a connection. It is safe to call more
// than once.
func (e *Engine) Close(ctx context.Context, connID string) {
	e.mu.Lock()
	c, ok := e.conns[connID]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.conns, connID)
	e.admins.remove(connID)
	e.metrics.ActiveConnections(len(e.conns))

	username, wentOffline := e.registry.MarkOffline(connID)
	if wentOffline {
		e.publishPresence()
	} else {
		e.publishStatus()
	}
	e.mu.Unlock()

	e.log.Debug().Str("conn_id", connID).Str("username", c.username).Msg("connection closed")
	if wentOffline {
		e.persist("mark user offline", func() error {
			return e.store.SetUserOnline(ctx, username, false)
		})
	}
}

// Dispatch runs one inbound event for connID and returns the reply. Replies
// are also queued to the connection by the operation itself, ahead of any
// pushes it triggers; rejections are queued here. Disconnect has no reply.
func (e *Engine) Dispatch(ctx context.Context, connID string, ev Event) (models.Payload, error) {
	var (
		reply models.Payload
		err   error
	)
	switch ev := ev.(type) {
	case Register:
		reply, err = e.Register(ctx, connID, ev.Username, ev.ClientPublicKey)
	case AdminLogin:
		reply, err = e.AdminLogin(connID, ev.Password)
	case SendMessage:
		reply, err = e.SubmitMessage(ctx, connID, ev)
	case GetHistory:
		reply, err = e.History(connID)
	case GetAdminSnapshot:
		reply, err = e.AdminSnapshot(connID)
	case Disconnect:
		e.Close(ctx, connID)
		return nil, nil
	default:
		err = fmt.Errorf("unsupported event %T", ev)
	}
	if err != nil {
		e.metrics.Rejected(models.ErrorCode(err))
		e.reply(connID, models.NewErrorReply(ErrorEventType(ev), err))
		return nil, err
	}
	return reply, nil
}

func (e *Engine) reply(connID string, p models.Payload) {
	e.mu.Lock()
	c, ok := e.conns[connID]
	e.mu.Unlock()
	if !ok {
		return
	}
	e.send(c.conn, p)
}

// Register binds the connection to username and issues a session key,
// wrapped for the client's box key under the current relay keypair.
func (e *Engine) Register(ctx context.Context, connID, username, clientPublicKey string) (models.RegisterOK, error) {
	e.mu.Lock()
	c, err := e.connection(connID)
	if err != nil {
		e.mu.Unlock()
		return models.RegisterOK{}, err
	}
	if c.state != stateUnbound {
		e.mu.Unlock()
		return models.RegisterOK{}, models.ErrAlreadyBound
	}

	user, err := e.registry.Register(username, clientPublicKey, connID)
	if err != nil {
		e.mu.Unlock()
		return models.RegisterOK{}, err
	}

	kp := e.keys.Current()
	reply, err := wrapSessionKey(user, kp)
	if err != nil {
		e.registry.MarkOffline(connID)
		e.mu.Unlock()
		return models.RegisterOK{}, err
	}

	c.state = stateRegistered
	c.username = user.Username
	e.send(c.conn, reply)
	e.publishPresence()
	e.mu.Unlock()

	e.log.Info().Str("conn_id", connID).Str("username", user.Username).Msg("user registered")
	e.persist("save user", func() error {
		return e.store.SaveUser(ctx, user)
	})
	return reply, nil
}

func wrapSessionKey(user models.User, kp keys.KeyPair) (models.RegisterOK, error) {
	ck, err := crypto.ParseClientKey(user.PublicKey)
	if err != nil {
		return models.RegisterOK{}, fmt.Errorf("%w: %v", models.ErrInvalidPublicKey, err)
	}
	wrapped, err := crypto.WrapKey(user.SessionKey, &ck.BoxKey, kp.Private)
	if err != nil {
		return models.RegisterOK{}, fmt.Errorf("wrap session key: %w", err)
	}
	return models.RegisterOK{
		SessionKey:     wrapped,
		RelayPublicKey: kp.PublicKey(),
		Message:        "Registration successful",
	}, nil
}

// AdminLogin flags the connection as an admin subscriber. The password check
// runs outside the lock; if the connection closed or bound meanwhile, the
// result is discarded.
func (e *Engine) AdminLogin(connID, password string) (models.AdminLoginOK, error) {
	e.mu.Lock()
	c, err := e.connection(connID)
	if err == nil && c.state != stateUnbound {
		err = models.ErrAlreadyBound
	}
	e.mu.Unlock()
	if err != nil {
		return models.AdminLoginOK{}, err
	}

	if err := e.registry.AuthenticateAdmin(password); err != nil {
		e.log.Warn().Str("conn_id", connID).Msg("admin login rejected")
		return models.AdminLoginOK{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	c, err = e.connection(connID)
	if err != nil {
		return models.AdminLoginOK{}, err
	}
	if c.state != stateUnbound {
		return models.AdminLoginOK{}, models.ErrAlreadyBound
	}
	c.state = stateAdmin
	e.admins.add(c.conn)
	e.send(c.conn, models.AdminLoginOK{})
	e.send(c.conn, models.SystemStatus(e.stats()))

	e.log.Info().Str("conn_id", connID).Msg("admin authenticated")
	return models.AdminLoginOK{}, nil
}

// SubmitMessage authenticates, stores and routes a message from a registered
// connection.
func (e *Engine) SubmitMessage(ctx context.Context, connID string, req SendMessage) (models.MessageAck, error) {
	e.mu.Lock()
	c, err := e.connection(connID)
	if err != nil {
		e.mu.Unlock()
		return models.MessageAck{}, err
	}
	if c.state != stateRegistered {
		e.mu.Unlock()
		return models.MessageAck{}, models.ErrUnauthenticated
	}
	if req.Recipient == "" {
		e.mu.Unlock()
		return models.MessageAck{}, models.ErrInvalidRecipient
	}

	plaintext, err := e.authenticate(c.username, req)
	if err != nil {
		e.mu.Unlock()
		return models.MessageAck{}, err
	}

	msg := e.messages.Append(c.username, req.Recipient, req.Ciphertext, req.Signature, e.now())
	targets := deliveryTargets(e.registry.OnlineConnections(), connID, req.Recipient)
	delivered := models.DeliveredMessage{Message: msg, Plaintext: string(plaintext)}
	for _, id := range targets {
		if t, ok := e.conns[id]; ok {
			e.send(t.conn, delivered)
		}
	}
	e.admins.publish(models.MessageLogged{
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Timestamp: msg.Timestamp,
	})
	ack := models.MessageAck{ID: msg.ID}
	e.send(c.conn, ack)
	e.metrics.MessageRelayed(msg.IsBroadcast(), len(targets))
	e.mu.Unlock()

	e.log.Debug().Int64("id", msg.ID).Str("sender", msg.Sender).Str("recipient", msg.Recipient).Msg("message relayed")
	e.persist("save message", func() error {
		return e.store.SaveMessage(ctx, msg)
	})
	return ack, nil
}

// authenticate decrypts the ciphertext under the sender's session key and
// checks the signature over the plaintext. Callers hold e.mu.
func (e *Engine) authenticate(username string, req SendMessage) ([]byte, error) {
	key, ok := e.registry.SessionKey(username)
	if !ok {
		return nil, models.ErrUnauthenticated
	}
	plaintext, err := crypto.Open(key, req.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDecryptionFailure, err)
	}

	pub, _ := e.registry.PublicKey(username)
	ck, err := crypto.ParseClientKey(pub)
	if err != nil || !crypto.Verify(ck.VerifyKey, plaintext, req.Signature) {
		return nil, models.ErrInvalidSignature
	}
	return plaintext, nil
}

// History returns every message the connection's user sent or received,
// and all broadcasts, in insertion order.
func (e *Engine) History(connID string) (models.History, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.connection(connID)
	if err != nil {
		return nil, err
	}
	if c.state != stateRegistered {
		return nil, models.ErrUnauthenticated
	}
	h := models.History(e.messages.ForUser(c.username))
	e.send(c.conn, h)
	return h, nil
}

func (e *Engine) AdminSnapshot(connID string) (models.AdminView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.connection(connID)
	if err != nil {
		return models.AdminView{}, err
	}
	if c.state != stateAdmin {
		return models.AdminView{}, models.ErrUnauthorized
	}
	view := models.AdminView{
		Users:    e.registry.Users(),
		Messages: e.messages.Recent(e.recentMessages),
		Stats:    e.stats(),
	}
	e.send(c.conn, view)
	return view, nil
}

// Stats is the unauthenticated status summary.
func (e *Engine) Stats() models.SystemStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats()
}

// OnlineUsernames returns the online users in lexicographic order.
func (e *Engine) OnlineUsernames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.OnlineUsernames()
}

func (e *Engine) Uptime() time.Duration {
	return e.now().Sub(e.started)
}

func (e *Engine) stats() models.SystemStats {
	return models.SystemStats{
		TotalUsers:        e.registry.Count(),
		OnlineUsers:       len(e.registry.OnlineUsernames()),
		TotalMessages:     e.messages.Len(),
		ActiveConnections: len(e.conns),
		UptimeSeconds:     e.Uptime().Seconds(),
	}
}

func (e *Engine) connection(connID string) (*connection, error) {
	c, ok := e.conns[connID]
	if !ok {
		return nil, models.ErrTransportClosed
	}
	return c, nil
}

func (e *Engine) announcement(kp keys.KeyPair) models.PublicKeyAnnounce {
	return models.PublicKeyAnnounce{
		PublicKey:   kp.PublicKey(),
		Fingerprint: kp.Fingerprint(),
	}
}

func (e *Engine) send(c Conn, p models.Payload) {
	if err := c.Send(p); err != nil {
		if !errors.Is(err, models.ErrTransportClosed) {
			e.log.Warn().Err(err).Str("conn_id", c.ID()).Str("event", p.EventType()).Msg("send failed")
			return
		}
		e.log.Debug().Str("conn_id", c.ID()).Str("event", p.EventType()).Msg("dropped event for closed connection")
	}
}

func (e *Engine) persist(op string, fn func() error) {
	if e.store == nil {
		return
	}
	if err := fn(); err != nil {
		e.metrics.StoreError()
		e.log.Error().Err(err).Str("op", op).Msg("store write failed")
	}
}
