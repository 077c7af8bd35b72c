package relay

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/pliu/wala/internal/crypto"
	"github.com/pliu/wala/internal/keys"
	"github.com/pliu/wala/internal/messagelog"
	"github.com/pliu/wala/internal/models"
	"github.com/pliu/wala/internal/session"
	"github.com/pliu/wala/internal/store/sqlstore"

	"github.com/rs/zerolog"
)

const adminPassword = "admin123"

type fakeConn struct {
	id     string
	mu     sync.Mutex
	events []models.Payload
	closed bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(p models.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return models.ErrTransportClosed
	}
	f.events = append(f.events, p)
	return nil
}

func (f *fakeConn) ofType(eventType string) []models.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Payload
	for _, p := range f.events {
		if p.EventType() == eventType {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeConn) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, p := range f.events {
		out = append(out, p.EventType())
	}
	return out
}

func (f *fakeConn) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = nil
}

// testClient plays the client side of the key exchange.
type testClient struct {
	conn       *fakeConn
	boxPub     *[32]byte
	boxPriv    *[32]byte
	edPub      ed25519.PublicKey
	edPriv     ed25519.PrivateKey
	sessionKey []byte
}

func newTestClient(t *testing.T, e *Engine, id string) *testClient {
	boxPub, boxPriv, err := crypto.GenerateBoxKeyPair()
	require.NoError(t, err)
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	c := &testClient{conn: newFakeConn(id), boxPub: boxPub, boxPriv: boxPriv, edPub: edPub, edPriv: edPriv}
	require.NoError(t, e.Open(c.conn))
	return c
}

func (c *testClient) publicKey() string {
	return crypto.EncodeClientKey(c.boxPub, c.edPub)
}

func (c *testClient) register(t *testing.T, e *Engine, username string) models.RegisterOK {
	reply, err := e.Dispatch(context.Background(), c.conn.ID(), Register{Username: username, ClientPublicKey: c.publicKey()})
	require.NoError(t, err)
	ok := reply.(models.RegisterOK)

	raw, err := base64.StdEncoding.DecodeString(ok.RelayPublicKey)
	require.NoError(t, err)
	var relayPub [32]byte
	copy(relayPub[:], raw)

	c.sessionKey, err = crypto.UnwrapKey(ok.SessionKey, &relayPub, c.boxPriv)
	require.NoError(t, err)
	return ok
}

func (c *testClient) message(t *testing.T, recipient, text string) SendMessage {
	ct, err := crypto.Seal(c.sessionKey, []byte(text))
	require.NoError(t, err)
	return SendMessage{
		Ciphertext: ct,
		Signature:  crypto.Sign(c.edPriv, []byte(text)),
		Recipient:  recipient,
	}
}

func (c *testClient) send(t *testing.T, e *Engine, recipient, text string) (models.Payload, error) {
	return e.Dispatch(context.Background(), c.conn.ID(), c.message(t, recipient, text))
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.MinCost)
	require.NoError(t, err)
	authority, err := keys.NewAuthority(zerolog.Nop())
	require.NoError(t, err)
	return New(authority, session.NewRegistry(hash), messagelog.New(), opts...)
}

func TestOpenAnnouncesPublicKey(t *testing.T) {
	e := newTestEngine(t)
	c := newFakeConn("c1")
	require.NoError(t, e.Open(c))

	announces := c.ofType(models.EventPublicKeyAnnounce)
	require.Len(t, announces, 1)
	assert.Equal(t, e.keys.CurrentPublicKey(), announces[0].(models.PublicKeyAnnounce).PublicKey)

	assert.Error(t, e.Open(c), "duplicate connection id")
	assert.Equal(t, 1, e.Stats().ActiveConnections)
}

func TestRegister(t *testing.T) {
	e := newTestEngine(t)
	alice := newTestClient(t, e, "c1")
	watcher := newTestClient(t, e, "c2")

	ok := alice.register(t, e, "alice")
	assert.Equal(t, e.keys.CurrentPublicKey(), ok.RelayPublicKey)
	assert.Len(t, alice.sessionKey, crypto.SessionKeySize)
	assert.Equal(t, []string{"alice"}, e.OnlineUsernames())

	// the reply precedes the presence push it triggers
	assert.Equal(t, []string{
		models.EventPublicKeyAnnounce,
		models.EventRegisterOK,
		models.EventPresenceUpdate,
	}, alice.conn.types())

	updates := watcher.conn.ofType(models.EventPresenceUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, []string{"alice"}, updates[0].(models.PresenceUpdate).Users)
}

func TestRegisterRejections(t *testing.T) {
	e := newTestEngine(t)
	alice := newTestClient(t, e, "c1")
	alice.register(t, e, "alice")

	other := newTestClient(t, e, "c2")
	_, err := e.Dispatch(context.Background(), "c2", Register{Username: "alice", ClientPublicKey: other.publicKey()})
	assert.ErrorIs(t, err, models.ErrUsernameTaken)

	errs := other.conn.ofType(models.EventRegisterError)
	require.Len(t, errs, 1)
	assert.Equal(t, "username_taken", errs[0].(models.ErrorReply).Code)

	_, err = e.Dispatch(context.Background(), "c1", Register{Username: "alice2", ClientPublicKey: alice.publicKey()})
	assert.ErrorIs(t, err, models.ErrAlreadyBound)

	_, err = e.Dispatch(context.Background(), "c1", AdminLogin{Password: adminPassword})
	assert.ErrorIs(t, err, models.ErrAlreadyBound)

	_, err = e.Dispatch(context.Background(), "c2", Register{Username: "bob", ClientPublicKey: "mock-key"})
	assert.ErrorIs(t, err, models.ErrInvalidPublicKey)

	// connection stays usable after errors
	other.register(t, e, "bob")
	assert.Equal(t, []string{"alice", "bob"}, e.OnlineUsernames())
}

func TestConcurrentRegisterSameUsername(t *testing.T) {
	e := newTestEngine(t)

	const n = 16
	clients := make([]*testClient, n)
	for i := range clients {
		clients[i] = newTestClient(t, e, fmt.Sprintf("c%d", i))
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, c := range clients {
		wg.Add(1)
		go func(c *testClient) {
			defer wg.Done()
			_, err := e.Dispatch(context.Background(), c.conn.ID(), Register{Username: "alice", ClientPublicKey: c.publicKey()})
			errs <- err
		}(c)
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, models.ErrUsernameTaken)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, e.Stats().TotalUsers)
}

func TestBroadcast(t *testing.T) {
	e := newTestEngine(t)
	alice := newTestClient(t, e, "c1")
	bob := newTestClient(t, e, "c2")
	carol := newTestClient(t, e, "c3")
	alice.register(t, e, "alice")
	bob.register(t, e, "bob")
	carol.register(t, e, "carol")

	reply, err := alice.send(t, e, models.BroadcastRecipient, "hi")
	require.NoError(t, err)
	ack := reply.(models.MessageAck)

	for _, c := range []*testClient{alice, bob, carol} {
		delivered := c.conn.ofType(models.EventMessageDelivered)
		require.Len(t, delivered, 1, c.conn.ID())
		dm := delivered[0].(models.DeliveredMessage)
		assert.Equal(t, "hi", dm.Plaintext)
		assert.Equal(t, "alice", dm.Sender)
		assert.Equal(t, ack.ID, dm.ID)
	}
	require.Len(t, alice.conn.ofType(models.EventMessageAck), 1)

	for _, c := range []*testClient{bob, carol} {
		h, err := e.History(c.conn.ID())
		require.NoError(t, err)
		require.Len(t, h, 1)
		assert.Equal(t, ack.ID, h[0].ID)
	}
}

func TestDirectMessage(t *testing.T) {
	e := newTestEngine(t)
	alice := newTestClient(t, e, "c1")
	bob := newTestClient(t, e, "c2")
	carol := newTestClient(t, e, "c3")
	alice.register(t, e, "alice")
	bob.register(t, e, "bob")
	carol.register(t, e, "carol")

	_, err := alice.send(t, e, "bob", "psst")
	require.NoError(t, err)

	assert.Len(t, alice.conn.ofType(models.EventMessageDelivered), 1, "sender echo")
	assert.Len(t, bob.conn.ofType(models.EventMessageDelivered), 1)
	assert.Empty(t, carol.conn.ofType(models.EventMessageDelivered))

	h, err := e.History("c3")
	require.NoError(t, err)
	assert.Empty(t, h)

	h, err = e.History("c2")
	require.NoError(t, err)
	assert.Len(t, h, 1)
}

func TestDirectMessageToOfflineOrUnknownRecipient(t *testing.T) {
	e := newTestEngine(t)
	alice := newTestClient(t, e, "c1")
	bob := newTestClient(t, e, "c2")
	alice.register(t, e, "alice")
	bob.register(t, e, "bob")
	e.Close(context.Background(), "c2")

	_, err := alice.send(t, e, "bob", "later")
	require.NoError(t, err)
	_, err = alice.send(t, e, "nobody", "void")
	require.NoError(t, err)

	assert.Len(t, alice.conn.ofType(models.EventMessageDelivered), 2)
	assert.Empty(t, bob.conn.ofType(models.EventMessageDelivered))
	assert.Equal(t, 2, e.Stats().TotalMessages)
}

func TestSelfMessageEchoedOnce(t *testing.T) {
	e := newTestEngine(t)
	alice := newTestClient(t, e, "c1")
	alice.register(t, e, "alice")

	_, err := alice.send(t, e, "alice", "note to self")
	require.NoError(t, err)
	assert.Len(t, alice.conn.ofType(models.EventMessageDelivered), 1)
}

func TestSendRejections(t *testing.T) {
	e := newTestEngine(t)
	anon := newTestClient(t, e, "c0")
	alice := newTestClient(t, e, "c1")
	alice.register(t, e, "alice")

	_, err := e.Dispatch(context.Background(), "c0", SendMessage{Ciphertext: "x", Signature: "y", Recipient: models.BroadcastRecipient})
	assert.ErrorIs(t, err, models.ErrUnauthenticated)
	assert.Len(t, anon.conn.ofType(models.EventMessageError), 1)

	_, err = e.Dispatch(context.Background(), "c1", SendMessage{Ciphertext: "garbage", Signature: "y", Recipient: models.BroadcastRecipient})
	assert.ErrorIs(t, err, models.ErrDecryptionFailure)

	msg := alice.message(t, models.BroadcastRecipient, "hi")
	msg.Signature = crypto.Sign(alice.edPriv, []byte("something else"))
	_, err = e.Dispatch(context.Background(), "c1", msg)
	assert.ErrorIs(t, err, models.ErrInvalidSignature)

	msg = alice.message(t, "", "hi")
	_, err = e.Dispatch(context.Background(), "c1", msg)
	assert.ErrorIs(t, err, models.ErrInvalidRecipient)

	assert.Equal(t, 0, e.Stats().TotalMessages)

	_, err = e.Dispatch(context.Background(), "c0", GetHistory{})
	assert.ErrorIs(t, err, models.ErrUnauthenticated)
}

func TestAdminSnapshot(t *testing.T) {
	e := newTestEngine(t)
	alice := newTestClient(t, e, "c1")
	bob := newTestClient(t, e, "c2")
	admin := newTestClient(t, e, "c3")
	alice.register(t, e, "alice")
	bob.register(t, e, "bob")
	_, err := alice.send(t, e, "bob", "hello")
	require.NoError(t, err)
	e.Close(context.Background(), "c2")

	_, err = e.Dispatch(context.Background(), "c1", GetAdminSnapshot{})
	assert.ErrorIs(t, err, models.ErrUnauthorized)
	assert.Len(t, alice.conn.ofType(models.EventAdminError), 1)

	_, err = e.Dispatch(context.Background(), "c3", AdminLogin{Password: "wrong"})
	assert.ErrorIs(t, err, models.ErrInvalidCredential)
	assert.Len(t, admin.conn.ofType(models.EventAdminLoginError), 1)

	_, err = e.Dispatch(context.Background(), "c3", AdminLogin{Password: adminPassword})
	require.NoError(t, err)
	types := admin.conn.types()
	assert.Equal(t, []string{models.EventAdminLoginOK, models.EventSystemStatus}, types[len(types)-2:])

	reply, err := e.Dispatch(context.Background(), "c3", GetAdminSnapshot{})
	require.NoError(t, err)
	view := reply.(models.AdminView)

	assert.Equal(t, 2, view.Stats.TotalUsers, "offline users count")
	assert.Equal(t, 1, view.Stats.OnlineUsers)
	assert.Equal(t, 1, view.Stats.TotalMessages)
	assert.Equal(t, 2, view.Stats.ActiveConnections)
	assert.Equal(t, []models.UserSummary{
		{Username: "alice", Online: true, ConnectionID: "c1"},
		{Username: "bob"},
	}, view.Users)
	require.Len(t, view.Messages, 1)
	assert.Equal(t, "bob", view.Messages[0].Recipient)

	// admins cannot register
	_, err = e.Dispatch(context.Background(), "c3", Register{Username: "eve", ClientPublicKey: admin.publicKey()})
	assert.ErrorIs(t, err, models.ErrAlreadyBound)
}

func TestAdminSnapshotCapsRecentMessages(t *testing.T) {
	e := newTestEngine(t, WithRecentMessages(2))
	alice := newTestClient(t, e, "c1")
	alice.register(t, e, "alice")
	newTestClient(t, e, "c2")
	_, err := e.AdminLogin("c2", adminPassword)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := alice.send(t, e, models.BroadcastRecipient, fmt.Sprint(i))
		require.NoError(t, err)
	}

	view, err := e.AdminSnapshot("c2")
	require.NoError(t, err)
	require.Len(t, view.Messages, 2)
	assert.Equal(t, int64(4), view.Messages[0].ID)
	assert.Equal(t, 5, view.Stats.TotalMessages)
}

func TestAdminTelemetry(t *testing.T) {
	e := newTestEngine(t)
	admin1 := newTestClient(t, e, "a1")
	admin2 := newTestClient(t, e, "a2")
	_, err := e.AdminLogin("a1", adminPassword)
	require.NoError(t, err)
	_, err = e.AdminLogin("a2", adminPassword)
	require.NoError(t, err)

	alice := newTestClient(t, e, "c1")
	alice.register(t, e, "alice")
	_, err = alice.send(t, e, models.BroadcastRecipient, "hi")
	require.NoError(t, err)

	for _, a := range []*testClient{admin1, admin2} {
		logged := a.conn.ofType(models.EventMessageLogged)
		require.Len(t, logged, 1)
		ml := logged[0].(models.MessageLogged)
		assert.Equal(t, "alice", ml.Sender)
		assert.Equal(t, models.BroadcastRecipient, ml.Recipient)

		// admins are not users, so they do not receive message contents
		assert.Empty(t, a.conn.ofType(models.EventMessageDelivered))
		assert.NotEmpty(t, a.conn.ofType(models.EventSystemStatus))
	}

	e.Close(context.Background(), "a2")
	admin2.conn.reset()
	_, err = alice.send(t, e, models.BroadcastRecipient, "again")
	require.NoError(t, err)
	assert.Len(t, admin1.conn.ofType(models.EventMessageLogged), 2)
	assert.Empty(t, admin2.conn.ofType(models.EventMessageLogged))
}

func TestScenarioReconnectKeepsHistory(t *testing.T) {
	e := newTestEngine(t)
	alice := newTestClient(t, e, "c1")
	require.Len(t, alice.conn.ofType(models.EventPublicKeyAnnounce), 1)

	ok := alice.register(t, e, "alice")
	assert.NotEmpty(t, ok.SessionKey)

	reply, err := alice.send(t, e, models.BroadcastRecipient, "hi")
	require.NoError(t, err)
	ack := reply.(models.MessageAck)
	require.Len(t, alice.conn.ofType(models.EventMessageAck), 1)
	delivered := alice.conn.ofType(models.EventMessageDelivered)
	require.Len(t, delivered, 1)
	assert.Equal(t, "hi", delivered[0].(models.DeliveredMessage).Plaintext)

	_, err = e.Dispatch(context.Background(), "c1", Disconnect{})
	require.NoError(t, err)
	assert.NotContains(t, e.OnlineUsernames(), "alice")

	again := newTestClient(t, e, "c9")
	again.register(t, e, "alice")
	h, err := e.History("c9")
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, ack.ID, h[0].ID)
	assert.Equal(t, 1, e.Stats().TotalUsers)
}

func TestRotateKeys(t *testing.T) {
	e := newTestEngine(t)
	alice := newTestClient(t, e, "c1")
	anon := newTestClient(t, e, "c2")
	alice.register(t, e, "alice")
	before := e.keys.CurrentPublicKey()

	alice.conn.reset()
	anon.conn.reset()
	require.NoError(t, e.RotateKeys())

	for _, c := range []*testClient{alice, anon} {
		announces := c.conn.ofType(models.EventPublicKeyAnnounce)
		require.Len(t, announces, 1)
		assert.NotEqual(t, before, announces[0].(models.PublicKeyAnnounce).PublicKey)
	}

	// session keys issued before the rotation still work
	reply, err := alice.send(t, e, models.BroadcastRecipient, "still here")
	require.NoError(t, err)
	assert.IsType(t, models.MessageAck{}, reply)
}

func TestRunKeyRotationStopsWithContext(t *testing.T) {
	e := newTestEngine(t)
	c := newTestClient(t, e, "c1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.RunKeyRotation(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(c.conn.ofType(models.EventPublicKeyAnnounce)) >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("rotation loop did not stop")
	}
}

func TestClosedConnection(t *testing.T) {
	e := newTestEngine(t)
	alice := newTestClient(t, e, "c1")
	alice.register(t, e, "alice")

	e.Close(context.Background(), "c1")
	e.Close(context.Background(), "c1")

	_, err := alice.send(t, e, models.BroadcastRecipient, "ghost")
	assert.ErrorIs(t, err, models.ErrTransportClosed)
	_, err = e.History("c1")
	assert.ErrorIs(t, err, models.ErrTransportClosed)
	assert.Equal(t, 0, e.Stats().ActiveConnections)
	assert.Empty(t, e.OnlineUsernames())
}

func TestSendToClosedTransportDoesNotFailRelay(t *testing.T) {
	e := newTestEngine(t)
	alice := newTestClient(t, e, "c1")
	bob := newTestClient(t, e, "c2")
	alice.register(t, e, "alice")
	bob.register(t, e, "bob")

	bob.conn.mu.Lock()
	bob.conn.closed = true
	bob.conn.mu.Unlock()

	_, err := alice.send(t, e, models.BroadcastRecipient, "hi")
	require.NoError(t, err)
	assert.Len(t, alice.conn.ofType(models.EventMessageDelivered), 1)
}

func TestStoreWriteThroughAndRestore(t *testing.T) {
	db, err := sqlstore.New("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	e := newTestEngine(t, WithStore(db))
	alice := newTestClient(t, e, "c1")
	alice.register(t, e, "alice")
	_, err = alice.send(t, e, models.BroadcastRecipient, "persist me")
	require.NoError(t, err)
	e.Close(context.Background(), "c1")

	users, err := db.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.False(t, users[0].Online)

	restarted := newTestEngine(t, WithStore(db))
	require.NoError(t, restarted.Restore(context.Background()))
	assert.Equal(t, 1, restarted.Stats().TotalUsers)
	assert.Equal(t, 1, restarted.Stats().TotalMessages)
	assert.Empty(t, restarted.OnlineUsernames())

	back := newTestClient(t, restarted, "c2")
	back.register(t, restarted, "alice")
	h, err := restarted.History("c2")
	require.NoError(t, err)
	require.Len(t, h, 1)

	reply, err := back.send(t, restarted, models.BroadcastRecipient, "second")
	require.NoError(t, err)
	assert.Equal(t, int64(2), reply.(models.MessageAck).ID)
}

func TestUptimeUsesClock(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	e := newTestEngine(t, withClock(func() time.Time { return now }))
	now = start.Add(90 * time.Second)
	assert.Equal(t, 90.0, e.Stats().UptimeSeconds)
}
