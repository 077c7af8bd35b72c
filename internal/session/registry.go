// Package session tracks registered users: their connection, client key,
// session key and presence.
//
// Register and MarkOffline are the only mutation points, so a user's online
// flag only changes through them.
package session

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/pliu/wala/internal/crypto"
	"github.com/pliu/wala/internal/models"
)

const maxUsernameLength = 32

type Registry struct {
	mu        sync.RWMutex
	users     map[string]*models.User
	byConn    map[string]string // connection id -> username
	adminHash []byte
	newKey    func() ([]byte, error)
	now       func() time.Time
}

// NewRegistry returns an empty registry. adminHash is a bcrypt hash of the
// admin password; see HashPassword.
func NewRegistry(adminHash []byte) *Registry {
	return &Registry{
		users:     make(map[string]*models.User),
		byConn:    make(map[string]string),
		adminHash: adminHash,
		newKey:    crypto.NewSessionKey,
		now:       time.Now,
	}
}

func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}

// NormalizeUsername trims u and checks it can be registered.
func NormalizeUsername(u string) (string, error) {
	u = strings.TrimSpace(u)
	if u == "" || len(u) > maxUsernameLength || u == models.BroadcastRecipient {
		return "", models.ErrInvalidUsername
	}
	return u, nil
}

// Register binds username to connID with a fresh session key. It fails with
// ErrUsernameTaken while another connection holds the name online. An
// offline record is reused: the client key and session key are replaced.
func (r *Registry) Register(username, clientPublicKey, connID string) (models.User, error) {
	username, err := NormalizeUsername(username)
	if err != nil {
		return models.User{}, err
	}
	if _, err := crypto.ParseClientKey(clientPublicKey); err != nil {
		return models.User{}, fmt.Errorf("%w: %v", models.ErrInvalidPublicKey, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, bound := r.byConn[connID]; bound {
		return models.User{}, models.ErrAlreadyBound
	}
	u, exists := r.users[username]
	if exists && u.Online {
		return models.User{}, models.ErrUsernameTaken
	}

	key, err := r.newKey()
	if err != nil {
		return models.User{}, fmt.Errorf("generate session key: %w", err)
	}

	if !exists {
		u = &models.User{Username: username, RegisteredAt: r.now()}
		r.users[username] = u
	} else if u.SessionKey != nil {
		crypto.Wipe(u.SessionKey)
	}
	u.ConnectionID = connID
	u.PublicKey = clientPublicKey
	u.SessionKey = key
	u.Online = true
	r.byConn[connID] = username

	return cloneUser(u), nil
}

// AuthenticateAdmin checks password against the configured admin hash.
func (r *Registry) AuthenticateAdmin(password string) error {
	if len(r.adminHash) == 0 {
		return models.ErrInvalidCredential
	}
	if err := bcrypt.CompareHashAndPassword(r.adminHash, []byte(password)); err != nil {
		return models.ErrInvalidCredential
	}
	return nil
}

// MarkOffline flips the user bound to connID offline. It reports the
// username and whether anything changed; repeated calls are no-ops.
func (r *Registry) MarkOffline(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	username, ok := r.byConn[connID]
	if !ok {
		return "", false
	}
	delete(r.byConn, connID)

	u := r.users[username]
	if u == nil || !u.Online || u.ConnectionID != connID {
		return username, false
	}
	u.Online = false
	return username, true
}

// Restore loads previously persisted users. They come back offline and
// unbound; existing entries are left alone.
func (r *Registry) Restore(users []models.User) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range users {
		if _, ok := r.users[users[i].Username]; ok {
			continue
		}
		u := cloneUser(&users[i])
		u.Online = false
		u.ConnectionID = ""
		r.users[u.Username] = &u
	}
}

func (r *Registry) UsernameFor(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byConn[connID]
	return u, ok
}

func (r *Registry) SessionKey(username string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[username]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), u.SessionKey...), true
}

func (r *Registry) PublicKey(username string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[username]
	if !ok {
		return "", false
	}
	return u.PublicKey, true
}

// Connection returns the connection of username if it is online.
func (r *Registry) Connection(username string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[username]
	if !ok || !u.Online {
		return "", false
	}
	return u.ConnectionID, true
}

// OnlineUsernames returns the online users in lexicographic order.
func (r *Registry) OnlineUsernames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.users))
	for name, u := range r.users {
		if u.Online {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// OnlineConnections maps every online user's connection id to its username.
func (r *Registry) OnlineConnections() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make(map[string]string, len(r.byConn))
	for connID, name := range r.byConn {
		if u := r.users[name]; u != nil && u.Online && u.ConnectionID == connID {
			conns[connID] = name
		}
	}
	return conns
}

// Users lists every registered user, online or not, sorted by username.
func (r *Registry) Users() []models.UserSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.UserSummary, 0, len(r.users))
	for _, u := range r.users {
		s := models.UserSummary{Username: u.Username, Online: u.Online}
		if u.Online {
			s.ConnectionID = u.ConnectionID
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Count is the number of distinct usernames ever registered.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

func cloneUser(u *models.User) models.User {
	c := *u
	c.SessionKey = append([]byte(nil), u.SessionKey...)
	return c
}
