package store

import (
	"context"

	"github.com/pliu/wala/internal/models"
)

// Store is the durable copy of the relay's users and messages. The relay
// keeps its working state in memory and writes through to a Store outside
// its critical sections.
type Store interface {
	// User operations
	SaveUser(ctx context.Context, user models.User) error
	SetUserOnline(ctx context.Context, username string, online bool) error
	ListUsers(ctx context.Context) ([]models.User, error)

	// Message operations
	SaveMessage(ctx context.Context, msg models.Message) error
	ListMessages(ctx context.Context) ([]models.Message, error)

	Close() error
}
