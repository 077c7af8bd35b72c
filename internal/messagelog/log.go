// Package messagelog is the append-only record of relayed messages.
package messagelog

import (
	"sync"
	"time"

	"github.com/pliu/wala/internal/models"
)

type Log struct {
	mu       sync.RWMutex
	messages []models.Message
	nextID   int64
}

func New() *Log {
	return &Log{nextID: 1}
}

// Append stores a new message with the next id and returns it.
func (l *Log) Append(sender, recipient, ciphertext, signature string, at time.Time) models.Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	m := models.Message{
		ID:         l.nextID,
		Sender:     sender,
		Recipient:  recipient,
		Ciphertext: ciphertext,
		Signature:  signature,
		Timestamp:  at,
	}
	l.nextID++
	l.messages = append(l.messages, m)
	return m
}

// Restore loads persisted messages, which must be in id order, ahead of any
// appended later. Ids continue after the highest restored id.
func (l *Log) Restore(msgs []models.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	restored := make([]models.Message, 0, len(msgs)+len(l.messages))
	restored = append(restored, msgs...)
	restored = append(restored, l.messages...)
	l.messages = restored
	for _, m := range msgs {
		if m.ID >= l.nextID {
			l.nextID = m.ID + 1
		}
	}
}

// ForUser returns, in insertion order, every message username sent or
// received, plus all broadcasts.
func (l *Log) ForUser(username string) []models.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.Message, 0)
	for _, m := range l.messages {
		if m.Involves(username) {
			out = append(out, m)
		}
	}
	return out
}

// Recent returns metadata for the last n messages, oldest first.
func (l *Log) Recent(n int) []models.MessageMeta {
	l.mu.RLock()
	defer l.mu.RUnlock()

	start := 0
	if n >= 0 && len(l.messages) > n {
		start = len(l.messages) - n
	}
	out := make([]models.MessageMeta, 0, len(l.messages)-start)
	for _, m := range l.messages[start:] {
		out = append(out, m.Meta())
	}
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}
