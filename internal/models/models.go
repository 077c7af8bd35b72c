package models

import "time"

// BroadcastRecipient is the recipient value meaning "every online user".
const BroadcastRecipient = "all"

type User struct {
	Username     string    `json:"username"`
	ConnectionID string    `json:"connectionId"`
	PublicKey    string    `json:"publicKey"`
	SessionKey   []byte    `json:"sessionKey"`
	Online       bool      `json:"online"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Message is an immutable relayed unit. Ciphertext and Signature are kept
// exactly as the sender submitted them.
type Message struct {
	ID         int64     `json:"id"`
	Sender     string    `json:"sender"`
	Recipient  string    `json:"recipient"`
	Ciphertext string    `json:"ciphertext"`
	Signature  string    `json:"signature"`
	Timestamp  time.Time `json:"timestamp"`
}

func (m Message) IsBroadcast() bool {
	return m.Recipient == BroadcastRecipient
}

// Involves reports whether username should see m in its history.
func (m Message) Involves(username string) bool {
	return m.Sender == username || m.Recipient == username || m.IsBroadcast()
}

func (m Message) Meta() MessageMeta {
	return MessageMeta{
		ID:        m.ID,
		Sender:    m.Sender,
		Recipient: m.Recipient,
		Timestamp: m.Timestamp,
	}
}

type MessageMeta struct {
	ID        int64     `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Timestamp time.Time `json:"timestamp"`
}

type UserSummary struct {
	Username     string `json:"username"`
	Online       bool   `json:"online"`
	ConnectionID string `json:"connectionId,omitempty"`
}

type SystemStats struct {
	TotalUsers        int     `json:"totalUsers"`
	OnlineUsers       int     `json:"onlineUsers"`
	TotalMessages     int     `json:"totalMessages"`
	ActiveConnections int     `json:"activeConnections"`
	UptimeSeconds     float64 `json:"uptimeSeconds"`
}
