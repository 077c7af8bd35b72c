package models

import "time"

// Event names used on the wire. Client requests and server pushes share one
// namespace.
const (
	EventPublicKeyAnnounce = "public-key-announce"
	EventRegister          = "register"
	EventRegisterOK        = "register-ok"
	EventRegisterError     = "register-error"
	EventAdminLogin        = "admin-login"
	EventAdminLoginOK      = "admin-login-ok"
	EventAdminLoginError   = "admin-login-error"
	EventSendMessage       = "send-message"
	EventMessageDelivered  = "message-delivered"
	EventMessageAck        = "message-ack"
	EventMessageError      = "message-error"
	EventGetHistory        = "get-history"
	EventHistory           = "history"
	EventGetAdminSnapshot  = "get-admin-snapshot"
	EventAdminSnapshot     = "admin-snapshot"
	EventAdminError        = "admin-error"
	EventMessageLogged     = "message-logged"
	EventSystemStatus      = "system-status"
	EventPresenceUpdate    = "presence-update"
	EventError             = "error"
)

// Payload is anything the relay sends to a connection.
type Payload interface {
	EventType() string
}

type PublicKeyAnnounce struct {
	PublicKey   string `json:"publicKey"`
	Fingerprint string `json:"fingerprint"`
}

func (PublicKeyAnnounce) EventType() string { return EventPublicKeyAnnounce }

// RegisterOK carries the session key wrapped for the client's box key by the
// relay key named in RelayPublicKey.
type RegisterOK struct {
	SessionKey     string `json:"sessionKey"`
	RelayPublicKey string `json:"relayPublicKey"`
	Message        string `json:"message"`
}

func (RegisterOK) EventType() string { return EventRegisterOK }

type AdminLoginOK struct{}

func (AdminLoginOK) EventType() string { return EventAdminLoginOK }

type MessageAck struct {
	ID int64 `json:"id"`
}

func (MessageAck) EventType() string { return EventMessageAck }

type DeliveredMessage struct {
	Message
	Plaintext string `json:"plaintext"`
}

func (DeliveredMessage) EventType() string { return EventMessageDelivered }

type History []Message

func (History) EventType() string { return EventHistory }

type AdminView struct {
	Users    []UserSummary `json:"users"`
	Messages []MessageMeta `json:"messages"`
	Stats    SystemStats   `json:"systemStats"`
}

func (AdminView) EventType() string { return EventAdminSnapshot }

type MessageLogged struct {
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Timestamp time.Time `json:"timestamp"`
}

func (MessageLogged) EventType() string { return EventMessageLogged }

type SystemStatus SystemStats

func (SystemStatus) EventType() string { return EventSystemStatus }

type PresenceUpdate struct {
	Users []string `json:"users"`
}

func (PresenceUpdate) EventType() string { return EventPresenceUpdate }

// ErrorReply is a rejection. Type is set by the transport to the error event
// matching the request that failed.
type ErrorReply struct {
	Type    string `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ErrorReply) EventType() string {
	if e.Type == "" {
		return EventError
	}
	return e.Type
}
