package relay

import "github.com/pliu/wala/internal/models"

// Event is an inbound request from a connection. Exactly one of the types
// below.
type Event interface {
	isEvent()
}

type Register struct {
	Username        string `json:"username"`
	ClientPublicKey string `json:"clientPublicKey"`
}

type AdminLogin struct {
	Password string `json:"password"`
}

type SendMessage struct {
	Ciphertext string `json:"ciphertext"`
	Signature  string `json:"signature"`
	Recipient  string `json:"recipient"`
}

type GetHistory struct{}

type GetAdminSnapshot struct{}

type Disconnect struct{}

func (Register) isEvent()         {}
func (AdminLogin) isEvent()       {}
func (SendMessage) isEvent()      {}
func (GetHistory) isEvent()       {}
func (GetAdminSnapshot) isEvent() {}
func (Disconnect) isEvent()       {}

// ErrorEventType names the rejection event for a failed ev.
func ErrorEventType(ev Event) string {
	switch ev.(type) {
	case Register:
		return models.EventRegisterError
	case AdminLogin:
		return models.EventAdminLoginError
	case SendMessage, GetHistory:
		return models.EventMessageError
	case GetAdminSnapshot:
		return models.EventAdminError
	default:
		return models.EventError
	}
}
