package models

import "errors"

var (
	ErrUsernameTaken     = errors.New("username already exists")
	ErrUnauthenticated   = errors.New("not authenticated")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidCredential = errors.New("invalid admin password")
	ErrInvalidSignature  = errors.New("invalid message signature")
	ErrDecryptionFailure = errors.New("message could not be decrypted")
	ErrTransportClosed   = errors.New("connection closed")

	ErrAlreadyBound     = errors.New("connection already bound")
	ErrInvalidUsername  = errors.New("invalid username")
	ErrInvalidPublicKey = errors.New("invalid client public key")
	ErrInvalidRecipient = errors.New("invalid recipient")
	ErrRateLimited      = errors.New("too many requests")
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrUnknownEvent     = errors.New("unknown event type")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrUsernameTaken, "username_taken"},
	{ErrUnauthenticated, "unauthenticated"},
	{ErrUnauthorized, "unauthorized"},
	{ErrInvalidCredential, "invalid_credential"},
	{ErrInvalidSignature, "invalid_signature"},
	{ErrDecryptionFailure, "decryption_failure"},
	{ErrTransportClosed, "transport_closed"},
	{ErrAlreadyBound, "already_bound"},
	{ErrInvalidUsername, "invalid_username"},
	{ErrInvalidPublicKey, "invalid_public_key"},
	{ErrInvalidRecipient, "invalid_recipient"},
	{ErrRateLimited, "rate_limited"},
	{ErrMalformedFrame, "malformed_frame"},
	{ErrUnknownEvent, "unknown_event"},
}

// ErrorCode returns the stable wire code for err, or "internal" when err is
// not part of the relay's taxonomy.
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return "internal"
}

// NewErrorReply builds the rejection sent back to a connection. Errors outside
// the taxonomy get a generic message so internals never leak to clients.
func NewErrorReply(eventType string, err error) ErrorReply {
	code := ErrorCode(err)
	msg := err.Error()
	if code == "internal" {
		msg = "internal error"
	}
	return ErrorReply{Type: eventType, Code: code, Message: msg}
}
