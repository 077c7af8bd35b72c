package ws

import (
	"encoding/json"
	"fmt"

	"github.com/pliu/wala/internal/models"
	"github.com/pliu/wala/internal/relay"
)

// envelope is the frame format in both directions.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outbound struct {
	Type    string         `json:"type"`
	Payload models.Payload `json:"payload"`
}

func encodeFrame(p models.Payload) ([]byte, error) {
	if h, ok := p.(models.History); ok && h == nil {
		p = models.History{}
	}
	data, err := json.Marshal(outbound{Type: p.EventType(), Payload: p})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.EventType(), err)
	}
	return data, nil
}

// decodeEvent parses an inbound frame into a relay event.
func decodeEvent(data []byte) (relay.Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedFrame, err)
	}

	switch env.Type {
	case models.EventRegister:
		return decodePayload[relay.Register](env.Payload)
	case models.EventAdminLogin:
		return decodePayload[relay.AdminLogin](env.Payload)
	case models.EventSendMessage:
		return decodePayload[relay.SendMessage](env.Payload)
	case models.EventGetHistory:
		return relay.GetHistory{}, nil
	case models.EventGetAdminSnapshot:
		return relay.GetAdminSnapshot{}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", models.ErrMalformedFrame)
	default:
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownEvent, env.Type)
	}
}

func decodePayload[T relay.Event](raw json.RawMessage) (relay.Event, error) {
	var v T
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: missing payload", models.ErrMalformedFrame)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedFrame, err)
	}
	return v, nil
}
