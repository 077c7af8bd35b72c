package relay

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/pliu/wala/internal/models"
)

// telemetry is the set of admin-authenticated connections.
type telemetry struct {
	admins map[string]Conn
	log    zerolog.Logger
}

func newTelemetry(log zerolog.Logger) *telemetry {
	return &telemetry{
		admins: make(map[string]Conn),
		log:    log,
	}
}

func (t *telemetry) add(c Conn) {
	t.admins[c.ID()] = c
}

func (t *telemetry) remove(connID string) {
	delete(t.admins, connID)
}

func (t *telemetry) len() int {
	return len(t.admins)
}

func (t *telemetry) publish(p models.Payload) {
	ids := make([]string, 0, len(t.admins))
	for id := range t.admins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := t.admins[id].Send(p); err != nil {
			t.log.Debug().Err(err).Str("conn_id", id).Str("event", p.EventType()).Msg("admin push dropped")
		}
	}
}

// publishStatus sends the current stats to every admin. Callers hold e.mu.
func (e *Engine) publishStatus() {
	if e.admins.len() == 0 {
		return
	}
	e.admins.publish(models.SystemStatus(e.stats()))
}
