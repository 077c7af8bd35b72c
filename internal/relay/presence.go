package relay

import "github.com/pliu/wala/internal/models"

// publishPresence pushes the online user set to every open connection.
// Callers hold e.mu.
func (e *Engine) publishPresence() {
	online := e.registry.OnlineUsernames()
	e.metrics.OnlineUsers(len(online))

	update := models.PresenceUpdate{Users: online}
	for _, c := range e.conns {
		e.send(c.conn, update)
	}
	e.publishStatus()
}
