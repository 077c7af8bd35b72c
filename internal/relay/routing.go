package relay

import (
	"sort"

	"github.com/pliu/wala/internal/models"
)

// deliveryTargets returns the connections that receive a message, given the
// online connection set (connection id -> username) at send time. Broadcasts
// go to every online user, sender included. Directed messages go to the
// sender and, when online, the recipient.
func deliveryTargets(online map[string]string, senderConn, recipient string) []string {
	var targets []string
	if recipient == models.BroadcastRecipient {
		targets = make([]string, 0, len(online))
		for connID := range online {
			targets = append(targets, connID)
		}
		sort.Strings(targets)
		return targets
	}

	targets = []string{senderConn}
	for connID, name := range online {
		if name == recipient && connID != senderConn {
			targets = append(targets, connID)
		}
	}
	return targets
}
