package services

import (
	"context"
	"log"

	"github.com/swiftcab/swiftcab-backend/internal/hub"
)

// Notifier is the outward notification contract. Push delivery to mobile
// devices sits behind this interface and is out of scope here; the default
// implementation rides on the WebSocket hub.
type Notifier interface {
	NotifyUser(ctx context.Context, userID uint, event string, data map[string]interface{})
}

// HubNotifier delivers notifications over live WebSocket sessions.
// Delivery is best-effort: a user without a session simply misses the push
// and recovers on the next poll or reconnect.
type HubNotifier struct {
	Hub *hub.Hub
}

func NewHubNotifier(h *hub.Hub) *HubNotifier {
	return &HubNotifier{Hub: h}
}

func (n *HubNotifier) NotifyUser(ctx context.Context, userID uint, event string, data map[string]interface{}) {
	if !n.Hub.SendEvent(userID, event, data) {
		log.Printf("User %d unreachable for %s notification", userID, event)
	}
}
