package notify

import (
	"time"

	"github.com/marketday/api/internal/services"
)

// envelope is the wire format shared by the Pub/Sub and Kafka transports.
type envelope struct {
	ID       string         `json:"id"`
	UserID   string         `json:"userId,omitempty"`
	Email    string         `json:"email,omitempty"`
	Template string         `json:"template"`
	Vertical string         `json:"vertical,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	SentAt   time.Time      `json:"sentAt"`
}

func newEnvelope(n services.Notification) envelope {
	return envelope{
		ID:       n.ID,
		UserID:   n.UserID,
		Email:    n.Email,
		Template: n.Template,
		Vertical: n.Vertical,
		Data:     n.Data,
		SentAt:   n.SentAt.UTC(),
	}
}
