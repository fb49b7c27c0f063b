package notify

import (
	"time"
)

// Event types delivered to worker and requester clients.
const (
	EventOffer          = "offer"
	EventOfferRevoked   = "offer_revoked"
	EventAssigned       = "assigned"
	EventRequestExpired = "request_expired"
)

// Event is a fire-and-forget client notification. Delivery is best-effort;
// correctness never depends on it.
type Event struct {
	Type       string    `json:"type"`
	RequestID  string    `json:"request_id"`
	WorkerID   string    `json:"worker_id,omitempty"`
	Category   string    `json:"category,omitempty"`
	DistanceKm float64   `json:"distance_km,omitempty"`
	EtaMinutes int       `json:"eta_minutes,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// Notifier fans events out to connected clients.
type Notifier interface {
	NotifyWorker(workerID string, ev Event) error
	NotifyRequester(requesterID string, ev Event) error
}

// Nop drops every event; used in tests and when no transport is configured.
type Nop struct{}

func (Nop) NotifyWorker(string, Event) error    { return nil }
func (Nop) NotifyRequester(string, Event) error { return nil }
