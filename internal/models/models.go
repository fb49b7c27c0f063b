package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Location is a coordinate plus the device-reported accuracy and capture time.
type Location struct {
	Coord
	AccuracyM  float64   `json:"accuracy_m"`
	CapturedAt time.Time `json:"captured_at"`
}

type WorkerStatus string

const (
	WorkerOffline   WorkerStatus = "offline"
	WorkerAvailable WorkerStatus = "available"
	WorkerBusy      WorkerStatus = "busy"
)

// Preferences are the worker's matching preferences.
type Preferences struct {
	MaxDistanceKm  float64  `json:"max_distance_km"`
	AcceptsInstant bool     `json:"accepts_instant"`
	Categories     []string `json:"categories,omitempty"` // empty = any category
}

// Takes reports whether the worker accepts jobs in the given category.
func (p Preferences) Takes(category string) bool {
	if len(p.Categories) == 0 {
		return true
	}
	for _, c := range p.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// Worker is an availability record, owned by the registry.
type Worker struct {
	ID            string       `json:"id"`
	Status        WorkerStatus `json:"status"`
	Loc           Location     `json:"loc"`
	Prefs         Preferences  `json:"prefs"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
}

type Urgency string

const (
	UrgencyASAP       Urgency = "asap"
	UrgencyWithinHour Urgency = "within_hour"
	UrgencyWithin2Hrs Urgency = "within_2_hours"
	UrgencyFlexible   Urgency = "flexible"
)

func (u Urgency) IsValid() bool {
	switch u {
	case UrgencyASAP, UrgencyWithinHour, UrgencyWithin2Hrs, UrgencyFlexible:
		return true
	}
	return false
}

type RequestState string

const (
	RequestPending   RequestState = "pending"
	RequestOffered   RequestState = "offered"
	RequestAccepted  RequestState = "accepted"
	RequestExpired   RequestState = "expired"
	RequestCancelled RequestState = "cancelled"
)

// Terminal reports whether no further mutation of the request is permitted.
func (s RequestState) Terminal() bool {
	return s == RequestAccepted || s == RequestExpired || s == RequestCancelled
}

type OfferResponse string

const (
	OfferPending    OfferResponse = "pending"
	OfferAccepted   OfferResponse = "accepted"
	OfferDeclined   OfferResponse = "declined"
	OfferTimedOut   OfferResponse = "timed_out"
	OfferSuperseded OfferResponse = "superseded"
)

// Offer is one worker's time-bounded invitation to take a request.
type Offer struct {
	WorkerID   string        `json:"worker_id"`
	DistanceKm float64       `json:"distance_km"`
	EtaMinutes int           `json:"eta_minutes"`
	OfferedAt  time.Time     `json:"offered_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
	Response   OfferResponse `json:"response"`
}

// SubmitRequest is the inbound DTO for creating a dispatch request.
type SubmitRequest struct {
	RequesterID string  `json:"requester_id"`
	Origin      Coord   `json:"origin"`
	Category    string  `json:"category"`
	Urgency     Urgency `json:"urgency"`
	MaxBudget   float64 `json:"max_budget,omitempty"` // 0 = no budget cap
}

// DispatchRequest is the lifecycle record, owned by the request store.
type DispatchRequest struct {
	ID               string       `json:"id"`
	RequesterID      string       `json:"requester_id"`
	Origin           Coord        `json:"origin"`
	Category         string       `json:"category"`
	Urgency          Urgency      `json:"urgency"`
	MaxBudget        float64      `json:"max_budget,omitempty"`
	State            RequestState `json:"state"`
	Offers           []Offer      `json:"offers"`
	AssignedWorkerID string       `json:"assigned_worker_id,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
}

// OfferFor returns the index of workerID's offer, or -1.
func (r *DispatchRequest) OfferFor(workerID string) int {
	for i := range r.Offers {
		if r.Offers[i].WorkerID == workerID {
			return i
		}
	}
	return -1
}

// OutstandingOffers counts offers still awaiting a response.
func (r *DispatchRequest) OutstandingOffers() int {
	n := 0
	for i := range r.Offers {
		if r.Offers[i].Response == OfferPending {
			n++
		}
	}
	return n
}

// Booking is the downstream record created on successful assignment.
type Booking struct {
	ID              string    `json:"id"`
	RequestID       string    `json:"request_id"`
	RequesterID     string    `json:"requester_id"`
	WorkerID        string    `json:"worker_id"`
	EtaMinutes      int       `json:"eta_minutes"`
	PaymentIntentID string    `json:"payment_intent_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}
