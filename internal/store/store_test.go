package store

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/instant-dispatch/internal/models"
)

func newReq(id string) *models.DispatchRequest {
	return &models.DispatchRequest{
		ID:          id,
		RequesterID: "r1",
		State:       models.RequestOffered,
		Offers: []models.Offer{
			{WorkerID: "w1", Response: models.OfferPending, ExpiresAt: time.Now().Add(time.Minute)},
			{WorkerID: "w2", Response: models.OfferPending, ExpiresAt: time.Now().Add(time.Minute)},
		},
		CreatedAt: time.Now(),
	}
}

func TestUpdateUnknown(t *testing.T) {
	m := NewMemory()
	err := m.Update("nope", func(r *models.DispatchRequest) error { return nil })
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	m := NewMemory()
	m.Create(newReq("r1"))
	got, _ := m.Get("r1")
	got.Offers[0].Response = models.OfferDeclined
	again, _ := m.Get("r1")
	if again.Offers[0].Response != models.OfferPending {
		t.Fatalf("Get leaked internal state")
	}
}

// The per-request lock must serialize concurrent read-modify-write cycles so
// that a guarded first-write-wins check admits exactly one winner.
func TestUpdateSerializesConcurrentWriters(t *testing.T) {
	m := NewMemory()
	m.Create(newReq("r1"))

	var wg sync.WaitGroup
	taken := errors.New("taken")
	wins := make(chan string, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		worker := "w1"
		if i%2 == 0 {
			worker = "w2"
		}
		go func(w string) {
			defer wg.Done()
			err := m.Update("r1", func(r *models.DispatchRequest) error {
				if r.AssignedWorkerID != "" {
					return taken
				}
				r.AssignedWorkerID = w
				return nil
			})
			if err == nil {
				wins <- w
			}
		}(worker)
	}
	wg.Wait()
	close(wins)
	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}
	got, _ := m.Get("r1")
	if got.AssignedWorkerID != winners[0] {
		t.Fatalf("stored winner %q != observed %q", got.AssignedWorkerID, winners[0])
	}
}

func TestActiveOffersFor(t *testing.T) {
	m := NewMemory()
	m.Create(newReq("r1"))
	m.Create(newReq("r2"))
	m.Update("r2", func(r *models.DispatchRequest) error {
		r.Offers[0].Response = models.OfferDeclined
		return nil
	})
	ids := m.ActiveOffersFor("w1")
	if len(ids) != 1 || ids[0] != "r1" {
		t.Fatalf("expected [r1], got %v", ids)
	}
	if ids := m.ActiveOffersFor("w2"); len(ids) != 2 {
		t.Fatalf("expected both requests for w2, got %v", ids)
	}
}
