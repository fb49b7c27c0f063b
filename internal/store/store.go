package store

import (
	"errors"
	"sync"
	"time"

	"github.com/example/instant-dispatch/internal/models"
)

// ErrNotFound is returned for an unknown request id.
var ErrNotFound = errors.New("request not found")

// RequestStore owns dispatch request records. Update runs fn under a
// per-request lock; that critical section is the linearization point for the
// assignment compare-and-set, so different requests never contend.
type RequestStore interface {
	Create(r *models.DispatchRequest) error
	Get(id string) (models.DispatchRequest, bool)
	Update(id string, fn func(*models.DispatchRequest) error) error
	ActiveOffersFor(workerID string) []string
}

type entry struct {
	mu  sync.Mutex
	req *models.DispatchRequest
}

type Memory struct {
	mu       sync.RWMutex
	requests map[string]*entry
}

func NewMemory() *Memory {
	return &Memory{requests: make(map[string]*entry)}
}

func (m *Memory) Create(r *models.DispatchRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneRequest(r)
	m.requests[r.ID] = &entry{req: cp}
	return nil
}

func (m *Memory) Get(id string) (models.DispatchRequest, bool) {
	m.mu.RLock()
	e, ok := m.requests[id]
	m.mu.RUnlock()
	if !ok {
		return models.DispatchRequest{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return *cloneRequest(e.req), true
}

func (m *Memory) Update(id string, fn func(*models.DispatchRequest) error) error {
	m.mu.RLock()
	e, ok := m.requests[id]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := fn(e.req); err != nil {
		return err
	}
	e.req.UpdatedAt = time.Now()
	return nil
}

// ActiveOffersFor lists requests that still hold a pending offer for the
// worker. Naive scan; request volume in flight is small.
func (m *Memory) ActiveOffersFor(workerID string) []string {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.requests))
	for _, e := range m.requests {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var ids []string
	for _, e := range entries {
		e.mu.Lock()
		if e.req.State == models.RequestOffered {
			if i := e.req.OfferFor(workerID); i >= 0 && e.req.Offers[i].Response == models.OfferPending {
				ids = append(ids, e.req.ID)
			}
		}
		e.mu.Unlock()
	}
	return ids
}

func cloneRequest(r *models.DispatchRequest) *models.DispatchRequest {
	cp := *r
	cp.Offers = make([]models.Offer, len(r.Offers))
	copy(cp.Offers, r.Offers)
	return &cp
}
