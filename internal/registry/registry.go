package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/instant-dispatch/internal/geo"
	"github.com/example/instant-dispatch/internal/models"
	"github.com/example/instant-dispatch/internal/observability"
	"github.com/example/instant-dispatch/internal/ranking"
)

// ErrNotOnline is returned when an operation requires a live worker record.
var ErrNotOnline = errors.New("worker not online")

// Candidate is an eligible worker with its measured distance, so callers can
// compute offer ETAs without re-measuring.
type Candidate struct {
	WorkerID   string
	Loc        models.Coord
	DistanceKm float64
}

// Registry is the single source of truth for worker availability. No other
// component mutates a worker's record directly.
type Registry interface {
	GoOnline(workerID string, loc models.Location, prefs models.Preferences) error
	Heartbeat(workerID string, loc models.Location) error
	GoOffline(workerID string) error
	MarkBusy(workerID string) error
	MarkAvailableAgain(workerID string) error
	FindEligible(origin models.Coord, category string, excluding map[string]bool) []Candidate
	Get(workerID string) (models.Worker, bool)
}

// Memory is the in-process registry implementation.
type Memory struct {
	mu        sync.RWMutex
	workers   map[string]*models.Worker
	staleness time.Duration
	ranking   ranking.Source

	hookMu    sync.RWMutex
	onOffline func(workerID string)
}

func NewMemory(staleness time.Duration, rank ranking.Source) *Memory {
	if rank == nil {
		rank = ranking.NewStatic()
	}
	return &Memory{
		workers:   make(map[string]*models.Worker),
		staleness: staleness,
		ranking:   rank,
	}
}

// SetOnOffline registers the hook fired whenever a worker leaves the available
// pool without responding to its offers (explicit go-offline or sweep).
func (m *Memory) SetOnOffline(fn func(workerID string)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onOffline = fn
}

func (m *Memory) fireOffline(workerID string) {
	m.hookMu.RLock()
	fn := m.onOffline
	m.hookMu.RUnlock()
	if fn != nil {
		fn(workerID)
	}
}

// GoOnline creates or resets the record to available. Idempotent: calling
// while already online just refreshes location and preferences. The online
// gauge moves only on a genuine offline-to-online transition.
func (m *Memory) GoOnline(workerID string, loc models.Location, prefs models.Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	w, ok := m.workers[workerID]
	if !ok {
		w = &models.Worker{ID: workerID}
		m.workers[workerID] = w
	}
	if !ok || w.Status == models.WorkerOffline {
		observability.WorkersOnline.Inc()
	}
	w.Status = models.WorkerAvailable
	w.Loc = loc
	w.Prefs = prefs
	w.LastHeartbeat = now
	return nil
}

func (m *Memory) Heartbeat(workerID string, loc models.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	if !ok || w.Status == models.WorkerOffline {
		return ErrNotOnline
	}
	w.Loc = loc
	w.LastHeartbeat = time.Now()
	return nil
}

// GoOffline is a no-op for unknown or already-offline workers: the gauge and
// the offline hook fire only when a live record actually leaves the pool.
func (m *Memory) GoOffline(workerID string) error {
	m.mu.Lock()
	w, ok := m.workers[workerID]
	wasLive := ok && w.Status != models.WorkerOffline
	if wasLive {
		w.Status = models.WorkerOffline
	}
	m.mu.Unlock()
	if wasLive {
		observability.WorkersOnline.Dec()
		m.fireOffline(workerID)
	}
	return nil
}

func (m *Memory) MarkBusy(workerID string) error {
	return m.setStatus(workerID, models.WorkerBusy)
}

func (m *Memory) MarkAvailableAgain(workerID string) error {
	return m.setStatus(workerID, models.WorkerAvailable)
}

func (m *Memory) setStatus(workerID string, s models.WorkerStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	if !ok {
		return ErrNotOnline
	}
	w.Status = s
	return nil
}

func (m *Memory) Get(workerID string) (models.Worker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[workerID]
	if !ok {
		return models.Worker{}, false
	}
	return *w, true
}

// FindEligible returns available, accepts-instant workers within their own
// max radius of origin, freshest-heartbeat-filtered, ascending by distance
// with rating as the tie break. A stale record is skipped here even if the
// sweep has not flipped its status yet.
func (m *Memory) FindEligible(origin models.Coord, category string, excluding map[string]bool) []Candidate {
	now := time.Now()
	m.mu.RLock()
	out := make([]Candidate, 0, len(m.workers))
	for _, w := range m.workers {
		if w.Status != models.WorkerAvailable || !w.Prefs.AcceptsInstant {
			continue
		}
		if excluding[w.ID] {
			continue
		}
		if now.Sub(w.LastHeartbeat) > m.staleness {
			continue
		}
		if !w.Prefs.Takes(category) {
			continue
		}
		d := geo.DistanceKm(w.Loc.Coord, origin)
		if d > w.Prefs.MaxDistanceKm {
			continue
		}
		out = append(out, Candidate{WorkerID: w.ID, Loc: w.Loc.Coord, DistanceKm: d})
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return m.ranking.Rating(out[i].WorkerID) > m.ranking.Rating(out[j].WorkerID)
	})
	return out
}

// Sweep forces any record without a heartbeat inside the staleness window to
// offline. Runs until ctx is done; independent of any specific request.
func (m *Memory) Sweep(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.sweepOnce(time.Now())
		}
	}
}

func (m *Memory) sweepOnce(now time.Time) []string {
	m.mu.Lock()
	var swept []string
	for _, w := range m.workers {
		if w.Status == models.WorkerOffline {
			continue
		}
		if now.Sub(w.LastHeartbeat) > m.staleness {
			w.Status = models.WorkerOffline
			swept = append(swept, w.ID)
		}
	}
	m.mu.Unlock()
	for _, id := range swept {
		observability.WorkersOnline.Dec()
		m.fireOffline(id)
	}
	return swept
}
