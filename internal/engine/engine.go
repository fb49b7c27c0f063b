package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/instant-dispatch/internal/eta"
	"github.com/example/instant-dispatch/internal/models"
	"github.com/example/instant-dispatch/internal/notify"
	"github.com/example/instant-dispatch/internal/observability"
	"github.com/example/instant-dispatch/internal/registry"
	"github.com/example/instant-dispatch/internal/store"
)

// Booker creates the downstream booking on assignment.
type Booker interface {
	Create(ctx context.Context, req models.DispatchRequest, workerID string, etaMinutes int) (*models.Booking, error)
}

// Archiver receives terminal requests for durable storage.
type Archiver interface {
	ArchiveRequest(r *models.DispatchRequest) error
}

type Config struct {
	OfferTTL       time.Duration // per-offer countdown window
	RetryInterval  time.Duration // re-match cadence while pending with no workers
	MaxPendingWait time.Duration // total wait before a pending request expires
}

func (c *Config) applyDefaults() {
	if c.OfferTTL <= 0 {
		c.OfferTTL = 30 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 15 * time.Second
	}
	if c.MaxPendingWait <= 0 {
		c.MaxPendingWait = 2 * time.Minute
	}
}

// Engine runs the dispatch request lifecycle: matching, offer waves, offer
// expiry, and assignment resolution. It holds no request state of its own
// beyond in-flight timers; the store and registry are authoritative.
type Engine struct {
	Registry registry.Registry
	Store    store.RequestStore
	Notifier notify.Notifier
	ETA      *eta.Estimator
	Policy   OfferPolicy
	Booking  Booker   // optional
	Archive  Archiver // optional
	Logger   *slog.Logger

	cfg Config

	mu     sync.Mutex
	timers map[string][]*time.Timer
}

func New(reg registry.Registry, st store.RequestStore, n notify.Notifier, est *eta.Estimator, policy OfferPolicy, cfg Config, logger *slog.Logger) *Engine {
	cfg.applyDefaults()
	if n == nil {
		n = notify.Nop{}
	}
	if est == nil {
		est = &eta.Estimator{SpeedKmPerMin: eta.DefaultSpeedKmPerMin}
	}
	if policy == nil {
		policy = Waves{K: 3}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Registry: reg,
		Store:    st,
		Notifier: n,
		ETA:      est,
		Policy:   policy,
		Logger:   logger,
		cfg:      cfg,
		timers:   make(map[string][]*time.Timer),
	}
}

// Submit creates the dispatch request and runs the first matching pass. With
// no eligible workers the request stays pending and is retried on a fixed
// backoff until MaxPendingWait, then expires.
func (e *Engine) Submit(ctx context.Context, sub models.SubmitRequest) (models.DispatchRequest, error) {
	if !sub.Urgency.IsValid() {
		sub.Urgency = models.UrgencyFlexible
	}
	start := time.Now()
	req := &models.DispatchRequest{
		ID:          uuid.NewString(),
		RequesterID: sub.RequesterID,
		Origin:      sub.Origin,
		Category:    sub.Category,
		Urgency:     sub.Urgency,
		MaxBudget:   sub.MaxBudget,
		State:       models.RequestPending,
		CreatedAt:   start,
		UpdatedAt:   start,
	}
	if err := e.Store.Create(req); err != nil {
		return models.DispatchRequest{}, fmt.Errorf("create request: %w", err)
	}

	if err := e.tryMatch(req.ID); err == ErrNoEligibleWorkers {
		e.Logger.Info("no eligible workers, will retry", "request_id", req.ID)
		e.schedulePendingRetry(req.ID, start)
	} else if err != nil {
		return models.DispatchRequest{}, err
	} else {
		observability.MatchLatency.Observe(time.Since(start).Seconds())
	}

	out, _ := e.Store.Get(req.ID)
	return out, nil
}

// tryMatch computes the next offer wave and transitions the request to
// offered. Returns ErrNoEligibleWorkers when the wave is empty.
func (e *Engine) tryMatch(requestID string) error {
	snap, ok := e.Store.Get(requestID)
	if !ok {
		return store.ErrNotFound
	}
	if snap.State.Terminal() {
		return nil
	}

	// exclude every worker that already had an offer for this request
	excluding := make(map[string]bool, len(snap.Offers))
	for _, o := range snap.Offers {
		excluding[o.WorkerID] = true
	}
	eligible := e.Registry.FindEligible(snap.Origin, snap.Category, excluding)
	wave := e.Policy.NextWave(eligible)
	if len(wave) == 0 {
		return ErrNoEligibleWorkers
	}

	now := time.Now()
	offers := make([]models.Offer, 0, len(wave))
	for _, c := range wave {
		offers = append(offers, models.Offer{
			WorkerID:   c.WorkerID,
			DistanceKm: c.DistanceKm,
			EtaMinutes: e.ETA.Between(c.Loc, snap.Origin, c.DistanceKm),
			OfferedAt:  now,
			ExpiresAt:  now.Add(e.cfg.OfferTTL),
			Response:   models.OfferPending,
		})
	}

	var added []models.Offer
	err := e.Store.Update(requestID, func(r *models.DispatchRequest) error {
		// a concurrent accept or cancel may have landed since the snapshot
		if r.State.Terminal() {
			added = nil
			return nil
		}
		added = added[:0]
		for _, o := range offers {
			if r.OfferFor(o.WorkerID) >= 0 {
				continue
			}
			r.Offers = append(r.Offers, o)
			added = append(added, o)
		}
		if len(added) > 0 {
			r.State = models.RequestOffered
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("offer wave: %w", err)
	}

	for _, o := range added {
		workerID := o.WorkerID
		observability.OffersTotal.Inc()
		e.addTimer(requestID, time.AfterFunc(time.Until(o.ExpiresAt), func() {
			e.expireOffer(requestID, workerID)
		}))
		ev := notify.Event{
			Type:       notify.EventOffer,
			RequestID:  requestID,
			Category:   snap.Category,
			DistanceKm: o.DistanceKm,
			EtaMinutes: o.EtaMinutes,
			ExpiresAt:  o.ExpiresAt,
		}
		if err := e.Notifier.NotifyWorker(o.WorkerID, ev); err != nil {
			e.Logger.Warn("offer notify failed", "request_id", requestID, "worker_id", o.WorkerID, "error", err)
		}
	}
	if len(added) == 0 {
		return ErrNoEligibleWorkers
	}
	return nil
}

func (e *Engine) schedulePendingRetry(requestID string, createdAt time.Time) {
	e.addTimer(requestID, time.AfterFunc(e.cfg.RetryInterval, func() {
		snap, ok := e.Store.Get(requestID)
		if !ok || snap.State != models.RequestPending {
			return
		}
		if time.Since(createdAt) >= e.cfg.MaxPendingWait {
			e.expireRequest(requestID, "no_eligible_workers")
			return
		}
		if err := e.tryMatch(requestID); err == ErrNoEligibleWorkers {
			e.schedulePendingRetry(requestID, createdAt)
		} else if err != nil {
			e.Logger.Error("pending retry failed", "request_id", requestID, "error", err)
		}
	}))
}

// Cancel is valid only while pending or offered. A cancel racing a committed
// accept loses with ErrTooLate; the assignment stands.
func (e *Engine) Cancel(ctx context.Context, requestID string) error {
	var revoked []string
	err := e.Store.Update(requestID, func(r *models.DispatchRequest) error {
		switch r.State {
		case models.RequestAccepted:
			return ErrTooLate
		case models.RequestCancelled:
			return nil
		case models.RequestExpired:
			return ErrExpired
		}
		for i := range r.Offers {
			if r.Offers[i].Response == models.OfferPending {
				r.Offers[i].Response = models.OfferSuperseded
				revoked = append(revoked, r.Offers[i].WorkerID)
			}
		}
		r.State = models.RequestCancelled
		return nil
	})
	if err != nil {
		if err == store.ErrNotFound {
			return ErrNotOffered
		}
		return err
	}

	e.cancelTimers(requestID)
	observability.CancelledTotal.Inc()
	for _, w := range revoked {
		_ = e.Notifier.NotifyWorker(w, notify.Event{Type: notify.EventOfferRevoked, RequestID: requestID, Reason: "cancelled"})
	}
	e.archive(requestID)
	return nil
}

// expireOffer fires when an offer's TTL passes. Late fires are harmless: the
// response is re-checked under the request lock.
func (e *Engine) expireOffer(requestID, workerID string) {
	var last bool
	err := e.Store.Update(requestID, func(r *models.DispatchRequest) error {
		if r.State != models.RequestOffered {
			return nil
		}
		i := r.OfferFor(workerID)
		if i < 0 || r.Offers[i].Response != models.OfferPending {
			return nil
		}
		r.Offers[i].Response = models.OfferTimedOut
		last = r.OutstandingOffers() == 0
		return nil
	})
	if err != nil {
		e.Logger.Error("offer expiry failed", "request_id", requestID, "worker_id", workerID, "error", err)
		return
	}
	if last {
		e.advanceOrExpire(requestID)
	}
}

// advanceOrExpire runs after the last outstanding offer resolved without an
// acceptance: either the next wave goes out or the request expires.
func (e *Engine) advanceOrExpire(requestID string) {
	if err := e.tryMatch(requestID); err == ErrNoEligibleWorkers {
		e.expireRequest(requestID, "all_offers_exhausted")
	} else if err != nil && err != store.ErrNotFound {
		e.Logger.Error("wave advance failed", "request_id", requestID, "error", err)
	}
}

func (e *Engine) expireRequest(requestID, reason string) {
	var expired bool
	var requesterID string
	err := e.Store.Update(requestID, func(r *models.DispatchRequest) error {
		if r.State.Terminal() {
			return nil
		}
		for i := range r.Offers {
			if r.Offers[i].Response == models.OfferPending {
				r.Offers[i].Response = models.OfferTimedOut
			}
		}
		r.State = models.RequestExpired
		expired = true
		requesterID = r.RequesterID
		return nil
	})
	if err != nil {
		e.Logger.Error("expire failed", "request_id", requestID, "error", err)
		return
	}
	if !expired {
		return
	}
	e.cancelTimers(requestID)
	observability.ExpiredTotal.Inc()
	e.Logger.Info("request expired", "request_id", requestID, "reason", reason)
	_ = e.Notifier.NotifyRequester(requesterID, notify.Event{Type: notify.EventRequestExpired, RequestID: requestID, Reason: reason})
	e.archive(requestID)
}

func (e *Engine) archive(requestID string) {
	if e.Archive == nil {
		return
	}
	if snap, ok := e.Store.Get(requestID); ok {
		if err := e.Archive.ArchiveRequest(&snap); err != nil {
			e.Logger.Error("archive failed", "request_id", requestID, "error", err)
		}
	}
}

func (e *Engine) addTimer(requestID string, t *time.Timer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timers[requestID] = append(e.timers[requestID], t)
}

func (e *Engine) cancelTimers(requestID string) {
	e.mu.Lock()
	ts := e.timers[requestID]
	delete(e.timers, requestID)
	e.mu.Unlock()
	for _, t := range ts {
		t.Stop()
	}
}
