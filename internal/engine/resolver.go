package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/example/instant-dispatch/internal/models"
	"github.com/example/instant-dispatch/internal/notify"
	"github.com/example/instant-dispatch/internal/observability"
	"github.com/example/instant-dispatch/internal/store"
)

// Accept resolves a worker's claim on a request. Exactly one concurrent
// caller commits; the compare-and-set runs inside the store's per-request
// critical section. A nil return means Assigned. Retrying a successful accept
// returns nil again without duplicating side effects.
func (e *Engine) Accept(ctx context.Context, requestID, workerID string, claimedEtaMinutes int) error {
	var (
		already     bool
		expiredLast bool
		superseded  []string
		snapshot    models.DispatchRequest
		etaMinutes  int
	)
	err := e.Store.Update(requestID, func(r *models.DispatchRequest) error {
		if r.State == models.RequestAccepted {
			if r.AssignedWorkerID == workerID {
				already = true
				return nil
			}
			return ErrAlreadyTaken
		}
		if r.State.Terminal() {
			return ErrExpired
		}
		i := r.OfferFor(workerID)
		if i < 0 {
			return ErrNotOffered
		}
		switch r.Offers[i].Response {
		case models.OfferPending:
		case models.OfferTimedOut:
			return ErrExpired
		default: // declined or superseded: no live offer
			return ErrNotOffered
		}
		if r.State != models.RequestOffered {
			return ErrExpired
		}
		if time.Now().After(r.Offers[i].ExpiresAt) {
			// the clock beat the expiry timer: resolve the offer here, and if
			// it was the last one outstanding the wave must still advance,
			// because the lagging timer will see a non-pending offer and no-op
			r.Offers[i].Response = models.OfferTimedOut
			expiredLast = r.OutstandingOffers() == 0
			return ErrExpired
		}

		// the commit point: assigned_worker_id is still unset here
		r.AssignedWorkerID = workerID
		r.State = models.RequestAccepted
		r.Offers[i].Response = models.OfferAccepted
		etaMinutes = r.Offers[i].EtaMinutes
		for j := range r.Offers {
			if j != i && r.Offers[j].Response == models.OfferPending {
				r.Offers[j].Response = models.OfferSuperseded
				superseded = append(superseded, r.Offers[j].WorkerID)
			}
		}
		snapshot = *r
		return nil
	})
	switch err {
	case nil:
	case store.ErrNotFound:
		return ErrNotOffered
	case ErrNotOffered, ErrExpired:
		if expiredLast {
			e.advanceOrExpire(requestID)
		}
		return err
	case ErrAlreadyTaken:
		observability.AcceptRaceLost.Inc()
		return err
	default:
		// storage failure must stay distinct from the domain taxonomy
		return fmt.Errorf("assignment store: %w", err)
	}
	if already {
		return nil
	}

	e.cancelTimers(requestID)
	observability.AssignmentsTotal.Inc()

	if claimedEtaMinutes <= 0 {
		claimedEtaMinutes = etaMinutes
	}
	if err := e.Registry.MarkBusy(workerID); err != nil {
		e.Logger.Error("mark busy failed", "worker_id", workerID, "error", err)
	}
	for _, w := range superseded {
		_ = e.Notifier.NotifyWorker(w, notify.Event{Type: notify.EventOfferRevoked, RequestID: requestID, Reason: "taken"})
	}
	_ = e.Notifier.NotifyRequester(snapshot.RequesterID, notify.Event{
		Type:       notify.EventAssigned,
		RequestID:  requestID,
		WorkerID:   workerID,
		EtaMinutes: claimedEtaMinutes,
	})
	if e.Booking != nil {
		if _, err := e.Booking.Create(ctx, snapshot, workerID, claimedEtaMinutes); err != nil {
			e.Logger.Error("booking create failed", "request_id", requestID, "error", err)
		}
	}
	e.archive(requestID)
	e.Logger.Info("request assigned", "request_id", requestID, "worker_id", workerID, "eta_minutes", claimedEtaMinutes)
	return nil
}

// Decline marks the worker's own offer declined. It never touches other
// workers' offers; if it resolved the last outstanding offer, the next wave
// goes out or the request expires.
func (e *Engine) Decline(ctx context.Context, requestID, workerID string) error {
	var last bool
	err := e.Store.Update(requestID, func(r *models.DispatchRequest) error {
		if r.State.Terminal() {
			return nil
		}
		i := r.OfferFor(workerID)
		if i < 0 {
			return ErrNotOffered
		}
		if r.Offers[i].Response != models.OfferPending {
			return nil // already resolved, idempotent
		}
		r.Offers[i].Response = models.OfferDeclined
		last = r.State == models.RequestOffered && r.OutstandingOffers() == 0
		return nil
	})
	if err != nil {
		if err == store.ErrNotFound {
			return ErrNotOffered
		}
		if err == ErrNotOffered {
			return err
		}
		return fmt.Errorf("decline store: %w", err)
	}
	if last {
		e.advanceOrExpire(requestID)
	}
	return nil
}

// WorkerOffline treats every in-flight offer held by the worker as an
// immediate decline. Wired to the registry's offline hook.
func (e *Engine) WorkerOffline(workerID string) {
	for _, requestID := range e.Store.ActiveOffersFor(workerID) {
		if err := e.Decline(context.Background(), requestID, workerID); err != nil {
			e.Logger.Warn("offline decline failed", "request_id", requestID, "worker_id", workerID, "error", err)
		}
	}
}

// Complete marks the assigned task finished: the worker returns to the
// available pool and any payment hold is captured by the booking collaborator.
// Idempotent: a retried completion returns nil without repeating side effects.
func (e *Engine) Complete(ctx context.Context, requestID string) error {
	var (
		already  bool
		workerID string
	)
	err := e.Store.Update(requestID, func(r *models.DispatchRequest) error {
		if r.State != models.RequestAccepted {
			return ErrExpired
		}
		if r.CompletedAt != nil {
			already = true
			return nil
		}
		now := time.Now()
		r.CompletedAt = &now
		workerID = r.AssignedWorkerID
		return nil
	})
	switch err {
	case nil:
	case store.ErrNotFound:
		return ErrNotOffered
	case ErrExpired:
		return err
	default:
		return fmt.Errorf("complete store: %w", err)
	}
	if already {
		return nil
	}

	if err := e.Registry.MarkAvailableAgain(workerID); err != nil {
		e.Logger.Error("mark available failed", "worker_id", workerID, "error", err)
	}
	if c, ok := e.Booking.(interface {
		Complete(ctx context.Context, requestID string) error
	}); ok {
		if err := c.Complete(ctx, requestID); err != nil {
			return err
		}
	}
	e.archive(requestID)
	return nil
}
