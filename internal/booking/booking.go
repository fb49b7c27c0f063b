package booking

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/instant-dispatch/internal/models"
)

// Sink persists booking records.
type Sink interface {
	SaveBooking(b *models.Booking) error
}

// MemorySink keeps bookings in memory; default when no DSN is configured.
type MemorySink struct {
	mu       sync.RWMutex
	bookings map[string]*models.Booking
}

func NewMemorySink() *MemorySink {
	return &MemorySink{bookings: make(map[string]*models.Booking)}
}

func (m *MemorySink) SaveBooking(b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bookings[b.ID] = b
	return nil
}

func (m *MemorySink) Get(id string) (*models.Booking, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	return b, ok
}

// Service is the task/booking collaborator: it turns a successful assignment
// into a downstream booking and, for budgeted requests, a payment hold.
type Service struct {
	Sink     Sink
	Payments PaymentHolder // optional
	Currency string
	Logger   *slog.Logger

	mu        sync.Mutex
	byRequest map[string]*models.Booking
	captured  map[string]bool
}

func NewService(sink Sink, payments PaymentHolder, currency string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if currency == "" {
		currency = "usd"
	}
	return &Service{
		Sink:      sink,
		Payments:  payments,
		Currency:  currency,
		Logger:    logger,
		byRequest: make(map[string]*models.Booking),
		captured:  make(map[string]bool),
	}
}

// Create makes the booking for an assignment. Idempotent per request so a
// retried accept cannot duplicate the downstream record or the hold.
func (s *Service) Create(ctx context.Context, req models.DispatchRequest, workerID string, etaMinutes int) (*models.Booking, error) {
	s.mu.Lock()
	if b, ok := s.byRequest[req.ID]; ok {
		s.mu.Unlock()
		return b, nil
	}
	s.mu.Unlock()

	b := &models.Booking{
		ID:          uuid.NewString(),
		RequestID:   req.ID,
		RequesterID: req.RequesterID,
		WorkerID:    workerID,
		EtaMinutes:  etaMinutes,
		CreatedAt:   time.Now(),
	}
	if req.MaxBudget > 0 && s.Payments != nil {
		pi, err := s.Payments.Hold(ctx, int64(req.MaxBudget*100), s.Currency, req.RequesterID)
		if err != nil {
			return nil, fmt.Errorf("payment hold: %w", err)
		}
		b.PaymentIntentID = pi
	}
	if err := s.Sink.SaveBooking(b); err != nil {
		if b.PaymentIntentID != "" && s.Payments != nil {
			if cerr := s.Payments.Cancel(ctx, b.PaymentIntentID); cerr != nil {
				s.Logger.Error("orphaned payment hold", "payment_intent", b.PaymentIntentID, "error", cerr)
			}
		}
		return nil, fmt.Errorf("save booking: %w", err)
	}

	s.mu.Lock()
	s.byRequest[req.ID] = b
	s.mu.Unlock()
	return b, nil
}

// Complete captures the hold, if any, when the task finishes. A hold is
// captured at most once; Stripe rejects a second capture of the same intent,
// so a retried completion must not reach the payments client at all.
func (s *Service) Complete(ctx context.Context, requestID string) error {
	s.mu.Lock()
	b, ok := s.byRequest[requestID]
	done := s.captured[requestID]
	s.mu.Unlock()
	if !ok || done {
		return nil
	}
	if b.PaymentIntentID != "" && s.Payments != nil {
		if err := s.Payments.Capture(ctx, b.PaymentIntentID); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.captured[requestID] = true
	s.mu.Unlock()
	return nil
}
