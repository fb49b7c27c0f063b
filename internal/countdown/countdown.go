package countdown

import (
	"context"
	"sync"
	"time"
)

// Actions is the slice of the resolver the controller drives.
type Actions interface {
	Accept(ctx context.Context, requestID, workerID string, claimedEtaMinutes int) error
	Decline(ctx context.Context, requestID, workerID string) error
}

// Controller is the headless per-offer countdown. It ticks once per second,
// exposes the remaining window as a projection of expires_at - now, and
// auto-declines exactly once when the window closes. A user action and the
// timeout can never both fire.
type Controller struct {
	requestID string
	workerID  string
	expiresAt time.Time
	actions   Actions
	onTick    func(remaining time.Duration) // optional

	mu       sync.Mutex
	resolved bool
	stop     chan struct{}
	stopOnce sync.Once
}

func New(requestID, workerID string, expiresAt time.Time, actions Actions, onTick func(time.Duration)) *Controller {
	return &Controller{
		requestID: requestID,
		workerID:  workerID,
		expiresAt: expiresAt,
		actions:   actions,
		onTick:    onTick,
		stop:      make(chan struct{}),
	}
}

// TimeLeft is derived, never stored: the server's expires_at is the authority.
func (c *Controller) TimeLeft() time.Duration {
	d := time.Until(c.expiresAt)
	if d < 0 {
		return 0
	}
	return d
}

// Run ticks until the offer resolves or ctx is done. Blocking; callers run it
// in a goroutine.
func (c *Controller) Run(ctx context.Context) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-t.C:
			remaining := c.TimeLeft()
			if c.onTick != nil {
				c.onTick(remaining)
			}
			if remaining == 0 {
				c.timeout(ctx)
				return
			}
		}
	}
}

// Accept resolves the offer in the worker's favor and stops the countdown.
func (c *Controller) Accept(ctx context.Context, claimedEtaMinutes int) error {
	if !c.resolve() {
		return nil // already resolved, inert
	}
	return c.actions.Accept(ctx, c.requestID, c.workerID, claimedEtaMinutes)
}

// Decline resolves the offer negatively and stops the countdown.
func (c *Controller) Decline(ctx context.Context) error {
	if !c.resolve() {
		return nil
	}
	return c.actions.Decline(ctx, c.requestID, c.workerID)
}

func (c *Controller) timeout(ctx context.Context) {
	if !c.resolve() {
		return
	}
	_ = c.actions.Decline(ctx, c.requestID, c.workerID)
}

// resolve flips the one-shot guard; only the first caller proceeds.
func (c *Controller) resolve() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved {
		return false
	}
	c.resolved = true
	c.stopOnce.Do(func() { close(c.stop) })
	return true
}
