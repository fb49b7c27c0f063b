package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/instant-dispatch/internal/models"
	"github.com/example/instant-dispatch/internal/notify"
	"github.com/example/instant-dispatch/internal/registry"
	"github.com/example/instant-dispatch/internal/store"
)

type recNotifier struct {
	mu     sync.Mutex
	worker map[string][]notify.Event
	rider  map[string][]notify.Event
}

func newRecNotifier() *recNotifier {
	return &recNotifier{worker: make(map[string][]notify.Event), rider: make(map[string][]notify.Event)}
}

func (n *recNotifier) NotifyWorker(id string, ev notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.worker[id] = append(n.worker[id], ev)
	return nil
}

func (n *recNotifier) NotifyRequester(id string, ev notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rider[id] = append(n.rider[id], ev)
	return nil
}

func (n *recNotifier) workerEvents(id string) []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Event(nil), n.worker[id]...)
}

func (n *recNotifier) riderEvents(id string) []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Event(nil), n.rider[id]...)
}

type fakeBooker struct {
	mu    sync.Mutex
	calls map[string]int
}

func (b *fakeBooker) Create(ctx context.Context, req models.DispatchRequest, workerID string, etaMinutes int) (*models.Booking, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.calls == nil {
		b.calls = make(map[string]int)
	}
	b.calls[req.ID]++
	return &models.Booking{ID: "b-" + req.ID, RequestID: req.ID, WorkerID: workerID}, nil
}

type busyCounter struct {
	*registry.Memory
	mu    sync.Mutex
	busy  map[string]int
	avail map[string]int
}

func (c *busyCounter) MarkBusy(workerID string) error {
	c.mu.Lock()
	if c.busy == nil {
		c.busy = make(map[string]int)
	}
	c.busy[workerID]++
	c.mu.Unlock()
	return c.Memory.MarkBusy(workerID)
}

func (c *busyCounter) MarkAvailableAgain(workerID string) error {
	c.mu.Lock()
	if c.avail == nil {
		c.avail = make(map[string]int)
	}
	c.avail[workerID]++
	c.mu.Unlock()
	return c.Memory.MarkAvailableAgain(workerID)
}

type testEnv struct {
	eng      *Engine
	reg      *busyCounter
	st       *store.Memory
	notifier *recNotifier
	booker   *fakeBooker
}

func newEnv(t *testing.T, cfg Config, policy OfferPolicy) *testEnv {
	t.Helper()
	reg := &busyCounter{Memory: registry.NewMemory(time.Minute, nil)}
	st := store.NewMemory()
	n := newRecNotifier()
	b := &fakeBooker{}
	eng := New(reg, st, n, nil, policy, cfg, nil)
	eng.Booking = b
	reg.SetOnOffline(eng.WorkerOffline)
	return &testEnv{eng: eng, reg: reg, st: st, notifier: n, booker: b}
}

func online(reg registry.Registry, id string, lat float64, radiusKm float64) {
	reg.GoOnline(id, models.Location{Coord: models.Coord{Lat: lat}, CapturedAt: time.Now()},
		models.Preferences{MaxDistanceKm: radiusKm, AcceptsInstant: true})
}

func submit(t *testing.T, e *Engine) models.DispatchRequest {
	t.Helper()
	req, err := e.Submit(context.Background(), models.SubmitRequest{
		RequesterID: "rq1",
		Origin:      models.Coord{},
		Category:    "cleaning",
		Urgency:     models.UrgencyASAP,
	})
	if err != nil {
		t.Fatal(err)
	}
	return req
}

// W1 is ~2 km out, W2 ~40 km out, both with 25 km radii: only W1 gets an offer.
func TestOnlyWorkerInRangeIsOffered(t *testing.T) {
	env := newEnv(t, Config{}, Broadcast{})
	online(env.reg, "w1", 0.018, 25)
	online(env.reg, "w2", 0.36, 25)

	req := submit(t, env.eng)
	if req.State != models.RequestOffered {
		t.Fatalf("expected offered, got %s", req.State)
	}
	if len(req.Offers) != 1 || req.Offers[0].WorkerID != "w1" {
		t.Fatalf("expected a single offer to w1, got %+v", req.Offers)
	}
	if evs := env.notifier.workerEvents("w2"); len(evs) != 0 {
		t.Fatalf("w2 should not be notified, got %v", evs)
	}
	if evs := env.notifier.workerEvents("w1"); len(evs) != 1 || evs[0].Type != notify.EventOffer {
		t.Fatalf("expected one offer event for w1, got %v", evs)
	}
	if req.Offers[0].EtaMinutes < 5 {
		t.Fatalf("eta below floor: %d", req.Offers[0].EtaMinutes)
	}
}

// Both workers race to accept: exactly one wins, the other sees AlreadyTaken.
func TestConcurrentAcceptExactlyOnce(t *testing.T) {
	env := newEnv(t, Config{}, Broadcast{})
	online(env.reg, "w1", 0.01, 25)
	online(env.reg, "w2", 0.02, 25)
	req := submit(t, env.eng)
	if len(req.Offers) != 2 {
		t.Fatalf("expected 2 offers, got %d", len(req.Offers))
	}

	const callers = 32
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		w := "w1"
		if i%2 == 0 {
			w = "w2"
		}
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			results <- env.eng.Accept(context.Background(), req.ID, worker, 0)
		}(w)
	}
	wg.Wait()
	close(results)

	var wins, taken int
	for err := range results {
		switch err {
		case nil:
			wins++
		case ErrAlreadyTaken:
			taken++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	// the winner's retries also return nil, so count distinct side effects
	got, _ := env.st.Get(req.ID)
	if got.State != models.RequestAccepted || got.AssignedWorkerID == "" {
		t.Fatalf("expected accepted with winner, got %+v", got)
	}
	if wins == 0 || taken == 0 {
		t.Fatalf("expected both outcomes, wins=%d taken=%d", wins, taken)
	}
	env.reg.mu.Lock()
	busyCalls := env.reg.busy[got.AssignedWorkerID]
	env.reg.mu.Unlock()
	if busyCalls != 1 {
		t.Fatalf("expected a single markBusy, got %d", busyCalls)
	}
	if env.booker.calls[req.ID] != 1 {
		t.Fatalf("expected a single booking, got %d", env.booker.calls[req.ID])
	}
	accepted := 0
	for _, o := range got.Offers {
		if o.Response == models.OfferAccepted {
			accepted++
		}
	}
	if accepted != 1 {
		t.Fatalf("expected exactly one accepted offer, got %d", accepted)
	}
}

func TestAcceptIdempotentForWinner(t *testing.T) {
	env := newEnv(t, Config{}, Broadcast{})
	online(env.reg, "w1", 0.01, 25)
	req := submit(t, env.eng)

	if err := env.eng.Accept(context.Background(), req.ID, "w1", 7); err != nil {
		t.Fatal(err)
	}
	if err := env.eng.Accept(context.Background(), req.ID, "w1", 7); err != nil {
		t.Fatalf("retry by winner must succeed, got %v", err)
	}
	if env.booker.calls[req.ID] != 1 {
		t.Fatalf("booking duplicated: %d", env.booker.calls[req.ID])
	}
	env.reg.mu.Lock()
	defer env.reg.mu.Unlock()
	if env.reg.busy["w1"] != 1 {
		t.Fatalf("markBusy duplicated: %d", env.reg.busy["w1"])
	}
}

func TestAcceptWithoutOffer(t *testing.T) {
	env := newEnv(t, Config{}, Broadcast{})
	online(env.reg, "w1", 0.01, 25)
	req := submit(t, env.eng)
	if err := env.eng.Accept(context.Background(), req.ID, "stranger", 0); err != ErrNotOffered {
		t.Fatalf("expected ErrNotOffered, got %v", err)
	}
	if err := env.eng.Accept(context.Background(), "no-such-request", "w1", 0); err != ErrNotOffered {
		t.Fatalf("expected ErrNotOffered for unknown request, got %v", err)
	}
}

// A sole unanswered offer expires the whole request; nobody is marked busy.
func TestSoleOfferTimesOut(t *testing.T) {
	env := newEnv(t, Config{OfferTTL: 60 * time.Millisecond, RetryInterval: time.Hour, MaxPendingWait: time.Hour}, Broadcast{})
	online(env.reg, "w1", 0.01, 25)
	req := submit(t, env.eng)

	// never earlier than the TTL
	time.Sleep(20 * time.Millisecond)
	if got, _ := env.st.Get(req.ID); got.State != models.RequestOffered {
		t.Fatalf("request resolved before TTL: %s", got.State)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := env.st.Get(req.ID)
		if got.State == models.RequestExpired {
			if got.Offers[0].Response != models.OfferTimedOut {
				t.Fatalf("expected timed_out offer, got %s", got.Offers[0].Response)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("request never expired, state=%s", got.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if w, _ := env.reg.Get("w1"); w.Status == models.WorkerBusy {
		t.Fatal("no one accepted but worker is busy")
	}
	evs := env.notifier.riderEvents("rq1")
	if len(evs) != 1 || evs[0].Type != notify.EventRequestExpired {
		t.Fatalf("expected expiry notice, got %v", evs)
	}
}

// An accept that arrives past the deadline but before the expiry timer has
// fired must still move the request forward: here the sole offer is resolved
// by the accept itself, so the request expires and the requester hears about
// it even though the timer never got the chance.
func TestLateAcceptExpiresRequest(t *testing.T) {
	env := newEnv(t, Config{OfferTTL: 40 * time.Millisecond, RetryInterval: time.Hour, MaxPendingWait: time.Hour}, Broadcast{})
	online(env.reg, "w1", 0.01, 25)
	req := submit(t, env.eng)

	// simulate a lagging expiry timer
	env.eng.cancelTimers(req.ID)
	time.Sleep(60 * time.Millisecond)

	if err := env.eng.Accept(context.Background(), req.ID, "w1", 0); err != ErrExpired {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	got, _ := env.st.Get(req.ID)
	if got.State != models.RequestExpired {
		t.Fatalf("request stuck in %s after late accept", got.State)
	}
	if got.Offers[0].Response != models.OfferTimedOut {
		t.Fatalf("expected timed_out offer, got %s", got.Offers[0].Response)
	}

	// the delayed timer finally fires: terminal state must hold
	env.eng.expireOffer(req.ID, "w1")
	got, _ = env.st.Get(req.ID)
	if got.State != models.RequestExpired {
		t.Fatalf("late timer disturbed terminal state: %s", got.State)
	}
	evs := env.notifier.riderEvents("rq1")
	if len(evs) != 1 || evs[0].Type != notify.EventRequestExpired {
		t.Fatalf("expected a single expiry notice, got %v", evs)
	}
}

// Same race with another worker waiting: the late accept advances the wave.
func TestLateAcceptAdvancesWave(t *testing.T) {
	env := newEnv(t, Config{OfferTTL: 40 * time.Millisecond, RetryInterval: time.Hour, MaxPendingWait: time.Hour}, Waves{K: 1})
	online(env.reg, "near", 0.01, 25)
	online(env.reg, "far", 0.05, 25)
	req := submit(t, env.eng)

	env.eng.cancelTimers(req.ID)
	time.Sleep(60 * time.Millisecond)

	if err := env.eng.Accept(context.Background(), req.ID, "near", 0); err != ErrExpired {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	got, _ := env.st.Get(req.ID)
	if got.State != models.RequestOffered {
		t.Fatalf("expected next wave, got %s", got.State)
	}
	if i := got.OfferFor("far"); i < 0 || got.Offers[i].Response != models.OfferPending {
		t.Fatalf("expected pending offer for far, got %+v", got.Offers)
	}
	if err := env.eng.Accept(context.Background(), req.ID, "far", 0); err != nil {
		t.Fatalf("far should win the advanced wave, got %v", err)
	}
}

func TestAcceptAfterExpiry(t *testing.T) {
	env := newEnv(t, Config{OfferTTL: 30 * time.Millisecond}, Broadcast{})
	online(env.reg, "w1", 0.01, 25)
	req := submit(t, env.eng)
	time.Sleep(100 * time.Millisecond)
	if err := env.eng.Accept(context.Background(), req.ID, "w1", 0); err != ErrExpired {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

// Cancel racing a committed accept loses; the assignment stands.
func TestCancelAfterAcceptTooLate(t *testing.T) {
	env := newEnv(t, Config{}, Broadcast{})
	online(env.reg, "w1", 0.01, 25)
	req := submit(t, env.eng)
	if err := env.eng.Accept(context.Background(), req.ID, "w1", 6); err != nil {
		t.Fatal(err)
	}
	if err := env.eng.Cancel(context.Background(), req.ID); err != ErrTooLate {
		t.Fatalf("expected ErrTooLate, got %v", err)
	}
	got, _ := env.st.Get(req.ID)
	if got.State != models.RequestAccepted || got.AssignedWorkerID != "w1" {
		t.Fatalf("assignment must stand, got %+v", got)
	}
}

func TestCancelRevokesOutstandingOffers(t *testing.T) {
	env := newEnv(t, Config{}, Broadcast{})
	online(env.reg, "w1", 0.01, 25)
	online(env.reg, "w2", 0.02, 25)
	req := submit(t, env.eng)

	if err := env.eng.Cancel(context.Background(), req.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := env.st.Get(req.ID)
	if got.State != models.RequestCancelled {
		t.Fatalf("expected cancelled, got %s", got.State)
	}
	for _, w := range []string{"w1", "w2"} {
		evs := env.notifier.workerEvents(w)
		if len(evs) != 2 || evs[1].Type != notify.EventOfferRevoked {
			t.Fatalf("expected revoke for %s, got %v", w, evs)
		}
	}
	if err := env.eng.Accept(context.Background(), req.ID, "w1", 0); err != ErrExpired {
		t.Fatalf("expected ErrExpired after cancel, got %v", err)
	}
	// cancelling again is a no-op
	if err := env.eng.Cancel(context.Background(), req.ID); err != nil {
		t.Fatalf("repeat cancel should no-op, got %v", err)
	}
}

// Waves of one: a decline moves the offer to the next-closest worker.
func TestDeclineAdvancesWave(t *testing.T) {
	env := newEnv(t, Config{}, Waves{K: 1})
	online(env.reg, "near", 0.01, 25)
	online(env.reg, "far", 0.05, 25)
	req := submit(t, env.eng)
	if len(req.Offers) != 1 || req.Offers[0].WorkerID != "near" {
		t.Fatalf("expected first wave to near, got %+v", req.Offers)
	}

	if err := env.eng.Decline(context.Background(), req.ID, "near"); err != nil {
		t.Fatal(err)
	}
	got, _ := env.st.Get(req.ID)
	if got.State != models.RequestOffered || len(got.Offers) != 2 || got.Offers[1].WorkerID != "far" {
		t.Fatalf("expected second wave to far, got %+v", got)
	}
	if err := env.eng.Accept(context.Background(), req.ID, "far", 0); err != nil {
		t.Fatalf("far should win, got %v", err)
	}
	// declining never affects other workers: near still can't accept though
	if err := env.eng.Accept(context.Background(), req.ID, "near", 0); err != ErrAlreadyTaken && err != ErrNotOffered {
		t.Fatalf("expected taken/not-offered for near, got %v", err)
	}
}

// A worker going offline mid-offer counts as an immediate decline and the
// request advances to the next wave.
func TestWorkerOfflineMidOffer(t *testing.T) {
	env := newEnv(t, Config{}, Waves{K: 1})
	online(env.reg, "near", 0.01, 25)
	online(env.reg, "far", 0.05, 25)
	req := submit(t, env.eng)

	env.reg.GoOffline("near")

	got, _ := env.st.Get(req.ID)
	if i := got.OfferFor("near"); i < 0 || got.Offers[i].Response != models.OfferDeclined {
		t.Fatalf("expected near's offer declined, got %+v", got.Offers)
	}
	if i := got.OfferFor("far"); i < 0 || got.Offers[i].Response != models.OfferPending {
		t.Fatalf("expected wave advance to far, got %+v", got.Offers)
	}
}

// Last worker offline with nobody left: the request expires.
func TestWorkerOfflineLastOfferExpires(t *testing.T) {
	env := newEnv(t, Config{}, Broadcast{})
	online(env.reg, "only", 0.01, 25)
	req := submit(t, env.eng)

	env.reg.GoOffline("only")

	got, _ := env.st.Get(req.ID)
	if got.State != models.RequestExpired {
		t.Fatalf("expected expired, got %s", got.State)
	}
}

func TestNoEligibleWorkersRetriesThenExpires(t *testing.T) {
	env := newEnv(t, Config{OfferTTL: time.Second, RetryInterval: 25 * time.Millisecond, MaxPendingWait: 60 * time.Millisecond}, Broadcast{})
	req := submit(t, env.eng)
	if req.State != models.RequestPending {
		t.Fatalf("expected pending, got %s", req.State)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := env.st.Get(req.ID)
		if got.State == models.RequestExpired {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pending request never expired, state=%s", got.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
	evs := env.notifier.riderEvents("rq1")
	if len(evs) != 1 || evs[0].Reason != "no_eligible_workers" {
		t.Fatalf("expected no_eligible_workers expiry, got %v", evs)
	}
}

// A worker that comes online during the pending retry window gets the offer.
func TestPendingRetryPicksUpLateWorker(t *testing.T) {
	env := newEnv(t, Config{OfferTTL: time.Second, RetryInterval: 20 * time.Millisecond, MaxPendingWait: time.Second}, Broadcast{})
	req := submit(t, env.eng)

	online(env.reg, "late", 0.01, 25)

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := env.st.Get(req.ID)
		if got.State == models.RequestOffered {
			if got.Offers[0].WorkerID != "late" {
				t.Fatalf("expected offer to late, got %+v", got.Offers)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("retry never offered, state=%s", got.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCompleteFreesWorker(t *testing.T) {
	env := newEnv(t, Config{}, Broadcast{})
	online(env.reg, "w1", 0.01, 25)
	req := submit(t, env.eng)
	if err := env.eng.Accept(context.Background(), req.ID, "w1", 0); err != nil {
		t.Fatal(err)
	}
	if w, _ := env.reg.Get("w1"); w.Status != models.WorkerBusy {
		t.Fatalf("expected busy after accept, got %s", w.Status)
	}
	if err := env.eng.Complete(context.Background(), req.ID); err != nil {
		t.Fatal(err)
	}
	if w, _ := env.reg.Get("w1"); w.Status != models.WorkerAvailable {
		t.Fatalf("expected available after completion, got %s", w.Status)
	}
}

func TestCompleteIdempotent(t *testing.T) {
	env := newEnv(t, Config{}, Broadcast{})
	online(env.reg, "w1", 0.01, 25)
	req := submit(t, env.eng)
	if err := env.eng.Accept(context.Background(), req.ID, "w1", 0); err != nil {
		t.Fatal(err)
	}

	if err := env.eng.Complete(context.Background(), req.ID); err != nil {
		t.Fatal(err)
	}
	if err := env.eng.Complete(context.Background(), req.ID); err != nil {
		t.Fatalf("retried completion must succeed, got %v", err)
	}
	env.reg.mu.Lock()
	availCalls := env.reg.avail["w1"]
	env.reg.mu.Unlock()
	if availCalls != 1 {
		t.Fatalf("markAvailableAgain duplicated: %d", availCalls)
	}
	got, _ := env.st.Get(req.ID)
	if got.CompletedAt == nil {
		t.Fatal("completion not recorded on the request")
	}
	if err := env.eng.Complete(context.Background(), "no-such-request"); err != ErrNotOffered {
		t.Fatalf("expected ErrNotOffered for unknown request, got %v", err)
	}
}
