package registry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/example/instant-dispatch/internal/models"
	"github.com/example/instant-dispatch/internal/observability"
	"github.com/example/instant-dispatch/internal/ranking"
)

func loc(lat, lon float64) models.Location {
	return models.Location{Coord: models.Coord{Lat: lat, Lon: lon}, CapturedAt: time.Now()}
}

func instant(radiusKm float64) models.Preferences {
	return models.Preferences{MaxDistanceKm: radiusKm, AcceptsInstant: true}
}

func TestGoOnlineIdempotent(t *testing.T) {
	m := NewMemory(90*time.Second, nil)
	if err := m.GoOnline("w1", loc(1, 1), instant(10)); err != nil {
		t.Fatal(err)
	}
	if err := m.GoOnline("w1", loc(2, 2), instant(20)); err != nil {
		t.Fatal(err)
	}
	w, ok := m.Get("w1")
	if !ok || w.Loc.Lat != 2 || w.Prefs.MaxDistanceKm != 20 {
		t.Fatalf("expected refreshed record, got %+v", w)
	}
}

func TestHeartbeatRequiresOnline(t *testing.T) {
	m := NewMemory(90*time.Second, nil)
	if err := m.Heartbeat("ghost", loc(0, 0)); err != ErrNotOnline {
		t.Fatalf("expected ErrNotOnline, got %v", err)
	}
	m.GoOnline("w1", loc(0, 0), instant(10))
	m.GoOffline("w1")
	if err := m.Heartbeat("w1", loc(0, 0)); err != ErrNotOnline {
		t.Fatalf("expected ErrNotOnline after offline, got %v", err)
	}
}

// Scenario: W1 2 km away with a 25 km radius, W2 40 km away with a 25 km
// radius. Only W1 is eligible.
func TestFindEligibleRespectsWorkerRadius(t *testing.T) {
	m := NewMemory(90*time.Second, nil)
	m.GoOnline("w1", loc(0.018, 0), instant(25)) // ~2 km north
	m.GoOnline("w2", loc(0.36, 0), instant(25))  // ~40 km north
	got := m.FindEligible(models.Coord{}, "cleaning", nil)
	if len(got) != 1 || got[0].WorkerID != "w1" {
		t.Fatalf("expected only w1, got %+v", got)
	}
	if got[0].DistanceKm > 25 {
		t.Fatalf("candidate beyond its radius: %+v", got[0])
	}
}

func TestFindEligibleSkipsStaleEvenIfUnswept(t *testing.T) {
	m := NewMemory(50*time.Millisecond, nil)
	m.GoOnline("w1", loc(0, 0), instant(10))
	time.Sleep(80 * time.Millisecond)
	// no sweep has run; status is still available
	if w, _ := m.Get("w1"); w.Status != models.WorkerAvailable {
		t.Fatalf("precondition: expected unswept available, got %s", w.Status)
	}
	if got := m.FindEligible(models.Coord{}, "", nil); len(got) != 0 {
		t.Fatalf("stale worker leaked into eligibility: %+v", got)
	}
}

func TestSweepForcesOfflineAndFiresHook(t *testing.T) {
	m := NewMemory(30*time.Millisecond, nil)
	var gone []string
	m.SetOnOffline(func(id string) { gone = append(gone, id) })
	m.GoOnline("w1", loc(0, 0), instant(10))
	time.Sleep(50 * time.Millisecond)
	m.sweepOnce(time.Now())
	w, _ := m.Get("w1")
	if w.Status != models.WorkerOffline {
		t.Fatalf("expected swept offline, got %s", w.Status)
	}
	if len(gone) != 1 || gone[0] != "w1" {
		t.Fatalf("expected offline hook for w1, got %v", gone)
	}
	// already offline: no second hook fire
	m.GoOffline("w1")
	if len(gone) != 1 {
		t.Fatalf("hook refired for an offline worker: %v", gone)
	}
}

// The online gauge moves only on genuine transitions: repeated go-online,
// offline for an unknown worker, and repeated go-offline leave it alone, and
// the sweep decrements what it forces offline.
func TestWorkersOnlineGaugeTracksTransitions(t *testing.T) {
	base := testutil.ToFloat64(observability.WorkersOnline)
	delta := func() float64 { return testutil.ToFloat64(observability.WorkersOnline) - base }

	m := NewMemory(30*time.Millisecond, nil)
	m.GoOnline("w1", loc(0, 0), instant(10))
	m.GoOnline("w1", loc(1, 1), instant(10))
	if d := delta(); d != 1 {
		t.Fatalf("repeated go-online moved the gauge: %v", d)
	}
	m.GoOffline("ghost")
	if d := delta(); d != 1 {
		t.Fatalf("offline for unknown worker moved the gauge: %v", d)
	}
	m.GoOffline("w1")
	m.GoOffline("w1")
	if d := delta(); d != 0 {
		t.Fatalf("expected gauge back to baseline, got %v", d)
	}
	m.GoOnline("w2", loc(0, 0), instant(10))
	time.Sleep(50 * time.Millisecond)
	m.sweepOnce(time.Now())
	if d := delta(); d != 0 {
		t.Fatalf("sweep did not decrement the gauge, delta %v", d)
	}
}

func TestFindEligibleTieBreaksByRating(t *testing.T) {
	r := ranking.NewStatic()
	r.Set("low", 3.5)
	r.Set("high", 4.9)
	m := NewMemory(90*time.Second, r)
	m.GoOnline("low", loc(0, 0), instant(10))
	m.GoOnline("high", loc(0, 0), instant(10))
	got := m.FindEligible(models.Coord{}, "", nil)
	if len(got) != 2 || got[0].WorkerID != "high" {
		t.Fatalf("expected high-rated first, got %+v", got)
	}
}

func TestFindEligibleFilters(t *testing.T) {
	m := NewMemory(90*time.Second, nil)
	m.GoOnline("busy", loc(0, 0), instant(10))
	m.MarkBusy("busy")
	m.GoOnline("manual", loc(0, 0), models.Preferences{MaxDistanceKm: 10})
	m.GoOnline("plumber", loc(0, 0), models.Preferences{MaxDistanceKm: 10, AcceptsInstant: true, Categories: []string{"plumbing"}})
	m.GoOnline("excluded", loc(0, 0), instant(10))

	got := m.FindEligible(models.Coord{}, "cleaning", map[string]bool{"excluded": true})
	if len(got) != 0 {
		t.Fatalf("expected no eligible workers, got %+v", got)
	}
	if got := m.FindEligible(models.Coord{}, "plumbing", nil); len(got) != 1 || got[0].WorkerID != "plumber" {
		t.Fatalf("expected plumber for plumbing, got %+v", got)
	}
}

func TestMarkBusyAndAvailableAgain(t *testing.T) {
	m := NewMemory(90*time.Second, nil)
	m.GoOnline("w1", loc(0, 0), instant(10))
	if err := m.MarkBusy("w1"); err != nil {
		t.Fatal(err)
	}
	if got := m.FindEligible(models.Coord{}, "", nil); len(got) != 0 {
		t.Fatalf("busy worker still eligible: %+v", got)
	}
	if err := m.MarkAvailableAgain("w1"); err != nil {
		t.Fatal(err)
	}
	if got := m.FindEligible(models.Coord{}, "", nil); len(got) != 1 {
		t.Fatalf("expected worker back in pool, got %+v", got)
	}
}
