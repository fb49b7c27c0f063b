package eta

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/instant-dispatch/internal/models"
)

// DefaultSpeedKmPerMin corresponds to ~30 km/h urban driving.
const DefaultSpeedKmPerMin = 0.5

// MinEtaMinutes is the floor applied to every estimate.
const MinEtaMinutes = 5

// Client is the interface used by the engine to get routed ETAs.
type Client interface {
	EstimateMinutes(from, to models.Coord) (int, error)
}

// Minutes is the naive estimator: max(5, ceil(km / speed)).
// In prod a routing engine refines this; the floor still applies.
func Minutes(distanceKm, speedKmPerMin float64) int {
	if speedKmPerMin <= 0 {
		speedKmPerMin = DefaultSpeedKmPerMin
	}
	m := int(math.Ceil(distanceKm / speedKmPerMin))
	if m < MinEtaMinutes {
		return MinEtaMinutes
	}
	return m
}

// Cache is a tiny in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  int
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (int, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v int) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// Estimator resolves ETAs through an optional routing client with a cache,
// falling back to the naive distance/speed estimate.
type Estimator struct {
	Client        Client // optional
	Cache         *Cache // optional
	SpeedKmPerMin float64
}

func (e *Estimator) ForDistance(distanceKm float64) int {
	return Minutes(distanceKm, e.SpeedKmPerMin)
}

// Between returns the ETA in minutes from -> to, never below MinEtaMinutes.
func (e *Estimator) Between(from, to models.Coord, distanceKm float64) int {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return v
		}
	}
	if e.Client != nil {
		if v, err := e.Client.EstimateMinutes(from, to); err == nil {
			if v < MinEtaMinutes {
				v = MinEtaMinutes
			}
			if e.Cache != nil {
				e.Cache.Set(from, to, v)
			}
			return v
		}
	}
	return e.ForDistance(distanceKm)
}
