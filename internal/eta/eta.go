package eta

import (
	"fmt"
	"sync"
	"time"

	"github.com/example/order-dispatch/internal/geo"
	"github.com/example/order-dispatch/internal/models"
)

// Client estimates travel time between two points. Implemented by
// OSRMClient; selection falls back to EstimateSeconds when no client
// is configured or a lookup fails.
type Client interface {
	EstimateSeconds(from, to models.Coord) (float64, error)
}

// Cache is a small in-memory TTL cache for pickup ETA lookups, keyed
// by the coordinate pair. Offers for the same request resolve the same
// pickup point, so even a short TTL absorbs most repeat lookups.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f->%.6f,%.6f", a.Lat, a.Lon, b.Lat, b.Lon)
}

// Get returns the cached seconds and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
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

func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// EstimateSeconds is the naive straight-line fallback: great-circle
// distance over an assumed city speed.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h
	}
	km := geo.DistanceKm(from.Lat, from.Lon, to.Lat, to.Lon)
	return km * 1000.0 / speedMps
}
