package eta

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/example/towing-dispatch/internal/geo"
	"github.com/example/towing-dispatch/internal/models"
)

// Client returns a driving time between two points.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Cache is a tiny in-memory cache for ETA lookups keyed by coords.
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

// coordinates are rounded to ~11m so a mechanic idling in place hits the cache
func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.4f,%.4f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
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

const DefaultSpeedMps = 11.0 // ~40 km/h, tow trucks in mixed traffic

// EstimateSeconds is the straight-line fallback: great-circle distance over speed.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	d := geo.HaversineKm(from.Lat, from.Lon, to.Lat, to.Lon) * 1000
	return d / speedMps
}

// Estimator picks the arrival time for an accepted job. A lead time given by
// the mechanic wins; otherwise the routing client is asked, and the
// straight-line estimate covers a missing or failing client.
type Estimator struct {
	Client   Client
	Cache    *Cache
	SpeedMps float64
	Logger   *slog.Logger
}

func (e *Estimator) Arrival(ctx context.Context, from, to models.Coord, now time.Time, leadMinutes int) time.Time {
	if leadMinutes > 0 {
		return now.Add(time.Duration(leadMinutes) * time.Minute)
	}
	return now.Add(time.Duration(math.Ceil(e.seconds(ctx, from, to))) * time.Second)
}

func (e *Estimator) seconds(ctx context.Context, from, to models.Coord) float64 {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return v
		}
	}
	if e.Client != nil {
		v, err := e.Client.EstimateSeconds(ctx, from, to)
		if err == nil {
			if e.Cache != nil {
				e.Cache.Set(from, to, v)
			}
			return v
		}
		if e.Logger != nil {
			e.Logger.Warn("routing eta failed, using straight line", "err", err)
		}
	}
	return EstimateSeconds(from, to, e.SpeedMps)
}
