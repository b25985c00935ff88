package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/towing-dispatch/internal/models"
)

const earthRadiusKm = 6371.0

// Directory is the read/write view of mechanic locations and contact data.
type Directory interface {
	Upsert(ctx context.Context, m models.Mechanic) error
	Get(ctx context.Context, id string) (models.Mechanic, error)
	Nearby(ctx context.Context, lat, lon, radiusKm float64) ([]models.Mechanic, error)
}

// Index is an in-memory Directory. Nearby returns mechanics in insertion
// order so ties downstream stay deterministic.
type Index struct {
	mu        sync.RWMutex
	order     []string
	mechanics map[string]models.Mechanic
}

func NewIndex() *Index {
	return &Index{mechanics: make(map[string]models.Mechanic)}
}

func (g *Index) Upsert(_ context.Context, m models.Mechanic) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if m.Updated.IsZero() {
		m.Updated = time.Now()
	}
	if _, ok := g.mechanics[m.ID]; !ok {
		g.order = append(g.order, m.ID)
	}
	g.mechanics[m.ID] = m
	return nil
}

func (g *Index) Get(_ context.Context, id string) (models.Mechanic, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	m, ok := g.mechanics[id]
	if !ok {
		return models.Mechanic{}, models.ErrUnknownMechanic
	}
	return m, nil
}

// naive scan; fine for the mechanic counts a single city has
func (g *Index) Nearby(_ context.Context, lat, lon, radiusKm float64) ([]models.Mechanic, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.Mechanic, 0, len(g.order))
	for _, id := range g.order {
		m := g.mechanics[id]
		if HaversineKm(lat, lon, m.Loc.Lat, m.Loc.Lon) <= radiusKm {
			out = append(out, m)
		}
	}
	return out, nil
}

// HaversineKm is the great-circle distance in kilometres on a sphere of mean
// Earth radius. No altitude correction.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}
