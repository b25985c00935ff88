package geo

import (
	"context"
	"fmt"
	"sort"

	"github.com/example/towing-dispatch/internal/models"
)

const (
	DefaultRadiusKm = 50.0
	DefaultLimit    = 10
)

// Finder selects the mechanics eligible to receive a dispatch.
type Finder struct {
	Dir        Directory
	RadiusKm   float64
	Limit      int
	Capability string
}

func NewFinder(dir Directory, radiusKm float64, limit int) *Finder {
	if radiusKm <= 0 {
		radiusKm = DefaultRadiusKm
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Finder{Dir: dir, RadiusKm: radiusKm, Limit: limit, Capability: models.ServiceTowing}
}

// Find returns available, capable, not-yet-declined mechanics within the
// radius, nearest first. Equal distances keep directory order. An empty
// result is not an error.
func (f *Finder) Find(ctx context.Context, pickup models.Coord, exclude []string) ([]models.MechanicCandidate, error) {
	mechanics, err := f.Dir.Nearby(ctx, pickup.Lat, pickup.Lon, f.RadiusKm)
	if err != nil {
		return nil, fmt.Errorf("nearby mechanics: %w", err)
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	out := make([]models.MechanicCandidate, 0, len(mechanics))
	for _, m := range mechanics {
		if !m.Available {
			continue
		}
		if f.Capability != "" && !m.Offers(f.Capability) {
			continue
		}
		if _, declined := skip[m.ID]; declined {
			continue
		}
		// recompute rather than trust the backend's distance
		d := HaversineKm(pickup.Lat, pickup.Lon, m.Loc.Lat, m.Loc.Lon)
		if d > f.RadiusKm {
			continue
		}
		out = append(out, models.MechanicCandidate{Mechanic: m, DistanceKm: d})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
