package geo

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/order-dispatch/internal/models"
)

// Geo is the minimal driver-index interface required by candidate
// selection and the ingest path.
type Geo interface {
	// Nearby returns drivers within radiusKm of (lat, lon), nearest
	// first, at most limit entries. Drivers without a known location
	// are never returned.
	Nearby(lat, lon, radiusKm float64, limit int) []models.Driver
	Upsert(d models.Driver)
	Remove(driverID string)
}

type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.Driver)}
}

func (g *Index) Upsert(d models.Driver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = time.Now()
	g.drivers[d.ID] = d
}

func (g *Index) Remove(driverID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
}

// naive scan; in prod use the Redis GEO index
func (g *Index) Nearby(lat, lon, radiusKm float64, limit int) []models.Driver {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		d    models.Driver
		dist float64
	}
	arr := make([]pair, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Online {
			continue
		}
		dist := DistanceKm(lat, lon, d.Loc.Lat, d.Loc.Lon)
		if math.IsNaN(dist) || dist > radiusKm {
			continue
		}
		arr = append(arr, pair{d, dist})
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].dist < arr[j].dist })
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]models.Driver, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.d)
	}
	return out
}

// DistanceKm is the Haversine great-circle distance in kilometers.
// Missing coordinates produce NaN, which callers must treat as
// infinitely far.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
