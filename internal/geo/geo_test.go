package geo

import (
	"math"
	"testing"

	"github.com/example/order-dispatch/internal/models"
)

func TestDistanceKmZero(t *testing.T) {
	d := DistanceKm(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceKmKnown(t *testing.T) {
	// Colombo Fort to Galle Face Green, roughly 1.6 km
	d := DistanceKm(6.9344, 79.8428, 6.9271, 79.8612)
	if d < 1.0 || d > 3.0 {
		t.Fatalf("expected ~2km, got %f", d)
	}
}

func TestDistanceKmMissingCoords(t *testing.T) {
	d := DistanceKm(math.NaN(), 0, 6.9, 79.8)
	if !math.IsNaN(d) {
		t.Fatalf("expected NaN for missing coordinates, got %f", d)
	}
}

func TestIndexNearbyRadiusAndOrder(t *testing.T) {
	idx := NewIndex()
	// ~1.5km, ~1.8km and ~5km north of the pickup point
	idx.Upsert(models.Driver{ID: "near", Loc: models.Coord{Lat: 6.9406, Lon: 79.8612}, Online: true})
	idx.Upsert(models.Driver{ID: "mid", Loc: models.Coord{Lat: 6.9433, Lon: 79.8612}, Online: true})
	idx.Upsert(models.Driver{ID: "far", Loc: models.Coord{Lat: 6.9721, Lon: 79.8612}, Online: true})
	idx.Upsert(models.Driver{ID: "offline", Loc: models.Coord{Lat: 6.9280, Lon: 79.8612}, Online: false})

	got := idx.Nearby(6.9271, 79.8612, 2, 10)
	if len(got) != 2 {
		t.Fatalf("expected 2 drivers within 2km, got %d", len(got))
	}
	if got[0].ID != "near" || got[1].ID != "mid" {
		t.Fatalf("expected nearest-first order [near mid], got [%s %s]", got[0].ID, got[1].ID)
	}
}

func TestIndexRemove(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(models.Driver{ID: "d1", Loc: models.Coord{Lat: 1, Lon: 1}, Online: true})
	idx.Remove("d1")
	if got := idx.Nearby(1, 1, 5, 10); len(got) != 0 {
		t.Fatalf("expected empty index after remove, got %d", len(got))
	}
}
