package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/order-dispatch/internal/dispatch"
	"github.com/example/order-dispatch/internal/geo"
	"github.com/example/order-dispatch/internal/models"
	"github.com/example/order-dispatch/internal/observability"
	"github.com/example/order-dispatch/internal/orders"
	"github.com/example/order-dispatch/internal/registry"
	"github.com/example/order-dispatch/internal/storage"
)

func newTestServer(t *testing.T) (*Server, *geo.Index) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	idx := geo.NewIndex()
	reg := registry.New(5*time.Minute, 30*time.Second, logger)
	engine := dispatch.NewEngine(store, idx, reg, &orders.LogOnly{Logger: logger}, dispatch.Config{}, logger)
	t.Cleanup(engine.Stop)
	return NewServer(idx, engine, store, reg, nil, logger), idx
}

func TestDriverLocationIngest(t *testing.T) {
	srv, idx := newTestServer(t)

	before := testutil.ToFloat64(observability.LocationUpdatesTotal)
	body, _ := json.Marshal(models.Driver{
		ID:        "d1",
		Loc:       models.Coord{Lat: 6.9271, Lon: 79.8612},
		Rating:    4.5,
		Available: true,
		Verified:  true,
		Active:    true,
	})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/internal/driver/locations", bytes.NewReader(body)))

	require.Equal(t, http.StatusNoContent, rec.Code)
	got := idx.Nearby(6.9271, 79.8612, 1, 10)
	require.Len(t, got, 1)
	assert.Equal(t, "d1", got[0].ID)
	assert.True(t, got[0].Online, "ingest marks the reporting driver online")
	assert.Equal(t, before+1, testutil.ToFloat64(observability.LocationUpdatesTotal))
}

func TestGetDispatchRequestNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/internal/dispatch/requests/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
