package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/order-dispatch/internal/models"
)

func seedReq(t *testing.T, s *MemoryStore, id string) *models.DispatchRequest {
	t.Helper()
	now := time.Now()
	r := &models.DispatchRequest{
		ID:                id,
		OrderID:           "order-" + id,
		ServiceType:       models.ServiceRide,
		CustomerID:        "c1",
		Pickup:            models.Coord{Lat: 1, Lon: 1},
		CurrentRadiusKm:   2,
		MaxRadiusKm:       10,
		Status:            models.StatusSearching,
		TriedDriverIDs:    []string{},
		RejectedDriverIDs: []string{},
		ExpiresAt:         now.Add(time.Hour),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, s.CreateRequest(context.Background(), r))
	return r
}

func TestAssignRequestIsExclusive(t *testing.T) {
	s := NewMemoryStore()
	seedReq(t, s, "r1")

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := []string{}
	for _, driver := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(driver string) {
			defer wg.Done()
			won, err := s.AssignRequest(context.Background(), "r1", driver)
			require.NoError(t, err)
			if won {
				mu.Lock()
				winners = append(winners, driver)
				mu.Unlock()
			}
		}(driver)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	r, err := s.GetRequest(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAssigned, r.Status)
	assert.Equal(t, winners[0], r.AssignedDriverID)

	// terminal: expire can no longer fire
	ok, err := s.ExpireRequest(context.Background(), "r1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpireRequestOnlyFromSearching(t *testing.T) {
	s := NewMemoryStore()
	seedReq(t, s, "r1")
	ok, err := s.ExpireRequest(context.Background(), "r1")
	require.NoError(t, err)
	assert.True(t, ok)

	won, err := s.AssignRequest(context.Background(), "r1", "a")
	require.NoError(t, err)
	assert.False(t, won, "expired is terminal")
}

func TestAppendTriedDeduplicates(t *testing.T) {
	s := NewMemoryStore()
	seedReq(t, s, "r1")
	require.NoError(t, s.AppendTried(context.Background(), "r1", []string{"a", "b"}))
	require.NoError(t, s.AppendTried(context.Background(), "r1", []string{"b", "c"}))
	r, err := s.GetRequest(context.Background(), "r1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, r.TriedDriverIDs)
}

func TestWidenRadiusClamps(t *testing.T) {
	s := NewMemoryStore()
	seedReq(t, s, "r1")
	for i := 0; i < 10; i++ {
		radius, err := s.WidenRadius(context.Background(), "r1", 3)
		require.NoError(t, err)
		assert.LessOrEqual(t, radius, 10.0)
	}
	r, err := s.GetRequest(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, r.CurrentRadiusKm)
}

func TestNotificationFlipsExactlyOnce(t *testing.T) {
	s := NewMemoryStore()
	seedReq(t, s, "r1")
	now := time.Now()
	n := &models.DriverNotification{
		ID: "n1", RequestID: "r1", DriverID: "a", OrderID: "order-r1",
		ServiceType: models.ServiceRide, CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}
	require.NoError(t, s.CreateNotification(context.Background(), n))

	ok, err := s.MarkNotificationAccepted(context.Background(), "n1", now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkNotificationRejected(context.Background(), "n1", now)
	require.NoError(t, err)
	assert.False(t, ok, "accepted notification must not flip to rejected")
}

func TestCancelSiblingsSparesWinner(t *testing.T) {
	s := NewMemoryStore()
	seedReq(t, s, "r1")
	now := time.Now()
	for _, id := range []string{"n1", "n2", "n3"} {
		require.NoError(t, s.CreateNotification(context.Background(), &models.DriverNotification{
			ID: id, RequestID: "r1", DriverID: "d-" + id, OrderID: "order-r1",
			ServiceType: models.ServiceRide, CreatedAt: now, ExpiresAt: now.Add(time.Minute),
		}))
	}
	require.NoError(t, s.CancelSiblings(context.Background(), "r1", "n2", now))

	winner, err := s.GetNotification(context.Background(), "n2")
	require.NoError(t, err)
	assert.True(t, winner.Pending())
	for _, id := range []string{"n1", "n3"} {
		n, err := s.GetNotification(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, n.Rejected)
	}
}

func TestExpireStaleNotificationsReturnsFlipped(t *testing.T) {
	s := NewMemoryStore()
	seedReq(t, s, "r1")
	now := time.Now()
	require.NoError(t, s.CreateNotification(context.Background(), &models.DriverNotification{
		ID: "old", RequestID: "r1", DriverID: "a", OrderID: "order-r1",
		ServiceType: models.ServiceRide, CreatedAt: now.Add(-2 * time.Minute), ExpiresAt: now.Add(-time.Minute),
	}))
	require.NoError(t, s.CreateNotification(context.Background(), &models.DriverNotification{
		ID: "fresh", RequestID: "r1", DriverID: "b", OrderID: "order-r1",
		ServiceType: models.ServiceRide, CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}))

	flipped, err := s.ExpireStaleNotifications(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, flipped, 1)
	assert.Equal(t, "old", flipped[0].ID)

	// idempotent
	flipped, err = s.ExpireStaleNotifications(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, flipped)
}

func TestListStaleSearchingOrdersByPriority(t *testing.T) {
	s := NewMemoryStore()
	low := seedReq(t, s, "low")
	high := seedReq(t, s, "high")
	_ = low
	hi, err := s.GetRequest(context.Background(), high.ID)
	require.NoError(t, err)
	hi.Priority = 5
	require.NoError(t, s.CreateRequest(context.Background(), hi))

	got, err := s.ListStaleSearching(context.Background(), time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "high", got[0].ID)
}
