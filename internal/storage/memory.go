package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/order-dispatch/internal/models"
)

// MemoryStore keeps dispatch state in process memory. It backs local
// runs without Postgres and the engine tests. The single mutex gives
// the same serialization the SQL conditional updates provide.
type MemoryStore struct {
	mu            sync.Mutex
	requests      map[string]*models.DispatchRequest
	notifications map[string]*models.DriverNotification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:      make(map[string]*models.DispatchRequest),
		notifications: make(map[string]*models.DriverNotification),
	}
}

func (m *MemoryStore) CreateRequest(ctx context.Context, r *models.DispatchRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRequest(ctx context.Context, id string) (*models.DispatchRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRequest(r), nil
}

func (m *MemoryStore) ListSearching(ctx context.Context) ([]*models.DispatchRequest, error) {
	return m.listSearching(func(r *models.DispatchRequest) bool { return true })
}

func (m *MemoryStore) ListStaleSearching(ctx context.Context, cutoff time.Time) ([]*models.DispatchRequest, error) {
	return m.listSearching(func(r *models.DispatchRequest) bool { return r.UpdatedAt.Before(cutoff) })
}

func (m *MemoryStore) listSearching(keep func(*models.DispatchRequest) bool) ([]*models.DispatchRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.DispatchRequest{}
	for _, r := range m.requests {
		if r.Status == models.StatusSearching && keep(r) {
			out = append(out, copyRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) AppendTried(ctx context.Context, id string, driverIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	for _, d := range driverIDs {
		if !contains(r.TriedDriverIDs, d) {
			r.TriedDriverIDs = append(r.TriedDriverIDs, d)
		}
	}
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) AppendRejected(ctx context.Context, id string, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	if !contains(r.RejectedDriverIDs, driverID) {
		r.RejectedDriverIDs = append(r.RejectedDriverIDs, driverID)
	}
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) WidenRadius(ctx context.Context, id string, stepKm float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return 0, ErrNotFound
	}
	next := r.CurrentRadiusKm + stepKm
	if next > r.MaxRadiusKm {
		next = r.MaxRadiusKm
	}
	r.CurrentRadiusKm = next
	r.UpdatedAt = time.Now()
	return next, nil
}

func (m *MemoryStore) AssignRequest(ctx context.Context, id, driverID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != models.StatusSearching {
		return false, nil
	}
	r.Status = models.StatusAssigned
	r.AssignedDriverID = driverID
	r.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) ExpireRequest(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != models.StatusSearching {
		return false, nil
	}
	r.Status = models.StatusExpired
	r.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) CreateNotification(ctx context.Context, n *models.DriverNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.notifications[n.ID] = &cp
	return nil
}

func (m *MemoryStore) GetNotification(ctx context.Context, id string) (*models.DriverNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *MemoryStore) MarkNotificationAccepted(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return false, ErrNotFound
	}
	if !n.Pending() {
		return false, nil
	}
	n.Accepted = true
	n.AcceptedAt = &at
	return true, nil
}

func (m *MemoryStore) MarkNotificationRejected(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return false, ErrNotFound
	}
	if !n.Pending() {
		return false, nil
	}
	n.Rejected = true
	n.RejectedAt = &at
	return true, nil
}

func (m *MemoryStore) CancelSiblings(ctx context.Context, requestID, winnerID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.notifications {
		if n.RequestID == requestID && n.ID != winnerID && n.Pending() {
			n.Rejected = true
			n.RejectedAt = &at
		}
	}
	return nil
}

func (m *MemoryStore) ExpireStaleNotifications(ctx context.Context, now time.Time) ([]*models.DriverNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.DriverNotification{}
	for _, n := range m.notifications {
		if n.Pending() && n.ExpiresAt.Before(now) {
			n.Rejected = true
			at := now
			n.RejectedAt = &at
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) PendingForDriver(ctx context.Context, driverID string) ([]*models.DriverNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.DriverNotification{}
	for _, n := range m.notifications {
		if n.DriverID == driverID && n.Pending() {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func copyRequest(r *models.DispatchRequest) *models.DispatchRequest {
	cp := *r
	cp.TriedDriverIDs = append([]string(nil), r.TriedDriverIDs...)
	cp.RejectedDriverIDs = append([]string(nil), r.RejectedDriverIDs...)
	if r.Dropoff != nil {
		d := *r.Dropoff
		cp.Dropoff = &d
	}
	return &cp
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
