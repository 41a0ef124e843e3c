package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/order-dispatch/internal/models"
)

// ErrNotFound is returned when a request or notification id is unknown.
var ErrNotFound = errors.New("not found")

// DispatchStore is the durable record of in-flight dispatch state.
// AssignRequest and ExpireRequest are conditional updates: they succeed
// only while the request is still searching, which is what serializes
// concurrent accept attempts.
type DispatchStore interface {
	CreateRequest(ctx context.Context, r *models.DispatchRequest) error
	GetRequest(ctx context.Context, id string) (*models.DispatchRequest, error)
	// ListSearching returns every request still in searching status,
	// highest priority first. Used to resume after a restart.
	ListSearching(ctx context.Context) ([]*models.DispatchRequest, error)
	// ListStaleSearching returns searching requests not updated since
	// cutoff, highest priority first.
	ListStaleSearching(ctx context.Context, cutoff time.Time) ([]*models.DispatchRequest, error)
	// AppendTried adds driver ids to the tried set. Duplicates are
	// collapsed; a driver never appears twice.
	AppendTried(ctx context.Context, id string, driverIDs []string) error
	AppendRejected(ctx context.Context, id string, driverID string) error
	// WidenRadius grows the search radius by stepKm, clamped to the
	// request's max, and returns the new current radius.
	WidenRadius(ctx context.Context, id string, stepKm float64) (float64, error)
	// AssignRequest moves searching->assigned for driverID and reports
	// whether this call won the transition.
	AssignRequest(ctx context.Context, id, driverID string) (bool, error)
	// ExpireRequest moves searching->expired and reports whether this
	// call performed the transition.
	ExpireRequest(ctx context.Context, id string) (bool, error)

	CreateNotification(ctx context.Context, n *models.DriverNotification) error
	GetNotification(ctx context.Context, id string) (*models.DriverNotification, error)
	// MarkNotificationAccepted / MarkNotificationRejected flip a
	// pending notification exactly once; a second call reports false.
	MarkNotificationAccepted(ctx context.Context, id string, at time.Time) (bool, error)
	MarkNotificationRejected(ctx context.Context, id string, at time.Time) (bool, error)
	// CancelSiblings rejects every still-pending notification for
	// requestID except winnerID.
	CancelSiblings(ctx context.Context, requestID, winnerID string, at time.Time) error
	// ExpireStaleNotifications rejects every pending notification past
	// its expiry and returns the ones it flipped.
	ExpireStaleNotifications(ctx context.Context, now time.Time) ([]*models.DriverNotification, error)
	// PendingForDriver returns a driver's pending notifications, for
	// the store-and-poll path when no live channel exists.
	PendingForDriver(ctx context.Context, driverID string) ([]*models.DriverNotification, error)
}
