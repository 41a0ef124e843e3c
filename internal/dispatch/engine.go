package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/example/order-dispatch/internal/eta"
	"github.com/example/order-dispatch/internal/fare"
	"github.com/example/order-dispatch/internal/geo"
	"github.com/example/order-dispatch/internal/models"
	"github.com/example/order-dispatch/internal/observability"
	"github.com/example/order-dispatch/internal/orders"
	"github.com/example/order-dispatch/internal/storage"
	"github.com/example/order-dispatch/internal/wsproto"
)

// ErrTooLate is returned on an accept that lost the assignment race.
var ErrTooLate = errors.New("order no longer available")

// ErrWrongDriver is returned when a driver answers someone else's
// notification.
var ErrWrongDriver = errors.New("notification does not belong to driver")

// ChannelRegistry is the push surface the engine needs from the
// connection registry.
type ChannelRegistry interface {
	Send(driverID string, m wsproto.Message) bool
}

// Config carries the dispatch tunables. Zero values are replaced with
// the defaults below.
type Config struct {
	InitialRadiusKm  float64
	RadiusStepKm     float64
	MaxRadiusKm      float64
	BatchSize        int
	CandidatePool    int
	NotificationTTL  time.Duration
	RejectRetryDelay time.Duration
	WidenRetryDelay  time.Duration
	SweepInterval    time.Duration
	StaleAfter       time.Duration
	RequestTTL       time.Duration
	DefaultSpeedMps  float64
}

func (c *Config) applyDefaults() {
	if c.InitialRadiusKm <= 0 {
		c.InitialRadiusKm = 2
	}
	if c.RadiusStepKm <= 0 {
		c.RadiusStepKm = 2
	}
	if c.MaxRadiusKm <= 0 {
		c.MaxRadiusKm = 10
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 3
	}
	if c.CandidatePool <= 0 {
		c.CandidatePool = 8 * c.BatchSize
	}
	if c.NotificationTTL <= 0 {
		c.NotificationTTL = 60 * time.Second
	}
	if c.RejectRetryDelay <= 0 {
		c.RejectRetryDelay = 2 * time.Second
	}
	if c.WidenRetryDelay <= 0 {
		c.WidenRetryDelay = 3 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * time.Minute
	}
	if c.RequestTTL <= 0 {
		c.RequestTTL = 10 * time.Minute
	}
	if c.DefaultSpeedMps <= 0 {
		c.DefaultSpeedMps = 10
	}
}

// Engine owns every in-flight dispatch request: it runs candidate
// selection, pushes notifications, resolves accept/reject races and
// widens the search radius until a driver accepts or the request
// expires. One Engine serves all service types.
type Engine struct {
	store    storage.DispatchStore
	geo      geo.Geo
	registry ChannelRegistry
	orders   orders.OrderService
	etaCli   eta.Client     // optional
	etaCache *eta.Cache     // optional
	fallback FallbackPusher // optional
	logger   *slog.Logger
	cfg      Config

	sched *scheduler
	locks keyedMutex
}

func NewEngine(store storage.DispatchStore, g geo.Geo, reg ChannelRegistry, ord orders.OrderService, cfg Config, logger *slog.Logger) *Engine {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:    store,
		geo:      g,
		registry: reg,
		orders:   ord,
		logger:   logger,
		cfg:      cfg,
	}
	e.sched = newScheduler(e.selectionPass)
	return e
}

// WithETA wires an optional routing client and cache used for the
// pickup-ETA shown to notified drivers.
func (e *Engine) WithETA(c eta.Client, cache *eta.Cache) *Engine {
	e.etaCli = c
	e.etaCache = cache
	return e
}

// WithFallbackPush wires an optional at-rest push path for drivers
// with no live channel.
func (e *Engine) WithFallbackPush(p FallbackPusher) *Engine {
	e.fallback = p
	return e
}

// CreateInput is what order management hands the engine when an order
// needs a driver.
type CreateInput struct {
	OrderID           string
	ServiceType       models.ServiceType
	CustomerID        string
	CustomerName      string
	CustomerPhone     string
	Pickup            models.Coord
	Dropoff           *models.Coord
	VehicleConstraint string
	Priority          int
}

// CreateDispatchRequest persists a new request and kicks off the first
// selection pass. It returns once the request is durable; selection
// runs asynchronously so one slow order never delays another.
func (e *Engine) CreateDispatchRequest(ctx context.Context, in CreateInput) (*models.DispatchRequest, error) {
	if !in.ServiceType.Valid() {
		return nil, fmt.Errorf("unknown service type %q", in.ServiceType)
	}
	if in.OrderID == "" {
		return nil, errors.New("order id required")
	}
	if in.Pickup.Lat == 0 && in.Pickup.Lon == 0 {
		return nil, errors.New("pickup coordinates required")
	}
	now := time.Now()
	req := &models.DispatchRequest{
		ID:                uuid.NewString(),
		OrderID:           in.OrderID,
		ServiceType:       in.ServiceType,
		CustomerID:        in.CustomerID,
		CustomerName:      in.CustomerName,
		CustomerPhone:     in.CustomerPhone,
		Pickup:            in.Pickup,
		Dropoff:           in.Dropoff,
		VehicleConstraint: in.VehicleConstraint,
		CurrentRadiusKm:   e.cfg.InitialRadiusKm,
		MaxRadiusKm:       e.cfg.MaxRadiusKm,
		Status:            models.StatusSearching,
		TriedDriverIDs:    []string{},
		RejectedDriverIDs: []string{},
		Priority:          in.Priority,
		ExpiresAt:         now.Add(e.cfg.RequestTTL),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.store.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("create dispatch request: %w", err)
	}
	observability.DispatchRequestsTotal.WithLabelValues(string(req.ServiceType)).Inc()
	e.logger.Info("dispatch request created",
		"request_id", req.ID, "order_id", req.OrderID, "service_type", req.ServiceType)
	e.sched.Schedule(req.ID, 0)
	return req, nil
}

// Resume reschedules every request still searching. Called once at
// startup; connection handles are ephemeral so drivers reconnect on
// their own.
func (e *Engine) Resume(ctx context.Context) error {
	reqs, err := e.store.ListSearching(ctx)
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	for _, r := range reqs {
		e.sched.Schedule(r.ID, 0)
	}
	if len(reqs) > 0 {
		e.logger.Info("resumed in-flight dispatch requests", "count", len(reqs))
	}
	return nil
}

// HandleAccept resolves driver driverID accepting notification
// notificationID. Exactly one concurrent accept per request returns
// nil; the rest get ErrTooLate.
func (e *Engine) HandleAccept(ctx context.Context, driverID, notificationID string) error {
	n, err := e.store.GetNotification(ctx, notificationID)
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	if n.DriverID != driverID {
		return ErrWrongDriver
	}
	now := time.Now()
	// a notification the sweep already flipped, or one past its TTL,
	// was an implicit reject; that driver cannot claim the order
	if !n.Pending() || now.After(n.ExpiresAt) {
		return ErrTooLate
	}
	won, err := e.store.AssignRequest(ctx, n.RequestID, driverID)
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	if !won {
		observability.RaceLossesTotal.Inc()
		// mark the loser's notification moot so it stops showing
		_, _ = e.store.MarkNotificationRejected(ctx, n.ID, now)
		return ErrTooLate
	}
	e.sched.Cancel(n.RequestID)
	if _, err := e.store.MarkNotificationAccepted(ctx, n.ID, now); err != nil {
		e.logger.Warn("mark accepted failed", "notification_id", n.ID, "error", err)
	}
	// best-effort: a sibling that survives will simply lose its race
	if err := e.store.CancelSiblings(ctx, n.RequestID, n.ID, now); err != nil {
		e.logger.Warn("cancel siblings failed", "request_id", n.RequestID, "error", err)
	}
	req, err := e.store.GetRequest(ctx, n.RequestID)
	if err != nil {
		e.logger.Warn("load request after assign failed", "request_id", n.RequestID, "error", err)
		req = &models.DispatchRequest{ID: n.RequestID, OrderID: n.OrderID, ServiceType: n.ServiceType}
	}
	// the customer-facing order proceeds even if this write fails;
	// reconciliation is manual
	if err := e.orders.ConfirmAssignment(ctx, req.OrderID, req.ServiceType, driverID, e.tripFare(req)); err != nil {
		e.logger.Error("order confirm callback failed",
			"order_id", req.OrderID, "driver_id", driverID, "error", err)
	}
	observability.AssignmentsTotal.WithLabelValues(string(req.ServiceType)).Inc()
	e.logger.Info("request assigned",
		"request_id", req.ID, "order_id", req.OrderID, "driver_id", driverID)
	return nil
}

// HandleReject records an explicit decline and schedules a prompt
// re-selection. The driver is never notified again for this request.
func (e *Engine) HandleReject(ctx context.Context, driverID, notificationID string) error {
	n, err := e.store.GetNotification(ctx, notificationID)
	if err != nil {
		return fmt.Errorf("reject: %w", err)
	}
	if n.DriverID != driverID {
		return ErrWrongDriver
	}
	now := time.Now()
	if _, err := e.store.MarkNotificationRejected(ctx, n.ID, now); err != nil {
		return fmt.Errorf("reject: %w", err)
	}
	if err := e.store.AppendRejected(ctx, n.RequestID, driverID); err != nil {
		return fmt.Errorf("reject: %w", err)
	}
	e.logger.Info("driver rejected request",
		"request_id", n.RequestID, "driver_id", driverID)
	e.sched.Schedule(n.RequestID, e.cfg.RejectRetryDelay)
	return nil
}

// Schedule queues a selection pass for requestID after delay. Exposed
// for the sweeper; passes for the same request are coalesced.
func (e *Engine) Schedule(requestID string, delay time.Duration) {
	e.sched.Schedule(requestID, delay)
}

// Stop cancels all queued selection passes.
func (e *Engine) Stop() {
	e.sched.Stop()
}

// expire moves the request to its terminal expired state and tells
// order management no driver was found.
func (e *Engine) expire(ctx context.Context, req *models.DispatchRequest) {
	ok, err := e.store.ExpireRequest(ctx, req.ID)
	if err != nil {
		e.logger.Warn("expire failed", "request_id", req.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	e.sched.Cancel(req.ID)
	observability.ExpirationsTotal.WithLabelValues(string(req.ServiceType)).Inc()
	e.logger.Info("dispatch request expired", "request_id", req.ID, "order_id", req.OrderID)
	if err := e.orders.MarkUnfulfilled(ctx, req.OrderID, req.ServiceType); err != nil {
		e.logger.Error("order unfulfilled callback failed", "order_id", req.OrderID, "error", err)
	}
}

// tripFare estimates the customer fare for the whole trip; with no
// dropoff (open-ended parcel runs) only the base applies.
func (e *Engine) tripFare(req *models.DispatchRequest) float64 {
	tripKm := 0.0
	if req.Dropoff != nil {
		if d := geo.DistanceKm(req.Pickup.Lat, req.Pickup.Lon, req.Dropoff.Lat, req.Dropoff.Lon); !math.IsNaN(d) {
			tripKm = d
		}
	}
	return fare.Estimate(req.ServiceType, tripKm)
}
