package dispatch

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/example/order-dispatch/internal/eta"
	"github.com/example/order-dispatch/internal/geo"
	"github.com/example/order-dispatch/internal/models"
	"github.com/example/order-dispatch/internal/observability"
	"github.com/example/order-dispatch/internal/wsproto"
)

const selectionTimeout = 15 * time.Second

type candidate struct {
	driver models.Driver
	distKm float64
}

// selectionPass is the scheduler callback: one pass of candidate
// selection for requestID. The keyed lock makes select-and-append
// atomic per request, so two triggers can never notify overlapping
// batches.
func (e *Engine) selectionPass(requestID string) {
	unlock := e.locks.Lock(requestID)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), selectionTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		observability.SelectionLatency.Observe(time.Since(start).Seconds())
	}()

	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		e.logger.Warn("selection: load request failed", "request_id", requestID, "error", err)
		return
	}
	if req.Status != models.StatusSearching {
		return
	}
	if time.Now().After(req.ExpiresAt) {
		e.expire(ctx, req)
		return
	}

	cands := e.selectCandidates(req)
	if len(cands) == 0 {
		if req.CurrentRadiusKm < req.MaxRadiusKm {
			radius, err := e.store.WidenRadius(ctx, req.ID, e.cfg.RadiusStepKm)
			if err != nil {
				e.logger.Warn("widen radius failed", "request_id", req.ID, "error", err)
				return
			}
			observability.RadiusExpansions.Inc()
			e.logger.Info("search radius widened",
				"request_id", req.ID, "radius_km", radius, "max_radius_km", req.MaxRadiusKm)
			e.sched.Schedule(req.ID, e.cfg.WidenRetryDelay)
			return
		}
		e.expire(ctx, req)
		return
	}

	e.notify(ctx, req, cands)
	// follow-up pass after the batch's TTL covers drivers that never
	// answer; the periodic sweep is the backstop
	e.sched.Schedule(req.ID, e.cfg.NotificationTTL+e.cfg.RejectRetryDelay)
}

// selectCandidates filters the proximity query down to the top batch:
// eligible, vehicle-compatible, not yet tried, within the current
// radius; nearest first, rating breaking ties.
func (e *Engine) selectCandidates(req *models.DispatchRequest) []candidate {
	raw := e.geo.Nearby(req.Pickup.Lat, req.Pickup.Lon, req.CurrentRadiusKm, e.cfg.CandidatePool)
	cands := make([]candidate, 0, len(raw))
	for _, d := range raw {
		if !d.Eligible() {
			continue
		}
		if req.VehicleConstraint != "" && d.VehicleType != req.VehicleConstraint {
			continue
		}
		if req.Excluded(d.ID) {
			continue
		}
		dist := geo.DistanceKm(req.Pickup.Lat, req.Pickup.Lon, d.Loc.Lat, d.Loc.Lon)
		if math.IsNaN(dist) || math.IsInf(dist, 0) || dist > req.CurrentRadiusKm {
			continue
		}
		cands = append(cands, candidate{driver: d, distKm: dist})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].distKm != cands[j].distKm {
			return cands[i].distKm < cands[j].distKm
		}
		return cands[i].driver.Rating > cands[j].driver.Rating
	})
	if len(cands) > e.cfg.BatchSize {
		cands = cands[:e.cfg.BatchSize]
	}
	return cands
}

// notify creates one notification per candidate and pushes the whole
// batch at once so the accept race is fair. Push failures downgrade to
// store-and-poll; they never abort the pass.
func (e *Engine) notify(ctx context.Context, req *models.DispatchRequest, cands []candidate) {
	now := time.Now()
	tried := make([]string, 0, len(cands))
	for _, c := range cands {
		n := &models.DriverNotification{
			ID:          uuid.NewString(),
			RequestID:   req.ID,
			DriverID:    c.driver.ID,
			OrderID:     req.OrderID,
			ServiceType: req.ServiceType,
			CreatedAt:   now,
			ExpiresAt:   now.Add(e.cfg.NotificationTTL),
		}
		if err := e.store.CreateNotification(ctx, n); err != nil {
			e.logger.Warn("create notification failed",
				"request_id", req.ID, "driver_id", c.driver.ID, "error", err)
			continue
		}
		observability.NotificationsTotal.Inc()
		tried = append(tried, c.driver.ID)

		offer := e.buildOffer(req, n, c)
		if e.registry.Send(c.driver.ID, offer) {
			continue
		}
		observability.PushFailuresTotal.Inc()
		if e.fallback != nil {
			if err := e.fallback.Push(ctx, c.driver.ID, offer); err != nil {
				e.logger.Warn("fallback push failed", "driver_id", c.driver.ID, "error", err)
			}
		}
	}
	if len(tried) == 0 {
		return
	}
	if err := e.store.AppendTried(ctx, req.ID, tried); err != nil {
		e.logger.Warn("append tried failed", "request_id", req.ID, "error", err)
	}
}

func (e *Engine) buildOffer(req *models.DispatchRequest, n *models.DriverNotification, c candidate) *wsproto.NewOrderRequest {
	return &wsproto.NewOrderRequest{
		NotificationID: n.ID,
		OrderID:        req.OrderID,
		ServiceType:    req.ServiceType,
		Title:          offerTitle(req.ServiceType),
		Body:           fmt.Sprintf("Pickup %.1f km away", roundKm(c.distKm)),
		Pickup:         req.Pickup,
		Dropoff:        req.Dropoff,
		DistanceKm:     roundKm(c.distKm),
		EstimatedFare:  e.tripFare(req),
		EstimatedMins:  e.pickupMinutes(c.driver.Loc, req.Pickup),
		CustomerName:   req.CustomerName,
		CustomerPhone:  req.CustomerPhone,
		ExpiresAt:      n.ExpiresAt,
		PlaySound:      true,
	}
}

// pickupMinutes estimates driver-to-pickup travel time, preferring the
// routing client with cache, falling back to distance/speed.
func (e *Engine) pickupMinutes(from, to models.Coord) int {
	var etaSec float64
	if e.etaCache != nil {
		if v, ok := e.etaCache.Get(from, to); ok {
			etaSec = v
		}
	}
	if etaSec == 0 && e.etaCli != nil {
		if v, err := e.etaCli.EstimateSeconds(from, to); err == nil {
			etaSec = v
			if e.etaCache != nil {
				e.etaCache.Set(from, to, etaSec)
			}
		}
	}
	if etaSec == 0 {
		etaSec = eta.EstimateSeconds(from, to, e.cfg.DefaultSpeedMps)
	}
	return int(math.Ceil(etaSec / 60))
}

// PendingOffers rebuilds the offers behind a driver's still-pending
// notifications, for reconnect replay and polling. Distance and ETA
// are omitted since the driver's position at push time is gone.
func (e *Engine) PendingOffers(ctx context.Context, driverID string) ([]*wsproto.NewOrderRequest, error) {
	ns, err := e.store.PendingForDriver(ctx, driverID)
	if err != nil {
		return nil, fmt.Errorf("pending offers: %w", err)
	}
	offers := make([]*wsproto.NewOrderRequest, 0, len(ns))
	for _, n := range ns {
		req, err := e.store.GetRequest(ctx, n.RequestID)
		if err != nil || req.Status != models.StatusSearching {
			continue
		}
		offers = append(offers, &wsproto.NewOrderRequest{
			NotificationID: n.ID,
			OrderID:        req.OrderID,
			ServiceType:    req.ServiceType,
			Title:          offerTitle(req.ServiceType),
			Pickup:         req.Pickup,
			Dropoff:        req.Dropoff,
			EstimatedFare:  e.tripFare(req),
			CustomerName:   req.CustomerName,
			CustomerPhone:  req.CustomerPhone,
			ExpiresAt:      n.ExpiresAt,
		})
	}
	return offers, nil
}

func offerTitle(svc models.ServiceType) string {
	switch svc {
	case models.ServiceFood:
		return "New food delivery request"
	case models.ServiceParcel:
		return "New parcel delivery request"
	default:
		return "New ride request"
	}
}

func roundKm(km float64) float64 { return math.Round(km*10) / 10 }
