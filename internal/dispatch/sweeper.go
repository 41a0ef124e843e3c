package dispatch

import (
	"context"
	"time"
)

// Run drives the background sweep until ctx is done. Each tick expires
// stale notifications (implicit rejects) and reschedules requests
// stuck in searching. Store errors are logged and retried next tick;
// the sweep never takes the engine down.
func (e *Engine) Run(ctx context.Context) {
	t := time.NewTicker(e.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.sweep(ctx, time.Now())
		}
	}
}

func (e *Engine) sweep(ctx context.Context, now time.Time) {
	e.expireStaleNotifications(ctx, now)
	e.reassignStaleRequests(ctx, now)
}

// expireStaleNotifications treats a notification past its TTL as a
// decline: the driver is added to the rejected set and the request is
// retried without them.
func (e *Engine) expireStaleNotifications(ctx context.Context, now time.Time) {
	expired, err := e.store.ExpireStaleNotifications(ctx, now)
	if err != nil {
		e.logger.Warn("notification sweep skipped", "error", err)
		return
	}
	for _, n := range expired {
		e.logger.Info("notification timed out",
			"notification_id", n.ID, "request_id", n.RequestID, "driver_id", n.DriverID)
		if err := e.store.AppendRejected(ctx, n.RequestID, n.DriverID); err != nil {
			e.logger.Warn("append rejected after timeout failed",
				"request_id", n.RequestID, "error", err)
		}
		e.sched.Schedule(n.RequestID, 0)
	}
}

func (e *Engine) reassignStaleRequests(ctx context.Context, now time.Time) {
	stale, err := e.store.ListStaleSearching(ctx, now.Add(-e.cfg.StaleAfter))
	if err != nil {
		e.logger.Warn("reassignment sweep skipped", "error", err)
		return
	}
	for _, r := range stale {
		e.logger.Info("rescheduling stale request", "request_id", r.ID, "order_id", r.OrderID)
		e.sched.Schedule(r.ID, 0)
	}
}
