package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/order-dispatch/internal/observability"
	"github.com/example/order-dispatch/internal/wsproto"
)

// ErrNoSession is returned by Send when the driver has no live handle.
var ErrNoSession = errors.New("no live session for driver")

// Conn is the subset of *websocket.Conn the registry needs; tests
// substitute a fake.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Handle is one live channel for one driver. A driver with several
// devices holds several handles.
type Handle struct {
	driverID string
	conn     Conn

	mu           sync.Mutex
	lastActivity time.Time
	closed       bool
}

func (h *Handle) DriverID() string { return h.driverID }

// Send writes one message to this handle only; used for per-connection
// replies like acks and race-loss notices.
func (h *Handle) Send(m wsproto.Message) error { return h.write(m) }

// Touch records inbound activity (any frame, including pong).
func (h *Handle) Touch() {
	h.mu.Lock()
	h.lastActivity = time.Now()
	h.mu.Unlock()
}

func (h *Handle) lastActive() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastActivity
}

// write serializes frames onto the underlying conn. gorilla conns do
// not allow concurrent writers.
func (h *Handle) write(m wsproto.Message) error {
	raw, err := wsproto.Encode(m)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrNoSession
	}
	return h.conn.WriteMessage(websocket.TextMessage, raw)
}

func (h *Handle) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()
	_ = h.conn.Close()
}

// Registry tracks every driver's live channels. All mutation paths
// (connect, disconnect, liveness sweep, failed send) are safe to run
// concurrently.
type Registry struct {
	mu      sync.RWMutex
	handles map[string][]*Handle

	livenessWindow time.Duration
	sweepInterval  time.Duration
	logger         *slog.Logger
}

func New(livenessWindow, sweepInterval time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handles:        make(map[string][]*Handle),
		livenessWindow: livenessWindow,
		sweepInterval:  sweepInterval,
		logger:         logger,
	}
}

// Register adds a handle for driverID and returns it.
func (r *Registry) Register(driverID string, conn Conn) *Handle {
	h := &Handle{driverID: driverID, conn: conn, lastActivity: time.Now()}
	r.mu.Lock()
	r.handles[driverID] = append(r.handles[driverID], h)
	n := r.count()
	r.mu.Unlock()
	observability.WSConnections.Set(float64(n))
	return h
}

// Unregister removes exactly one handle and closes it. When the last
// handle goes, the driver is offline for push purposes only; the store
// may still list them as available.
func (r *Registry) Unregister(h *Handle) {
	r.mu.Lock()
	hs := r.handles[h.driverID]
	for i, cur := range hs {
		if cur == h {
			hs = append(hs[:i], hs[i+1:]...)
			break
		}
	}
	if len(hs) == 0 {
		delete(r.handles, h.driverID)
	} else {
		r.handles[h.driverID] = hs
	}
	n := r.count()
	r.mu.Unlock()
	h.close()
	observability.WSConnections.Set(float64(n))
}

// Connected reports whether the driver has at least one live handle.
func (r *Registry) Connected(driverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles[driverID]) > 0
}

// Send delivers m to every live handle of driverID and reports whether
// at least one delivery succeeded. Handles found dead are dropped.
func (r *Registry) Send(driverID string, m wsproto.Message) bool {
	r.mu.RLock()
	hs := append([]*Handle(nil), r.handles[driverID]...)
	r.mu.RUnlock()
	if len(hs) == 0 {
		return false
	}
	ok := false
	for _, h := range hs {
		if err := h.write(m); err != nil {
			r.logger.Warn("ws send failed", "driver_id", driverID, "error", err)
			r.Unregister(h)
			continue
		}
		ok = true
	}
	return ok
}

// BroadcastToAll sends m to every registered handle, best effort.
func (r *Registry) BroadcastToAll(m wsproto.Message) {
	r.mu.RLock()
	all := make([]*Handle, 0, len(r.handles))
	for _, hs := range r.handles {
		all = append(all, hs...)
	}
	r.mu.RUnlock()
	for _, h := range all {
		if err := h.write(m); err != nil {
			r.Unregister(h)
		}
	}
}

// Run drives the liveness sweep until ctx is done: stale handles are
// closed and dropped, live ones receive a ping probe.
func (r *Registry) Run(ctx context.Context) {
	t := time.NewTicker(r.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.sweep(time.Now())
		}
	}
}

func (r *Registry) sweep(now time.Time) {
	r.mu.RLock()
	all := make([]*Handle, 0, len(r.handles))
	for _, hs := range r.handles {
		all = append(all, hs...)
	}
	r.mu.RUnlock()
	for _, h := range all {
		if now.Sub(h.lastActive()) > r.livenessWindow {
			r.logger.Info("closing stale ws handle", "driver_id", h.driverID)
			r.Unregister(h)
			continue
		}
		if err := h.write(&wsproto.Ping{At: now}); err != nil {
			r.Unregister(h)
		}
	}
}

// count assumes r.mu is held.
func (r *Registry) count() int {
	n := 0
	for _, hs := range r.handles {
		n += len(hs)
	}
	return n
}
