package registry

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/order-dispatch/internal/wsproto"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	failed bool
	closed bool
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed {
		return errors.New("broken pipe")
	}
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func newTestRegistry() *Registry {
	return New(5*time.Minute, 30*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSendReachesAllHandles(t *testing.T) {
	r := newTestRegistry()
	phone := &fakeConn{}
	tablet := &fakeConn{}
	r.Register("d1", phone)
	r.Register("d1", tablet)

	ok := r.Send("d1", &wsproto.Ping{At: time.Now()})
	assert.True(t, ok)
	assert.Equal(t, 1, phone.frameCount())
	assert.Equal(t, 1, tablet.frameCount())
}

func TestSendNoSession(t *testing.T) {
	r := newTestRegistry()
	assert.False(t, r.Send("ghost", &wsproto.Ping{At: time.Now()}))
}

func TestSendDropsDeadHandleButSucceedsOnLive(t *testing.T) {
	r := newTestRegistry()
	dead := &fakeConn{failed: true}
	live := &fakeConn{}
	r.Register("d1", dead)
	r.Register("d1", live)

	ok := r.Send("d1", &wsproto.Ping{At: time.Now()})
	assert.True(t, ok, "one healthy handle is enough")
	assert.True(t, dead.closed)
	assert.True(t, r.Connected("d1"))

	// only the live handle remains
	ok = r.Send("d1", &wsproto.Ping{At: time.Now()})
	assert.True(t, ok)
	assert.Equal(t, 2, live.frameCount())
}

func TestUnregisterLastHandleMeansOffline(t *testing.T) {
	r := newTestRegistry()
	c := &fakeConn{}
	h := r.Register("d1", c)
	require.True(t, r.Connected("d1"))
	r.Unregister(h)
	assert.False(t, r.Connected("d1"))
	assert.True(t, c.closed)
}

func TestSweepClosesStaleAndPingsLive(t *testing.T) {
	r := newTestRegistry()
	stale := &fakeConn{}
	fresh := &fakeConn{}
	hStale := r.Register("d1", stale)
	hFresh := r.Register("d2", fresh)

	// d1 has been silent past the liveness window
	hStale.mu.Lock()
	hStale.lastActivity = time.Now().Add(-10 * time.Minute)
	hStale.mu.Unlock()
	hFresh.Touch()

	r.sweep(time.Now())

	assert.False(t, r.Connected("d1"))
	assert.True(t, stale.closed)
	assert.True(t, r.Connected("d2"))
	assert.Equal(t, 1, fresh.frameCount(), "live handle receives a ping probe")
}

func TestBroadcastToAll(t *testing.T) {
	r := newTestRegistry()
	a := &fakeConn{}
	b := &fakeConn{}
	r.Register("d1", a)
	r.Register("d2", b)
	r.BroadcastToAll(&wsproto.Ping{At: time.Now()})
	assert.Equal(t, 1, a.frameCount())
	assert.Equal(t, 1, b.frameCount())
}
