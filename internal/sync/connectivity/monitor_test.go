package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMonitor_ImmediateWithoutDebounce(t *testing.T) {
	m := NewMonitor(false, 0)
	defer m.Close()

	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()

	m.Set(true)
	assert.True(t, m.Online())
	select {
	case v := <-ch:
		assert.True(t, v)
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}
}

func TestMonitor_DebouncedTransition(t *testing.T) {
	m := NewMonitor(false, 30*time.Millisecond)
	defer m.Close()

	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()

	m.Set(true)
	assert.False(t, m.Online(), "transition must wait for the window")

	select {
	case v := <-ch:
		assert.True(t, v)
	case <-time.After(time.Second):
		t.Fatal("no notification after debounce")
	}
	assert.True(t, m.Online())
}

func TestMonitor_FlapIsIgnored(t *testing.T) {
	m := NewMonitor(true, 50*time.Millisecond)
	defer m.Close()

	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()

	m.Set(false)
	m.Set(true)

	select {
	case v := <-ch:
		t.Fatalf("unexpected notification %v", v)
	case <-time.After(120 * time.Millisecond):
	}
	assert.True(t, m.Online())
}

func TestMonitor_RepeatedSetKeepsWindow(t *testing.T) {
	m := NewMonitor(false, 40*time.Millisecond)
	defer m.Close()

	m.Set(true)
	time.Sleep(20 * time.Millisecond)
	m.Set(true) // must not restart the window

	assert.Eventually(t, m.Online, 35*time.Millisecond+time.Second, 5*time.Millisecond)
}

func TestMonitor_LatestWins(t *testing.T) {
	m := NewMonitor(false, 0)
	defer m.Close()

	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()

	m.Set(true)
	m.Set(false)
	m.Set(true)

	require.Len(t, ch, 1)
	assert.True(t, <-ch)
}

func TestMonitor_Unsubscribe(t *testing.T) {
	m := NewMonitor(false, 0)
	defer m.Close()

	ch, unsubscribe := m.Subscribe()
	unsubscribe()
	unsubscribe()

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed")

	m.Set(true) // must not panic on closed channel
}

func TestMonitor_Close(t *testing.T) {
	m := NewMonitor(false, time.Hour)
	ch, unsubscribe := m.Subscribe()

	m.Set(true)
	m.Close()
	unsubscribe()

	_, ok := <-ch
	assert.False(t, ok)
	assert.False(t, m.Online())

	late, _ := m.Subscribe()
	_, ok = <-late
	assert.False(t, ok, "subscribe after close returns a closed channel")
}

func TestProber_Probe(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewProber(srv.URL, time.Hour, NewMonitor(false, 0), srv.Client())
	ctx := context.Background()

	assert.False(t, p.Probe(ctx))
	healthy.Store(true)
	assert.True(t, p.Probe(ctx))
}

func TestProber_Run(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewMonitor(false, 0)
	defer m.Close()
	p := NewProber(srv.URL, 10*time.Millisecond, m, srv.Client())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	assert.Eventually(t, m.Online, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.True(t, m.Online(), "shutdown must not flip the state")
}

func TestProber_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := NewProber(url, time.Hour, NewMonitor(true, 0), nil)
	assert.False(t, p.Probe(context.Background()))
}
