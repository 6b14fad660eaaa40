package host

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockService struct {
	name    string
	started atomic.Bool
	stopped atomic.Bool
	startFn func() error
	log     *orderLog
}

type orderLog struct {
	mu    sync.Mutex
	stops []string
}

func (m *mockService) Start() error {
	m.started.Store(true)
	if m.startFn != nil {
		return m.startFn()
	}
	// Block until stopped
	for !m.stopped.Load() {
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

func (m *mockService) Stop() {
	if m.log != nil {
		m.log.mu.Lock()
		m.log.stops = append(m.log.stops, m.name)
		m.log.mu.Unlock()
	}
	m.stopped.Store(true)
}

func runAsync(lc *Lifecycle, ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- lc.Run(ctx)
	}()
	return done
}

func waitStarted(t *testing.T, svcs ...*mockService) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		all := true
		for _, s := range svcs {
			all = all && s.started.Load()
		}
		if all {
			return
		}
		select {
		case <-deadline:
			t.Fatal("services did not start in time")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestLifecycleStartsAndStopsServicesInReverse(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t))
	log := &orderLog{}
	svc1 := &mockService{name: "svc1", log: log}
	svc2 := &mockService{name: "svc2", log: log}
	lc.Add("svc1", svc1)
	lc.Add("svc2", svc2)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(lc, ctx)
	waitStarted(t, svc1, svc2)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("lifecycle did not shut down in time")
	}
	assert.True(t, svc1.stopped.Load())
	assert.True(t, svc2.stopped.Load())
	assert.Equal(t, []string{"svc2", "svc1"}, log.stops)
}

func TestLifecycleStopsWhenServiceFails(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t))
	boom := errors.New("boom")
	steady := &mockService{name: "steady"}
	failing := &mockService{name: "failing", startFn: func() error { return boom }}
	lc.Add("steady", steady)
	lc.Add("failing", failing)

	select {
	case err := <-runAsync(lc, context.Background()):
		require.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "service failing")
	case <-time.After(5 * time.Second):
		t.Fatal("lifecycle did not shut down in time")
	}
	assert.True(t, steady.stopped.Load())
}

func TestLifecycleStopsWhenServiceFinishes(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t))
	steady := &mockService{name: "steady"}
	lc.Add("steady", steady)
	lc.Add("task", &FuncService{StartFn: func() error { return nil }})

	select {
	case err := <-runAsync(lc, context.Background()):
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("lifecycle did not shut down in time")
	}
	assert.True(t, steady.stopped.Load())
}

func TestContextServiceStopsOnStop(t *testing.T) {
	entered := make(chan struct{})
	svc := ContextService(func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()
		return nil
	})
	done := make(chan error, 1)
	go func() { done <- svc.Start() }()
	<-entered
	svc.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("context service did not stop")
	}
}

func TestFuncService(t *testing.T) {
	started := false
	stopped := false

	svc := &FuncService{
		StartFn: func() error {
			started = true
			return nil
		},
		StopFn: func() {
			stopped = true
		},
	}

	err := svc.Start()
	assert.NoError(t, err)
	assert.True(t, started)

	svc.Stop()
	assert.True(t, stopped)

	assert.NotPanics(t, (&FuncService{StartFn: func() error { return nil }}).Stop)
}

func TestLifecyclePreconditions(t *testing.T) {
	assert.Panics(t, func() { NewLifecycle(nil) })
	lc := NewLifecycle(zaptest.NewLogger(t))
	assert.Panics(t, func() { lc.Add("", &FuncService{}) })
	assert.Panics(t, func() { lc.Add("x", nil) })
}
