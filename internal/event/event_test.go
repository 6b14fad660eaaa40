package event_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/lightning/internal/event"
)

func TestDispatch_SubscriptionOrder(t *testing.T) {
	d := event.NewDispatcher("sender")
	var got []string
	for _, name := range []string{"s1", "s2", "s3"} {
		name := name
		d.Connect("Tick", nil, func(e *event.Event) { got = append(got, name) })
	}
	e := d.Dispatch("Tick", 1)
	assert.Equal(t, []string{"s1", "s2", "s3"}, got)
	assert.Equal(t, "sender", e.Sender)
	assert.Equal(t, 1, e.Data)
}

func TestProperty_DispatchOrderMatchesConnectOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 30).Draw(rt, "n")
		removed := rapid.SliceOfNDistinct(rapid.IntRange(0, 29), 0, 10, rapid.ID[int]).Draw(rt, "removed")
		d := event.NewDispatcher(nil)
		var got []int
		conns := make([]*event.Connection, n)
		for i := 0; i < n; i++ {
			i := i
			conns[i] = d.Connect("E", nil, func(*event.Event) { got = append(got, i) })
		}
		gone := map[int]bool{}
		for _, r := range removed {
			if r < n {
				conns[r].Disconnect()
				gone[r] = true
			}
		}
		d.Dispatch("E", nil)
		var want []int
		for i := 0; i < n; i++ {
			if !gone[i] {
				want = append(want, i)
			}
		}
		if len(want) != len(got) {
			rt.Fatalf("got %v, want %v", got, want)
		}
		for i := range want {
			if want[i] != got[i] {
				rt.Fatalf("got %v, want %v", got, want)
			}
		}
	})
}

func TestDispatch_DisconnectDuringDispatchSkipsLaterHandler(t *testing.T) {
	d := event.NewDispatcher(nil)
	var second *event.Connection
	calls := 0
	d.Connect("E", nil, func(*event.Event) { second.Disconnect() })
	second = d.Connect("E", nil, func(*event.Event) { calls++ })
	d.Dispatch("E", nil)
	assert.Zero(t, calls)
	assert.False(t, second.Active())
}

func TestDispatch_ConnectDuringDispatchTakesEffectNextTime(t *testing.T) {
	d := event.NewDispatcher(nil)
	late := 0
	d.Connect("E", nil, func(*event.Event) {
		d.Connect("E", nil, func(*event.Event) { late++ })
	})
	d.Dispatch("E", nil)
	assert.Zero(t, late)
	d.Dispatch("E", nil)
	assert.Equal(t, 1, late)
}

func TestDispatch_HandledFlag(t *testing.T) {
	d := event.NewDispatcher(nil)
	d.Connect(event.PreUnhandledException, nil, func(e *event.Event) { e.Handled = true })
	assert.True(t, d.Dispatch(event.PreUnhandledException, nil).Handled)
	assert.False(t, d.Dispatch(event.UnhandledException, nil).Handled)
}

func TestReceiverDestroy_DropsEveryConnection(t *testing.T) {
	a := event.NewDispatcher("a")
	b := event.NewDispatcher("b")
	r := event.NewReceiver()
	calls := 0
	a.Connect("E", r, func(*event.Event) { calls++ })
	b.Connect("E", r, func(*event.Event) { calls++ })
	require.Equal(t, 2, r.Connections())

	r.Destroy()
	a.Dispatch("E", nil)
	b.Dispatch("E", nil)
	assert.Zero(t, calls)
	assert.False(t, a.HasConnections("E"))
	assert.False(t, r.IsValid())
	assert.False(t, a.Connect("E", r, func(*event.Event) { calls++ }).Active())
}

func TestDispatcherDestroy(t *testing.T) {
	d := event.NewDispatcher(nil)
	r := event.NewReceiver()
	c := d.Connect("E", r, func(*event.Event) {})
	d.Destroy()
	assert.False(t, c.Active())
	assert.Zero(t, r.Connections())
	assert.False(t, d.Connect("E", nil, func(*event.Event) {}).Active())
	assert.False(t, d.IsValid())
}

func TestThreadDispatch_DrainsExactlyOnce(t *testing.T) {
	td := event.NewThreadDispatch(8, zaptest.NewLogger(t))
	d := event.NewDispatcher(nil)
	var delivered atomic.Int64
	seen := make(map[int]int)
	var mu sync.Mutex
	d.Connect("Work", nil, func(e *event.Event) {
		delivered.Add(1)
		mu.Lock()
		seen[e.Data.(int)]++
		mu.Unlock()
	})

	const workers, perWorker = 8, 250
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				td.DispatchOn(nil, d, "Work", w*perWorker+i)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, workers*perWorker, td.Pending())
	assert.Zero(t, delivered.Load(), "nothing is delivered before the drain")
	assert.Equal(t, workers*perWorker, td.DispatchEvents())
	assert.Equal(t, int64(workers*perWorker), delivered.Load())
	assert.Len(t, seen, workers*perWorker)
	for id, n := range seen {
		assert.Equal(t, 1, n, "event %d", id)
	}
	assert.Zero(t, td.DispatchEvents(), "second drain delivers nothing")
}

func TestThreadDispatch_DropsDestroyedTargetsAtDrainTime(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	td := event.NewThreadDispatch(0, zap.New(core))
	d := event.NewDispatcher(nil)
	alive := event.NewReceiver()
	dead := event.NewReceiver()
	var got []string
	d.Connect("E", nil, func(e *event.Event) { got = append(got, e.Data.(string)) })

	td.DispatchOn(alive, d, "E", "alive")
	td.DispatchOn(dead, d, "E", "dead")
	dead.Destroy()

	assert.Equal(t, 1, td.DispatchEvents())
	assert.Equal(t, []string{"alive"}, got)
	assert.Equal(t, 1, logs.FilterMessage("dropped events for destroyed targets").Len())
}

func TestThreadDispatch_HandlersMayRequeue(t *testing.T) {
	td := event.NewThreadDispatch(1, zaptest.NewLogger(t))
	d := event.NewDispatcher(nil)
	rounds := 0
	d.Connect("E", nil, func(*event.Event) {
		rounds++
		if rounds < 3 {
			td.DispatchOn(nil, d, "E", nil)
		}
	})
	td.DispatchOn(nil, d, "E", nil)
	assert.Equal(t, 1, td.DispatchEvents())
	assert.Equal(t, 1, td.Pending())
	assert.Equal(t, 1, td.DispatchEvents())
	assert.Equal(t, 1, td.DispatchEvents())
	assert.Equal(t, 3, rounds)
	assert.Zero(t, td.Pending())
}

func TestThreadDispatch_ClearEvents(t *testing.T) {
	td := event.NewThreadDispatch(0, zaptest.NewLogger(t))
	d := event.NewDispatcher(nil)
	td.DispatchOn(nil, d, "E", nil)
	td.DispatchOn(nil, d, "E", nil)
	assert.Equal(t, 2, td.ClearEvents())
	assert.Zero(t, td.DispatchEvents())
}

func TestThreadDispatch_RunDrainsUntilCancelled(t *testing.T) {
	td := event.NewThreadDispatch(0, zaptest.NewLogger(t))
	d := event.NewDispatcher(nil)
	var n atomic.Int32
	d.Connect("E", nil, func(*event.Event) { n.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- td.Run(ctx, 5*time.Millisecond) }()

	td.DispatchOn(nil, d, "E", nil)
	assert.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, 5*time.Millisecond)

	td.DispatchOn(nil, d, "E", nil)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int32(2), n.Load(), "final drain on shutdown")
}

func TestNewThreadDispatch_NilLoggerPanics(t *testing.T) {
	assert.Panics(t, func() { event.NewThreadDispatch(0, nil) })
}
