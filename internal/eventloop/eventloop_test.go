package eventloop

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStartedExecutor(t *testing.T) *Executor {
	t.Helper()
	e := NewExecutor("test", nil)
	e.Start()
	t.Cleanup(e.Close)
	return e
}

func TestExecutor_PostRunsInOrder(t *testing.T) {
	e := newStartedExecutor(t)

	var got []int
	for i := range 5 {
		e.Post(func() { got = append(got, i) })
	}
	require.NoError(t, e.Call(func() {}))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestExecutor_ReleaseRunsBeforeQueuedTasks(t *testing.T) {
	e := newStartedExecutor(t)

	var order []string
	require.NoError(t, e.Call(func() {
		e.Post(func() { order = append(order, "task") })
		e.Release(func() { order = append(order, "release") })
	}))
	require.NoError(t, e.Call(func() {}))
	assert.Equal(t, []string{"release", "task"}, order)
}

func TestExecutor_CallAfterClose(t *testing.T) {
	e := NewExecutor("closed", nil)
	e.Start()
	e.Close()
	assert.ErrorIs(t, e.Call(func() {}), ErrExecutorClosed)
}

func TestLoop_QuitFromTimer(t *testing.T) {
	e := newStartedExecutor(t)

	var value int
	var err error
	require.NoError(t, e.Call(func() {
		loop := NewLoop[int](e)
		e.AfterFunc(10*time.Millisecond, func() { loop.Quit(42) })
		value, err = loop.Exec()
	}))
	require.NoError(t, err)
	assert.Equal(t, 42, value)
}

func TestLoop_FirstResultWins(t *testing.T) {
	e := newStartedExecutor(t)
	boom := errors.New("boom")

	var err error
	require.NoError(t, e.Call(func() {
		loop := NewLoop[struct{}](e)
		loop.Error(boom)
		loop.Quit(struct{}{})
		_, err = loop.Exec()
	}))
	assert.ErrorIs(t, err, boom)
}

func TestLoop_NestedLoopsKeepProcessingTasks(t *testing.T) {
	e := newStartedExecutor(t)

	var inner, outer string
	require.NoError(t, e.Call(func() {
		outerLoop := NewLoop[string](e)
		e.Post(func() {
			innerLoop := NewLoop[string](e)
			e.Post(func() { innerLoop.Quit("inner") })
			inner, _ = innerLoop.Exec()
			outerLoop.Quit("outer")
		})
		outer, _ = outerLoop.Exec()
	}))
	assert.Equal(t, "inner", inner)
	assert.Equal(t, "outer", outer)
}

func TestLoop_QuitFromOtherGoroutine(t *testing.T) {
	e := newStartedExecutor(t)

	var value string
	require.NoError(t, e.Call(func() {
		loop := NewLoop[string](e)
		go func() {
			time.Sleep(5 * time.Millisecond)
			loop.Quit("remote")
		}()
		value, _ = loop.Exec()
	}))
	assert.Equal(t, "remote", value)
}

func TestTimer_StopPreventsCallback(t *testing.T) {
	e := newStartedExecutor(t)

	fired := false
	require.NoError(t, e.Call(func() {
		timer := e.AfterFunc(5*time.Millisecond, func() { fired = true })
		timer.Stop()
	}))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, e.Call(func() {}))
	assert.False(t, fired)
}

func TestTicker_FiresRepeatedly(t *testing.T) {
	e := newStartedExecutor(t)

	var mu sync.Mutex
	count := 0
	var ticker *Ticker
	require.NoError(t, e.Call(func() {
		ticker = e.Every(5*time.Millisecond, func() {
			mu.Lock()
			count++
			mu.Unlock()
		})
	}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 3
	}, time.Second, 5*time.Millisecond)
	ticker.Stop()
}

func TestSignal_SubscriptionOrder(t *testing.T) {
	var sig Signal[int]
	var got []string
	sig.Connect(func(v int) { got = append(got, "a") })
	sig.Connect(func(v int) { got = append(got, "b") })
	sig.Connect(func(v int) { got = append(got, "c") })

	sig.Emit(1)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestSignal_ConnectDuringEmitTakesEffectNextTime(t *testing.T) {
	var ev Event
	late := 0
	var once sync.Once
	ev.Connect(func() {
		once.Do(func() { ev.Connect(func() { late++ }) })
	})

	ev.Emit()
	assert.Equal(t, 0, late)
	ev.Emit()
	assert.Equal(t, 1, late)
}

func TestSignal_DisconnectDuringEmitSkipsSubscriber(t *testing.T) {
	var ev Event
	var second *Connection
	called := false
	ev.Connect(func() { second.Disconnect() })
	second = ev.Connect(func() { called = true })

	ev.Emit()
	assert.False(t, called)
	assert.Equal(t, 1, ev.Len())
}

func TestConnections_DisconnectAllIsIdempotent(t *testing.T) {
	var sig Signal[error]
	var conns Connections
	conns.Add(sig.Connect(func(error) {}), sig.Connect(func(error) {}))
	require.Equal(t, 2, sig.Len())

	conns.DisconnectAll()
	conns.DisconnectAll()
	assert.Equal(t, 0, sig.Len())

	var nilConn *Connection
	nilConn.Disconnect()
}

func TestFailOn(t *testing.T) {
	e := newStartedExecutor(t)
	boom := errors.New("boom")

	var sig Signal[error]
	var err error
	require.NoError(t, e.Call(func() {
		loop := NewLoop[int](e)
		conn := FailOn(loop, &sig)
		defer conn.Disconnect()
		e.Post(func() { sig.Emit(boom) })
		_, err = loop.Exec()
	}))
	assert.ErrorIs(t, err, boom)
}
