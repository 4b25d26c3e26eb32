package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/callplane/internal/eventbus"
	"github.com/sebas/callplane/internal/events"
	"github.com/sebas/callplane/internal/transport"
)

type fakeLink struct {
	mu       sync.Mutex
	state    transport.State
	failures int // Connect fails this many times, -1 for always
	connects int
	retries  []int
	latency  time.Duration
	dropped  []error
}

func (l *fakeLink) URI() string { return "ws://pbx.test/ami" }

func (l *fakeLink) State() transport.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *fakeLink) Connect(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connects++
	if l.failures < 0 || l.connects <= l.failures {
		return errors.New("connection refused")
	}
	l.state = transport.StateConnected
	return nil
}

func (l *fakeLink) EnterRecovering(error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = transport.StateRecovering
	return nil
}

func (l *fakeLink) MarkFailed(error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = transport.StateFailed
	return nil
}

func (l *fakeLink) SetRetries(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retries = append(l.retries, n)
}

func (l *fakeLink) SetLatency(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.latency = d
}

func (l *fakeLink) Drop(cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropped = append(l.dropped, cause)
}

func (l *fakeLink) snapshot() (transport.State, int, []int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state, l.connects, append([]int(nil), l.retries...)
}

// recordSleep captures backoff delays without waiting.
type recordSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordSleep) get() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func TestBackoff(t *testing.T) {
	c := New(Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, MaxAttempts: 6}, &fakeLink{}, nil)
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, c.Backoff(i+1), "Backoff(%d)", i+1)
	}
}

func TestRecoveryExhaustedPublishedOnce(t *testing.T) {
	bus := eventbus.New()
	rec := events.NewRecorder(bus, 8, events.ConnectionRecoveryExhausted)
	defer rec.Close()

	link := &fakeLink{state: transport.StateRegistered, failures: -1}
	sl := &recordSleep{}
	c := New(Config{BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second, MaxAttempts: 3}, link, bus,
		WithSleep(sl.sleep))
	defer c.Stop()

	c.HandleTransportLoss(errors.New("read: connection reset"))
	// A second loss report folds into the open window.
	c.HandleTransportLoss(errors.New("duplicate"))

	require.Eventually(t, func() bool {
		st, _, _ := link.snapshot()
		return st == transport.StateFailed
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !c.Recovering() }, time.Second, 5*time.Millisecond)

	_, connects, retries := link.snapshot()
	assert.Equal(t, 3, connects)
	assert.Equal(t, []int{1, 2, 3}, retries)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, sl.get())
	assert.Len(t, c.Attempts(), 3)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := rec.Next(ctx)
	require.NoError(t, err)
	ex := ev.(*events.RecoveryExhausted)
	assert.Equal(t, 3, ex.Attempts)
	assert.Equal(t, "connection refused", ex.LastError)

	select {
	case extra := <-rec.Events():
		t.Fatalf("RecoveryExhausted published twice: %v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRecoverySucceedsAndRunsHook(t *testing.T) {
	link := &fakeLink{state: transport.StateConnected, failures: 1}
	hooked := make(chan struct{}, 1)
	c := New(Config{BaseDelay: time.Millisecond, MaxAttempts: 5}, link, nil,
		WithSleep((&recordSleep{}).sleep),
		WithOnReconnected(func(context.Context) error {
			hooked <- struct{}{}
			return nil
		}))
	defer c.Stop()

	c.HandleTransportLoss(errors.New("eof"))

	select {
	case <-hooked:
	case <-time.After(2 * time.Second):
		t.Fatal("OnReconnected not called")
	}
	st, connects, retries := link.snapshot()
	assert.Equal(t, transport.StateConnected, st)
	assert.Equal(t, 2, connects)
	assert.Equal(t, []int{1, 2, 0}, retries)
}

func TestLossDuringHookRetries(t *testing.T) {
	link := &fakeLink{state: transport.StateRegistered}
	var c *Controller
	var mu sync.Mutex
	runs := 0
	c = New(Config{BaseDelay: time.Millisecond, MaxAttempts: 5}, link, nil,
		WithSleep((&recordSleep{}).sleep),
		WithOnReconnected(func(context.Context) error {
			mu.Lock()
			runs++
			first := runs == 1
			mu.Unlock()
			if first {
				// The fresh link drops while logging in.
				c.HandleTransportLoss(errors.New("eof during login"))
				return errors.New("login: connection closed")
			}
			return nil
		}))
	defer c.Stop()

	c.HandleTransportLoss(errors.New("eof"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs == 2 && !c.Recovering()
	}, 2*time.Second, 5*time.Millisecond)

	st, connects, _ := link.snapshot()
	assert.Equal(t, transport.StateConnected, st)
	assert.Equal(t, 2, connects)

	attempts := c.Attempts()
	require.Len(t, attempts, 2)
	assert.Error(t, attempts[0].Err)
	assert.NoError(t, attempts[1].Err)

	link.mu.Lock()
	assert.Len(t, link.dropped, 1, "the link of the failed login is dropped")
	link.mu.Unlock()
}

func TestLossReportedDuringHookIsNotLost(t *testing.T) {
	link := &fakeLink{state: transport.StateRegistered}
	var c *Controller
	var mu sync.Mutex
	runs := 0
	c = New(Config{BaseDelay: time.Millisecond, MaxAttempts: 5}, link, nil,
		WithSleep((&recordSleep{}).sleep),
		WithOnReconnected(func(context.Context) error {
			mu.Lock()
			runs++
			first := runs == 1
			mu.Unlock()
			if first {
				c.HandleTransportLoss(errors.New("eof after login"))
			}
			return nil
		}))
	defer c.Stop()

	c.HandleTransportLoss(errors.New("eof"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs == 2 && !c.Recovering()
	}, 2*time.Second, 5*time.Millisecond)

	st, connects, _ := link.snapshot()
	assert.Equal(t, transport.StateConnected, st)
	assert.Equal(t, 2, connects)
}

func TestFailingHookExhaustsRecovery(t *testing.T) {
	bus := eventbus.New()
	rec := events.NewRecorder(bus, 8, events.ConnectionRecoveryExhausted)
	defer rec.Close()

	link := &fakeLink{state: transport.StateRegistered}
	c := New(Config{BaseDelay: time.Millisecond, MaxAttempts: 3}, link, bus,
		WithSleep((&recordSleep{}).sleep),
		WithOnReconnected(func(context.Context) error {
			return errors.New("authentication failed")
		}))
	defer c.Stop()

	c.HandleTransportLoss(errors.New("eof"))

	require.Eventually(t, func() bool {
		st, _, _ := link.snapshot()
		return st == transport.StateFailed && !c.Recovering()
	}, 2*time.Second, 5*time.Millisecond)

	_, connects, _ := link.snapshot()
	assert.Equal(t, 3, connects)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := rec.Next(ctx)
	require.NoError(t, err)
	assert.Contains(t, ev.(*events.RecoveryExhausted).LastError, "authentication failed")
}

func TestStopCancelsRecovery(t *testing.T) {
	link := &fakeLink{state: transport.StateConnected, failures: -1}
	c := New(Config{BaseDelay: time.Hour, MaxAttempts: 3}, link, nil)

	c.HandleTransportLoss(errors.New("eof"))
	c.Stop()

	st, connects, _ := link.snapshot()
	assert.Equal(t, transport.StateRecovering, st)
	assert.Equal(t, 0, connects)

	// After Stop no new window opens.
	c.HandleTransportLoss(errors.New("eof"))
	assert.False(t, c.Recovering())
}

func TestHeartbeatDropsLinkAfterMisses(t *testing.T) {
	link := &fakeLink{state: transport.StateRegistered}
	c := New(Config{
		HeartbeatInterval: 5 * time.Millisecond,
		HeartbeatTimeout:  5 * time.Millisecond,
		HeartbeatFailures: 2,
	}, link, nil, WithHeartbeat(func(context.Context) (time.Duration, error) {
		return 0, errors.New("ping timeout")
	}))
	c.Start()
	defer c.Stop()

	require.Eventually(t, func() bool {
		link.mu.Lock()
		defer link.mu.Unlock()
		return len(link.dropped) > 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHeartbeatRecordsLatency(t *testing.T) {
	link := &fakeLink{state: transport.StateRegistered}
	c := New(Config{HeartbeatInterval: 5 * time.Millisecond}, link, nil,
		WithHeartbeat(func(context.Context) (time.Duration, error) { return 7 * time.Millisecond, nil }))
	c.Start()
	defer c.Stop()

	require.Eventually(t, func() bool {
		link.mu.Lock()
		defer link.mu.Unlock()
		return link.latency == 7*time.Millisecond
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRecoverMedia(t *testing.T) {
	bus := eventbus.New()
	rec := events.NewRecorder(bus, 8, events.CallMediaRecoveryFailed)
	defer rec.Close()
	c := New(Config{RenegotiationTimeout: 20 * time.Millisecond}, &fakeLink{}, bus)

	t.Run("success", func(t *testing.T) {
		err := c.RecoverMedia(context.Background(), "call-1", func(context.Context) error { return nil })
		assert.NoError(t, err)
	})

	t.Run("renegotiation error", func(t *testing.T) {
		err := c.RecoverMedia(context.Background(), "call-2", func(context.Context) error {
			return errors.New("488 Not Acceptable Here")
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMediaRecoveryFailed)
		var me *MediaError
		require.ErrorAs(t, err, &me)
		assert.Equal(t, "call-2", me.CallID)
	})

	t.Run("timeout", func(t *testing.T) {
		err := c.RecoverMedia(context.Background(), "call-3", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
		assert.ErrorIs(t, err, ErrMediaRecoveryFailed)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	var failed []string
	for len(rec.Events()) > 0 {
		failed = append(failed, (<-rec.Events()).(*events.MediaRecoveryFailed).CallID)
	}
	assert.Equal(t, []string{"call-2", "call-3"}, failed)
}

func TestExhaustedErrorIs(t *testing.T) {
	err := &ExhaustedError{URI: "ws://x", Attempts: []Attempt{{Number: 1, Err: errors.New("refused")}}}
	assert.ErrorIs(t, err, ErrRecoveryExhausted)
	assert.Contains(t, err.Error(), "refused")
}
