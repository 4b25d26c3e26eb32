package session

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
)

// fakeSignaling records calls and lets tests fail or block individual methods.
type fakeSignaling struct {
	mu      sync.Mutex
	calls   []string
	errs    map[string]error
	blocks  map[string]chan struct{}
	started chan string
	signals chan Signal
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{
		errs:    make(map[string]error),
		blocks:  make(map[string]chan struct{}),
		started: make(chan string, 32),
		signals: make(chan Signal, 32),
	}
}

func (f *fakeSignaling) fail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[method] = err
}

// block makes method wait until the returned channel is closed. The wait
// ignores ctx, like a stack that never answers.
func (f *fakeSignaling) block(method string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.blocks[method] = ch
	return ch
}

func (f *fakeSignaling) invoke(method string) error {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	err := f.errs[method]
	ch := f.blocks[method]
	f.mu.Unlock()

	f.started <- method
	if ch != nil {
		<-ch
	}
	return err
}

func (f *fakeSignaling) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSignaling) Initiate(_ context.Context, _, _ string) error { return f.invoke("Initiate") }
func (f *fakeSignaling) Answer(context.Context, string) error         { return f.invoke("Answer") }
func (f *fakeSignaling) Hold(context.Context, string) error           { return f.invoke("Hold") }
func (f *fakeSignaling) Unhold(context.Context, string) error         { return f.invoke("Unhold") }
func (f *fakeSignaling) SendDigits(context.Context, string, string) error {
	return f.invoke("SendDigits")
}
func (f *fakeSignaling) Transfer(context.Context, string, string) error { return f.invoke("Transfer") }
func (f *fakeSignaling) Terminate(context.Context, string) error        { return f.invoke("Terminate") }
func (f *fakeSignaling) Renegotiate(context.Context, string) error      { return f.invoke("Renegotiate") }
func (f *fakeSignaling) Signals() <-chan Signal                         { return f.signals }

type mutingSignaling struct {
	*fakeSignaling
}

func (m mutingSignaling) SetMuted(_ context.Context, _ string, muted bool) error {
	if muted {
		return m.invoke("Mute")
	}
	return m.invoke("Unmute")
}

type fakeFeatures struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeFeatures) record(s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
	return nil
}

func (f *fakeFeatures) JoinConference(_ context.Context, _ Info, conf string) error {
	return f.record("join " + conf)
}

func (f *fakeFeatures) LeaveConference(_ context.Context, _ Info, conf string) error {
	return f.record("leave " + conf)
}

func (f *fakeFeatures) StartRecording(context.Context, Info) error { return f.record("record") }
func (f *fakeFeatures) StopRecording(context.Context, Info) error  { return f.record("stop") }

type fakeRecoverer struct {
	err error
}

func (f fakeRecoverer) RecoverMedia(ctx context.Context, _ string, renegotiate func(context.Context) error) error {
	if err := renegotiate(ctx); err != nil {
		return err
	}
	return f.err
}

type harness struct {
	sig *fakeSignaling
	bus *eventbus.Bus
	rec *events.Recorder
	reg *Registry
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{sig: newFakeSignaling(), bus: eventbus.New()}
	h.rec = events.NewRecorder(h.bus, 256, events.CallState)
	h.reg = NewRegistry(cfg, h.sig, h.bus, opts...)
	h.reg.Start()
	t.Cleanup(func() {
		_ = h.reg.Close(context.Background())
		h.rec.Close()
	})
	return h
}

// transitions drains recorded state changes for one call.
func (h *harness) transitions(callID string) []string {
	var out []string
	for {
		select {
		case ev := <-h.rec.Events():
			c := ev.(*events.CallStateChanged)
			if c.CallID == callID {
				out = append(out, c.From+">"+c.To)
			}
		default:
			return out
		}
	}
}

// active returns an outbound session that has been dialed and answered.
func (h *harness) active(t *testing.T) *Session {
	t.Helper()
	s := h.reg.Create(DirectionOutbound)
	require.NoError(t, s.Dial(context.Background(), "sip:1001@pbx.test"))
	h.sig.signals <- Signal{Kind: SignalAnswered, Handle: s.ID()}
	waitState(t, s, StateActive)
	return s
}

func waitState(t *testing.T, s *Session, want CallState) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 2*time.Second, 2*time.Millisecond,
		"state %s, want %s", s.State(), want)
	flush(s)
}

// flush waits until every job queued so far, including the publish of the
// transition just observed, has finished.
func flush(s *Session) {
	_ = s.do(context.Background(), "flush", func(context.Context) error { return nil })
}

func TestOutboundCallLifecycle(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	s := h.reg.Create(DirectionOutbound)
	assert.Equal(t, StateIdle, s.State())

	require.NoError(t, s.Dial(context.Background(), "sip:1001@pbx.test"))
	assert.Equal(t, StateDialing, s.State())

	h.sig.signals <- Signal{Kind: SignalRinging, Handle: s.ID()}
	h.sig.signals <- Signal{Kind: SignalRinging, Handle: s.ID()}
	h.sig.signals <- Signal{Kind: SignalEarlyMedia, Handle: s.ID()}
	h.sig.signals <- Signal{Kind: SignalAnswered, Handle: s.ID()}
	waitState(t, s, StateActive)

	require.NoError(t, s.Hangup(context.Background()))
	assert.Equal(t, StateEnded, s.State())
	<-s.Done()

	info := s.Info()
	assert.Equal(t, CauseLocalHangup, info.Cause)
	assert.Equal(t, uint64(5), info.Seq)
	assert.False(t, info.AnsweredAt.IsZero())

	_, ok := h.reg.Get(s.ID())
	assert.False(t, ok, "ended session must leave the registry")
	assert.Equal(t, []string{
		"Idle>Dialing", "Dialing>Ringing", "Ringing>EarlyMedia", "EarlyMedia>Active", "Active>Ended",
	}, h.transitions(s.ID()))
	assert.Equal(t, []string{"Initiate", "Terminate"}, h.sig.called())
}

func TestTransferWhileDialingIsRejected(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	s := h.reg.Create(DirectionOutbound)
	require.NoError(t, s.Dial(context.Background(), "sip:1001@pbx.test"))

	err := s.Transfer(context.Background(), "sip:2000@pbx.test")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	var oe *OperationError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, OpTransfer, oe.Op)
	assert.Equal(t, StateDialing, oe.State)

	assert.Equal(t, StateDialing, s.State())
	assert.NotContains(t, h.sig.called(), "Transfer")
}

func TestHoldIsIdempotent(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	s := h.active(t)
	h.transitions(s.ID())

	require.NoError(t, s.Hold(context.Background()))
	require.NoError(t, s.Hold(context.Background()))
	assert.Equal(t, StateHeld, s.State())
	assert.True(t, s.Info().Held)

	require.NoError(t, s.Unhold(context.Background()))
	require.NoError(t, s.Unhold(context.Background()))
	assert.Equal(t, StateActive, s.State())

	assert.Equal(t, []string{"Active>Held", "Held>Active"}, h.transitions(s.ID()))
	assert.Equal(t, []string{"Initiate", "Hold", "Unhold"}, h.sig.called())
}

func TestOperationsAreSerialized(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	s := h.active(t)
	for len(h.sig.started) > 0 {
		<-h.sig.started
	}

	release := h.sig.block("Hold")
	holdErr := make(chan error, 1)
	go func() { holdErr <- s.Hold(context.Background()) }()
	require.Equal(t, "Hold", <-h.sig.started)

	transferErr := make(chan error, 1)
	go func() { transferErr <- s.Transfer(context.Background(), "sip:2000@pbx.test") }()

	select {
	case m := <-h.sig.started:
		t.Fatalf("%s started while hold was pending", m)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-holdErr)
	require.NoError(t, <-transferErr)

	assert.Equal(t, StateEnded, s.State())
	assert.Equal(t, CauseTransferred, s.Info().Cause)
	assert.Equal(t, []string{"Initiate", "Hold", "Transfer"}, h.sig.called())
}

func TestOperationTimeout(t *testing.T) {
	h := newHarness(t, Config{OperationTimeout: 30 * time.Millisecond})
	s := h.active(t)

	release := h.sig.block("Hold")
	defer close(release)

	err := s.Hold(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, OpHold, te.Op)
	assert.Equal(t, StateActive, s.State())

	// The executor is free again.
	require.NoError(t, s.SendDTMF(context.Background(), "12#"))
}

func TestCanceledOperationLeavesState(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	s := h.active(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Hold(ctx), context.Canceled)
	assert.Equal(t, StateActive, s.State())
}

func TestSendDTMF(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	s := h.active(t)

	assert.ErrorIs(t, s.SendDTMF(context.Background(), "12\r\n"), ErrInvalidDigits)
	assert.ErrorIs(t, s.SendDTMF(context.Background(), ""), ErrInvalidDigits)
	require.NoError(t, s.SendDTMF(context.Background(), "0123456789ABCD*#"))

	require.NoError(t, s.Hold(context.Background()))
	err := s.SendDTMF(context.Background(), "5")
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestTransferFailureRestoresPriorState(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	s := h.active(t)
	require.NoError(t, s.Hold(context.Background()))
	h.transitions(s.ID())

	h.sig.fail("Transfer", errors.New("403 Forbidden"))
	err := s.Transfer(context.Background(), "sip:2000@pbx.test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")

	assert.Equal(t, StateHeld, s.State())
	assert.Equal(t, []string{"Held>Transferring", "Transferring>Held"}, h.transitions(s.ID()))
}

func TestConferenceMembership(t *testing.T) {
	features := &fakeFeatures{}
	h := newHarness(t, DefaultConfig(), WithFeatures(features))
	s := h.active(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.LeaveConference(ctx), ErrNotInConference)
	require.NoError(t, s.JoinConference(ctx, "sales"))
	require.NoError(t, s.JoinConference(ctx, "sales"))
	assert.ErrorIs(t, s.JoinConference(ctx, "support"), ErrAlreadyInConference)
	assert.Equal(t, "sales", s.Info().Conference)

	require.NoError(t, s.LeaveConference(ctx))
	assert.Empty(t, s.Info().Conference)
	assert.Equal(t, []string{"join sales", "leave sales"}, features.calls)
}

func TestRecordingIsIdempotent(t *testing.T) {
	features := &fakeFeatures{}
	h := newHarness(t, DefaultConfig(), WithFeatures(features))
	s := h.active(t)
	ctx := context.Background()

	require.NoError(t, s.StartRecording(ctx))
	require.NoError(t, s.StartRecording(ctx))
	assert.True(t, s.Info().Recording)
	require.NoError(t, s.StopRecording(ctx))
	require.NoError(t, s.StopRecording(ctx))
	assert.False(t, s.Info().Recording)
	assert.Equal(t, []string{"record", "stop"}, features.calls)
}

func TestFeaturesUnavailable(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	s := h.active(t)
	assert.ErrorIs(t, s.StartRecording(context.Background()), ErrFeatureUnavailable)
	assert.False(t, s.Info().Recording)
}

func TestMute(t *testing.T) {
	sig := mutingSignaling{newFakeSignaling()}
	reg := NewRegistry(DefaultConfig(), sig, nil)
	s := reg.Create(DirectionOutbound)
	defer reg.Close(context.Background())

	assert.ErrorIs(t, s.Mute(context.Background()), ErrInvalidStateTransition)

	require.NoError(t, s.Dial(context.Background(), "sip:1001@pbx.test"))
	s.deliver(Signal{Kind: SignalAnswered, Handle: s.ID()})
	waitState(t, s, StateActive)

	require.NoError(t, s.Mute(context.Background()))
	require.NoError(t, s.Mute(context.Background()))
	assert.True(t, s.Info().LocalMuted)
	require.NoError(t, s.Unmute(context.Background()))
	assert.False(t, s.Info().LocalMuted)
	assert.Equal(t, []string{"Initiate", "Mute", "Unmute"}, sig.called())
}

func TestInboundCall(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.sig.signals <- Signal{Kind: SignalIncoming, Handle: "abc@pbx", From: "sip:1002@pbx.test", To: "sip:me@pbx.test"}

	var s *Session
	require.Eventually(t, func() bool {
		var ok bool
		s, ok = h.reg.FindByHandle("abc@pbx")
		return ok
	}, time.Second, 2*time.Millisecond)
	waitState(t, s, StateRinging)
	assert.Equal(t, DirectionInbound, s.Direction())
	assert.Equal(t, "sip:1002@pbx.test", s.Info().From)

	assert.ErrorIs(t, s.Dial(context.Background(), "x"), ErrWrongDirection)
	require.NoError(t, s.Answer(context.Background()))
	assert.Equal(t, StateActive, s.State())

	h.sig.signals <- Signal{Kind: SignalHeld, Handle: "abc@pbx"}
	require.Eventually(t, func() bool { return s.Info().RemoteMuted }, time.Second, 2*time.Millisecond)
	assert.Equal(t, StateActive, s.State())

	h.sig.signals <- Signal{Kind: SignalTerminated, Handle: "abc@pbx"}
	waitState(t, s, StateEnded)
	assert.Equal(t, CauseRemoteHangup, s.Info().Cause)
	<-s.Done()
	assert.Equal(t, 0, h.reg.Count())
}

func TestMediaRecovery(t *testing.T) {
	t.Run("restores held call", func(t *testing.T) {
		h := newHarness(t, DefaultConfig(), WithMediaRecoverer(fakeRecoverer{}))
		s := h.active(t)
		require.NoError(t, s.Hold(context.Background()))
		h.transitions(s.ID())

		h.sig.signals <- Signal{Kind: SignalMediaFailed, Handle: s.ID(), Cause: "ice disconnected"}
		require.Eventually(t, func() bool {
			return len(h.sig.called()) > 0 && h.sig.called()[len(h.sig.called())-1] == "Renegotiate"
		}, time.Second, 2*time.Millisecond)
		waitState(t, s, StateHeld)
		assert.Equal(t, []string{"Held>Recovering", "Recovering>Held"}, h.transitions(s.ID()))
	})

	t.Run("failure ends call", func(t *testing.T) {
		h := newHarness(t, DefaultConfig(), WithMediaRecoverer(fakeRecoverer{err: errors.New("ice restart timed out")}))
		s := h.active(t)
		h.transitions(s.ID())

		h.sig.signals <- Signal{Kind: SignalMediaFailed, Handle: s.ID()}
		waitState(t, s, StateEnded)
		assert.Equal(t, CauseMediaRecoveryFailed, s.Info().Cause)
		assert.Equal(t, []string{"Active>Recovering", "Recovering>Ended"}, h.transitions(s.ID()))
		assert.Contains(t, h.sig.called(), "Terminate")
	})

	t.Run("ignored before answer", func(t *testing.T) {
		h := newHarness(t, DefaultConfig(), WithMediaRecoverer(fakeRecoverer{}))
		s := h.reg.Create(DirectionOutbound)
		require.NoError(t, s.Dial(context.Background(), "sip:1001@pbx.test"))
		s.deliver(Signal{Kind: SignalMediaFailed, Handle: s.ID()})
		s.deliver(Signal{Kind: SignalRinging, Handle: s.ID()})
		waitState(t, s, StateRinging)
		assert.NotContains(t, h.sig.called(), "Renegotiate")
	})
}

func TestDialFailureEndsCall(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.sig.fail("Initiate", errors.New("503 Service Unavailable"))
	s := h.reg.Create(DirectionOutbound)

	err := s.Dial(context.Background(), "sip:1001@pbx.test")
	require.Error(t, err)
	assert.Equal(t, StateEnded, s.State())
	assert.Equal(t, CauseDialFailed, s.Info().Cause)
}

func TestOperationsAfterEnd(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	s := h.active(t)
	require.NoError(t, s.Hangup(context.Background()))
	<-s.Done()

	err := s.Hold(context.Background())
	var oe *OperationError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, StateEnded, oe.State)
	assert.NoError(t, s.Hangup(context.Background()))
}

func TestObservedStatesFollowLegalPaths(t *testing.T) {
	h := newHarness(t, DefaultConfig(), WithMediaRecoverer(fakeRecoverer{}))
	ctx := context.Background()
	s := h.active(t)

	require.NoError(t, s.Hold(ctx))
	h.sig.signals <- Signal{Kind: SignalMediaFailed, Handle: s.ID()}
	require.NoError(t, s.Unhold(ctx))
	h.sig.fail("Transfer", errors.New("timeout"))
	_ = s.Transfer(ctx, "sip:2000@pbx.test")
	require.NoError(t, s.Hangup(ctx))

	var last uint64
	for len(h.rec.Events()) > 0 {
		c := (<-h.rec.Events()).(*events.CallStateChanged)
		if c.CallID != s.ID() {
			continue
		}
		assert.True(t, parseState(c.From).CanTransitionTo(parseState(c.To)), "%s -> %s", c.From, c.To)
		assert.Equal(t, last+1, c.Seq)
		last = c.Seq
	}
	assert.NotZero(t, last)
}

func TestHangupAll(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	a := h.active(t)
	b := h.reg.Create(DirectionOutbound)

	require.NoError(t, h.reg.HangupAll(context.Background()))
	assert.Equal(t, StateEnded, a.State())
	assert.Equal(t, StateEnded, b.State())
	assert.Equal(t, CauseShutdown, a.Info().Cause)
	assert.Empty(t, h.reg.ListActive())
}

func TestListActiveOrder(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	a := h.reg.Create(DirectionOutbound)
	time.Sleep(time.Millisecond)
	b := h.reg.Create(DirectionOutbound)

	list := h.reg.ListActive()
	require.Len(t, list, 2)
	assert.Equal(t, a.ID(), list[0].ID())
	assert.Equal(t, b.ID(), list[1].ID())
	assert.Equal(t, 2, h.reg.Count())
}

func TestStateGraph(t *testing.T) {
	tests := []struct {
		from, to CallState
		want     bool
	}{
		{StateIdle, StateDialing, true},
		{StateIdle, StateRinging, true},
		{StateIdle, StateActive, false},
		{StateDialing, StateActive, true},
		{StateRinging, StateHeld, false},
		{StateActive, StateHeld, true},
		{StateHeld, StateTransferring, true},
		{StateTransferring, StateActive, true},
		{StateTransferring, StateRecovering, false},
		{StateRecovering, StateHeld, true},
		{StateEarlyMedia, StateEnded, true},
		{StateEnded, StateIdle, false},
		{StateEnded, StateActive, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s.CanTransitionTo(%s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestAllows(t *testing.T) {
	assert.True(t, Allows(OpSendDTMF, StateActive))
	assert.False(t, Allows(OpSendDTMF, StateHeld))
	assert.True(t, Allows(OpTransfer, StateHeld))
	assert.False(t, Allows(OpTransfer, StateDialing))
	assert.True(t, Allows(OpHangup, StateRecovering))
	assert.False(t, Allows(OpAnswer, StateActive))
}
