// Package session implements the per-call state machine and the registry of
// live calls.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/sebas/callplane/internal/eventbus"
	"github.com/sebas/callplane/internal/events"
)

// Config holds session settings.
type Config struct {
	// OperationTimeout bounds each request to the signaling stack and to
	// PBX features.
	OperationTimeout time.Duration
}

// DefaultConfig returns default session settings.
func DefaultConfig() Config {
	return Config{OperationTimeout: 10 * time.Second}
}

var dtmfDigits = regexp.MustCompile(`^[0-9A-Da-d*#]+$`)

// Session is the state machine of one call.
//
// Control operations and signaling callbacks are applied one at a time on the
// session's own goroutine: an operation waiting on the signaling stack holds
// back the next one until it resolves or OperationTimeout fires. call.state
// subscribers run on that goroutine too, so they must not wait on operations
// of the same session.
type Session struct {
	id        string
	direction Direction
	cfg       Config
	sig       Signaling
	features  Features
	recoverer MediaRecoverer
	bus       *eventbus.Bus
	onEnded   func(*Session)

	// Executor-owned.
	machine *fsm.FSM
	change  *events.CallStateChanged

	mu    sync.RWMutex
	state CallState
	info  Info

	queue *mailbox
	done  chan struct{}
}

type sessionDeps struct {
	cfg       Config
	sig       Signaling
	features  Features
	recoverer MediaRecoverer
	bus       *eventbus.Bus
	onEnded   func(*Session)
}

func newSession(id string, dir Direction, handle string, d sessionDeps) *Session {
	s := &Session{
		id:        id,
		direction: dir,
		cfg:       d.cfg,
		sig:       d.sig,
		features:  d.features,
		recoverer: d.recoverer,
		bus:       d.bus,
		onEnded:   d.onEnded,
		state:     StateIdle,
		info: Info{
			ID:        id,
			Handle:    handle,
			Direction: dir.String(),
			State:     StateIdle.String(),
			CreatedAt: time.Now(),
		},
		queue: newMailbox(),
		done:  make(chan struct{}),
	}
	s.machine = fsm.NewFSM(StateIdle.String(), transitions, fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) { s.entered(e) },
	})
	go s.run()
	return s
}

// ID returns the call identifier.
func (s *Session) ID() string { return s.id }

// Direction returns the call direction.
func (s *Session) Direction() Direction { return s.direction }

// Done is closed once the session has ended and its executor has stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current call state.
func (s *Session) State() CallState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

// SetChannel records the PBX channel carrying this call, used by AMI-backed
// features.
func (s *Session) SetChannel(channel string) {
	s.mu.Lock()
	s.info.Channel = channel
	s.mu.Unlock()
}

func (s *Session) handle() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info.Handle
}

// Dial places an outbound call. It returns once the signaling stack has sent
// the request; progress is reported through call.state events.
func (s *Session) Dial(ctx context.Context, destination string) error {
	if s.direction != DirectionOutbound {
		return fmt.Errorf("call %s: %s: %w", s.id, OpDial, ErrWrongDirection)
	}
	return s.do(ctx, OpDial, func(ctx context.Context) error {
		if err := s.check(OpDial); err != nil {
			return err
		}
		s.mu.Lock()
		s.info.Destination = destination
		s.mu.Unlock()

		if err := s.fire(evDial, ""); err != nil {
			return err
		}
		err := s.call(ctx, OpDial, func(ctx context.Context) error {
			return s.sig.Initiate(ctx, s.handle(), destination)
		})
		if err != nil {
			s.terminateQuietly()
			s.endWith(CauseDialFailed)
			return s.wrap(OpDial, err)
		}
		return nil
	})
}

// Answer accepts an inbound call.
func (s *Session) Answer(ctx context.Context) error {
	if s.direction != DirectionInbound {
		return fmt.Errorf("call %s: %s: %w", s.id, OpAnswer, ErrWrongDirection)
	}
	return s.do(ctx, OpAnswer, func(ctx context.Context) error {
		if err := s.check(OpAnswer); err != nil {
			return err
		}
		if err := s.call(ctx, OpAnswer, func(ctx context.Context) error {
			return s.sig.Answer(ctx, s.handle())
		}); err != nil {
			return s.wrap(OpAnswer, err)
		}
		return s.fire(evAnswer, "")
	})
}

// Hold puts the call on hold. Holding a held call succeeds without effect.
func (s *Session) Hold(ctx context.Context) error {
	return s.do(ctx, OpHold, func(ctx context.Context) error {
		if err := s.check(OpHold); err != nil {
			return err
		}
		if s.State() == StateHeld {
			return nil
		}
		if err := s.call(ctx, OpHold, func(ctx context.Context) error {
			return s.sig.Hold(ctx, s.handle())
		}); err != nil {
			return s.wrap(OpHold, err)
		}
		return s.fire(evHold, "")
	})
}

// Unhold resumes a held call. Unholding an active call succeeds without effect.
func (s *Session) Unhold(ctx context.Context) error {
	return s.do(ctx, OpUnhold, func(ctx context.Context) error {
		if err := s.check(OpUnhold); err != nil {
			return err
		}
		if s.State() == StateActive {
			return nil
		}
		if err := s.call(ctx, OpUnhold, func(ctx context.Context) error {
			return s.sig.Unhold(ctx, s.handle())
		}); err != nil {
			return s.wrap(OpUnhold, err)
		}
		return s.fire(evUnhold, "")
	})
}

// Mute stops sending local media.
func (s *Session) Mute(ctx context.Context) error {
	return s.setMuted(ctx, OpMute, true)
}

// Unmute resumes sending local media.
func (s *Session) Unmute(ctx context.Context) error {
	return s.setMuted(ctx, OpUnmute, false)
}

func (s *Session) setMuted(ctx context.Context, op string, muted bool) error {
	return s.do(ctx, op, func(ctx context.Context) error {
		if err := s.check(op); err != nil {
			return err
		}
		if s.Info().LocalMuted == muted {
			return nil
		}
		if m, ok := s.sig.(MediaMuter); ok {
			if err := s.call(ctx, op, func(ctx context.Context) error {
				return m.SetMuted(ctx, s.handle(), muted)
			}); err != nil {
				return s.wrap(op, err)
			}
		}
		s.mu.Lock()
		s.info.LocalMuted = muted
		s.mu.Unlock()
		return nil
	})
}

// SendDTMF sends digits (0-9, A-D, * and #) on an active call.
func (s *Session) SendDTMF(ctx context.Context, digits string) error {
	if !dtmfDigits.MatchString(digits) {
		return fmt.Errorf("call %s: %w: %q", s.id, ErrInvalidDigits, digits)
	}
	return s.do(ctx, OpSendDTMF, func(ctx context.Context) error {
		if err := s.check(OpSendDTMF); err != nil {
			return err
		}
		if err := s.call(ctx, OpSendDTMF, func(ctx context.Context) error {
			return s.sig.SendDigits(ctx, s.handle(), digits)
		}); err != nil {
			return s.wrap(OpSendDTMF, err)
		}
		return nil
	})
}

// Transfer hands the call to target. On success the session ends with cause
// Transferred; on failure it returns to the state it was in.
func (s *Session) Transfer(ctx context.Context, target string) error {
	if target == "" {
		return fmt.Errorf("call %s: %s: empty target", s.id, OpTransfer)
	}
	return s.do(ctx, OpTransfer, func(ctx context.Context) error {
		if err := s.check(OpTransfer); err != nil {
			return err
		}
		prior := s.State()
		if err := s.fire(evTransfer, ""); err != nil {
			return err
		}
		err := s.call(ctx, OpTransfer, func(ctx context.Context) error {
			return s.sig.Transfer(ctx, s.handle(), target)
		})
		if err != nil {
			if ferr := s.fire(restoreEvent(prior), ""); ferr != nil {
				slog.Error("[Session] Could not restore state after failed transfer", "call_id", s.id, "error", ferr)
			}
			return s.wrap(OpTransfer, err)
		}
		return s.fire(evEnd, CauseTransferred)
	})
}

// JoinConference attaches the call to conference. A call belongs to at most
// one conference; joining the current one again succeeds without effect.
func (s *Session) JoinConference(ctx context.Context, conference string) error {
	if conference == "" {
		return fmt.Errorf("call %s: %s: empty conference", s.id, OpJoinConference)
	}
	return s.do(ctx, OpJoinConference, func(ctx context.Context) error {
		if err := s.check(OpJoinConference); err != nil {
			return err
		}
		info := s.Info()
		switch info.Conference {
		case conference:
			return nil
		case "":
		default:
			return fmt.Errorf("call %s: join %s: %w %s", s.id, conference, ErrAlreadyInConference, info.Conference)
		}
		if err := s.feature(ctx, OpJoinConference, func(ctx context.Context, f Features) error {
			return f.JoinConference(ctx, info, conference)
		}); err != nil {
			return err
		}
		s.mu.Lock()
		s.info.Conference = conference
		s.mu.Unlock()
		return nil
	})
}

// LeaveConference detaches the call from its conference.
func (s *Session) LeaveConference(ctx context.Context) error {
	return s.do(ctx, OpLeaveConference, func(ctx context.Context) error {
		if err := s.check(OpLeaveConference); err != nil {
			return err
		}
		info := s.Info()
		if info.Conference == "" {
			return fmt.Errorf("call %s: %w", s.id, ErrNotInConference)
		}
		if err := s.feature(ctx, OpLeaveConference, func(ctx context.Context, f Features) error {
			return f.LeaveConference(ctx, info, info.Conference)
		}); err != nil {
			return err
		}
		s.mu.Lock()
		s.info.Conference = ""
		s.mu.Unlock()
		return nil
	})
}

// StartRecording starts recording the call. It is idempotent.
func (s *Session) StartRecording(ctx context.Context) error {
	return s.setRecording(ctx, OpStartRecording, true)
}

// StopRecording stops recording the call. It is idempotent.
func (s *Session) StopRecording(ctx context.Context) error {
	return s.setRecording(ctx, OpStopRecording, false)
}

func (s *Session) setRecording(ctx context.Context, op string, on bool) error {
	return s.do(ctx, op, func(ctx context.Context) error {
		if err := s.check(op); err != nil {
			return err
		}
		info := s.Info()
		if info.Recording == on {
			return nil
		}
		if err := s.feature(ctx, op, func(ctx context.Context, f Features) error {
			if on {
				return f.StartRecording(ctx, info)
			}
			return f.StopRecording(ctx, info)
		}); err != nil {
			return err
		}
		s.mu.Lock()
		s.info.Recording = on
		s.mu.Unlock()
		return nil
	})
}

// Hangup ends the call from any state. Hanging up an ended call succeeds
// without effect. Signaling errors are logged; the session ends regardless.
func (s *Session) Hangup(ctx context.Context) error {
	return s.hangup(ctx, CauseLocalHangup)
}

func (s *Session) hangup(ctx context.Context, cause string) error {
	err := s.do(ctx, OpHangup, func(ctx context.Context) error {
		st := s.State()
		if st == StateEnded {
			return nil
		}
		if st != StateIdle {
			if err := s.call(ctx, OpHangup, func(ctx context.Context) error {
				return s.sig.Terminate(ctx, s.handle())
			}); err != nil {
				slog.Warn("[Session] Terminate failed, ending locally", "call_id", s.id, "error", err)
			}
		}
		return s.fire(evEnd, cause)
	})
	var oe *OperationError
	if errors.As(err, &oe) && oe.State == StateEnded {
		return nil
	}
	return err
}

// deliver queues a lifecycle callback. It never blocks.
func (s *Session) deliver(sg Signal) bool {
	return s.queue.put(&job{
		name: "signal " + sg.Kind.String(),
		ctx:  context.Background(),
		fn: func(ctx context.Context) error {
			s.handleSignal(ctx, sg)
			return nil
		},
	})
}

func (s *Session) handleSignal(ctx context.Context, sg Signal) {
	slog.Debug("[Session] Signal", "call_id", s.id, "kind", sg.Kind, "state", s.State())

	switch sg.Kind {
	case SignalIncoming:
		s.mu.Lock()
		s.info.From = sg.From
		s.info.Destination = sg.To
		s.mu.Unlock()
		s.tryFire(sg, evIncoming, "")
	case SignalRinging:
		s.tryFire(sg, evRing, "")
	case SignalEarlyMedia:
		s.tryFire(sg, evEarlyMedia, "")
	case SignalAnswered:
		if s.State() != StateActive {
			s.tryFire(sg, evAnswer, "")
		}
	case SignalHeld, SignalResumed:
		s.mu.Lock()
		s.info.RemoteMuted = sg.Kind == SignalHeld
		s.mu.Unlock()
	case SignalTerminated:
		cause := sg.Cause
		if cause == "" {
			cause = CauseRemoteHangup
		}
		s.tryFire(sg, evEnd, cause)
	case SignalMediaFailed, SignalRenegotiationNeeded:
		s.recoverMedia(ctx, sg)
	case SignalRenegotiationComplete:
		slog.Debug("[Session] Remote renegotiation complete", "call_id", s.id)
	}
}

// recoverMedia runs one ICE restart for a media loss. The call returns to
// its prior state on success and ends on failure.
func (s *Session) recoverMedia(ctx context.Context, sg Signal) {
	prior := s.State()
	if !prior.IsEstablished() {
		slog.Debug("[Session] Ignoring media loss outside an established call", "call_id", s.id, "state", prior)
		return
	}
	if err := s.fire(evRecover, sg.Cause); err != nil {
		slog.Warn("[Session] Could not enter recovery", "call_id", s.id, "error", err)
		return
	}

	renegotiate := func(ctx context.Context) error {
		return s.sig.Renegotiate(ctx, s.handle())
	}
	var err error
	if s.recoverer != nil {
		err = s.recoverer.RecoverMedia(ctx, s.id, renegotiate)
	} else {
		err = s.call(ctx, "renegotiate", renegotiate)
	}
	if err != nil {
		slog.Warn("[Session] Media recovery failed, ending call", "call_id", s.id, "error", err)
		s.terminateQuietly()
		s.endWith(CauseMediaRecoveryFailed)
		return
	}
	if err := s.fire(restoreEvent(prior), ""); err != nil {
		slog.Error("[Session] Could not restore state after recovery", "call_id", s.id, "error", err)
	}
}

func restoreEvent(prior CallState) string {
	if prior == StateHeld {
		return evRestoreHeld
	}
	return evRestoreActive
}

func (s *Session) tryFire(sg Signal, event, cause string) {
	if !s.machine.Can(event) {
		slog.Debug("[Session] Signal ignored in current state",
			"call_id", s.id,
			"kind", sg.Kind,
			"state", s.State())
		return
	}
	if err := s.fire(event, cause); err != nil {
		slog.Warn("[Session] Transition failed", "call_id", s.id, "event", event, "error", err)
	}
}

func (s *Session) endWith(cause string) {
	if err := s.fire(evEnd, cause); err != nil {
		slog.Error("[Session] Could not end call", "call_id", s.id, "error", err)
	}
}

// terminateQuietly tears down the signaling leg, logging failures.
func (s *Session) terminateQuietly() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OperationTimeout)
	defer cancel()
	if err := s.sig.Terminate(ctx, s.handle()); err != nil {
		slog.Debug("[Session] Terminate after failure", "call_id", s.id, "error", err)
	}
}

// fire applies a state machine event and publishes the resulting change.
// The transition itself never observes a caller's cancellation.
func (s *Session) fire(event, cause string) error {
	from := s.State()
	if err := s.machine.Event(context.Background(), event, cause); err != nil {
		return &TransitionError{CallID: s.id, Event: event, From: from, Err: err}
	}

	change := s.change
	s.change = nil
	if change == nil {
		return nil
	}
	slog.Info("[Session] State changed",
		"call_id", s.id,
		"direction", s.direction,
		"from", change.From,
		"to", change.To,
		"cause", change.Cause,
		"seq", change.Seq)
	s.bus.Publish(string(events.CallState), change)

	if change.To == StateEnded.String() && s.onEnded != nil {
		s.onEnded(s)
	}
	return nil
}

// entered mirrors a completed transition into the session and prepares its
// event. It runs inside machine.Event.
func (s *Session) entered(e *fsm.Event) {
	to := parseState(e.Dst)
	cause := ""
	if len(e.Args) > 0 {
		cause, _ = e.Args[0].(string)
	}
	now := time.Now()

	s.mu.Lock()
	s.state = to
	s.info.State = to.String()
	s.info.Held = to == StateHeld
	s.info.Seq++
	if to == StateActive && s.info.AnsweredAt.IsZero() {
		s.info.AnsweredAt = now
	}
	if to == StateEnded {
		s.info.EndedAt = now
		s.info.Cause = cause
	}
	seq := s.info.Seq
	s.mu.Unlock()

	s.change = events.NewCallStateChanged(s.id, s.direction.String(), e.Src, e.Dst, cause, seq)
}

func (s *Session) check(op string) error {
	if st := s.State(); !Allows(op, st) {
		return &OperationError{CallID: s.id, Op: op, State: st}
	}
	return nil
}

// call runs fn against the signaling stack bounded by OperationTimeout. The
// executor is released at the deadline even if fn ignores its context.
func (s *Session) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- fn(cctx) }()

	select {
	case err := <-errc:
		if err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return &TimeoutError{CallID: s.id, Op: op, Timeout: s.cfg.OperationTimeout}
		}
		return err
	case <-cctx.Done():
		if err := ctx.Err(); err != nil {
			return err
		}
		return &TimeoutError{CallID: s.id, Op: op, Timeout: s.cfg.OperationTimeout}
	}
}

func (s *Session) feature(ctx context.Context, op string, fn func(ctx context.Context, f Features) error) error {
	if s.features == nil {
		return fmt.Errorf("call %s: %s: %w", s.id, op, ErrFeatureUnavailable)
	}
	if err := s.call(ctx, op, func(ctx context.Context) error { return fn(ctx, s.features) }); err != nil {
		return s.wrap(op, err)
	}
	return nil
}

func (s *Session) wrap(op string, err error) error {
	var te *TimeoutError
	if errors.As(err, &te) {
		return err
	}
	return fmt.Errorf("call %s: %s: %w", s.id, op, err)
}

// do queues an operation and waits for its result.
func (s *Session) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	j := &job{name: op, ctx: ctx, fn: fn, res: make(chan error, 1)}
	if !s.queue.put(j) {
		return &OperationError{CallID: s.id, Op: op, State: StateEnded}
	}
	select {
	case err := <-j.res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) run() {
	defer close(s.done)
	for range s.queue.signal {
		items := s.queue.drain()
		for i, j := range items {
			s.exec(j)
			if s.State() == StateEnded {
				s.reject(append(items[i+1:], s.queue.close()...))
				return
			}
		}
	}
}

func (s *Session) exec(j *job) {
	if err := j.ctx.Err(); err != nil {
		j.finish(err)
		return
	}
	j.finish(j.fn(j.ctx))
}

func (s *Session) reject(jobs []*job) {
	for _, j := range jobs {
		if j.res == nil {
			continue
		}
		if j.name == OpHangup {
			j.finish(nil)
			continue
		}
		j.finish(&OperationError{CallID: s.id, Op: j.name, State: StateEnded})
	}
}
