package ami

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Login authenticates the manager session with plain-text credentials and
// enables event delivery.
func (e *Engine) Login(ctx context.Context, username, secret string) error {
	a := NewAction("Login").
		Set("Username", username).
		Set("Secret", secret).
		Set("Events", "on")
	if _, err := e.Send(ctx, a); err != nil {
		return fmt.Errorf("ami login as %s: %w", username, err)
	}
	return nil
}

// Logoff ends the manager session.
func (e *Engine) Logoff(ctx context.Context) error {
	_, err := e.Send(ctx, NewAction("Logoff"))
	return err
}

// Ping sends a Ping action and returns the round-trip time.
func (e *Engine) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := e.Send(ctx, NewAction("Ping")); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// OriginateRequest describes an Originate action.
type OriginateRequest struct {
	Channel   string
	Context   string
	Exten     string
	Priority  int
	CallerID  string
	Timeout   time.Duration
	Variables map[string]string
	Async     bool
}

// Originate places a call from Channel into Context/Exten.
func (e *Engine) Originate(ctx context.Context, req OriginateRequest) (*Packet, error) {
	prio := req.Priority
	if prio == 0 {
		prio = 1
	}
	a := NewAction("Originate").
		Set("Channel", req.Channel).
		Set("Context", req.Context).
		Set("Exten", req.Exten).
		Set("Priority", strconv.Itoa(prio)).
		SetIf("CallerID", req.CallerID)
	if req.Timeout > 0 {
		a.Set("Timeout", strconv.FormatInt(req.Timeout.Milliseconds(), 10))
	}
	if req.Async {
		a.Set("Async", "true")
	}
	for k, v := range req.Variables {
		a.Add("Variable", k+"="+v)
	}
	return e.Send(ctx, a)
}

// Hangup hangs up channel with an optional Q.850 cause.
func (e *Engine) Hangup(ctx context.Context, channel string, cause int) error {
	a := NewAction("Hangup").Set("Channel", channel)
	if cause > 0 {
		a.Set("Cause", strconv.Itoa(cause))
	}
	_, err := e.Send(ctx, a)
	return err
}

// Redirect moves channel to context/exten/1.
func (e *Engine) Redirect(ctx context.Context, channel, dialContext, exten string) error {
	a := NewAction("Redirect").
		Set("Channel", channel).
		Set("Context", dialContext).
		Set("Exten", exten).
		Set("Priority", "1")
	_, err := e.Send(ctx, a)
	return err
}

// MixMonitor starts recording channel into file.
func (e *Engine) MixMonitor(ctx context.Context, channel, file, options string) error {
	a := NewAction("MixMonitor").
		Set("Channel", channel).
		Set("File", file).
		SetIf("Options", options)
	_, err := e.Send(ctx, a)
	return err
}

// StopMixMonitor stops recording channel.
func (e *Engine) StopMixMonitor(ctx context.Context, channel string) error {
	_, err := e.Send(ctx, NewAction("StopMixMonitor").Set("Channel", channel))
	return err
}

// ConfbridgeKick removes channel from a ConfBridge conference.
func (e *Engine) ConfbridgeKick(ctx context.Context, conference, channel string) error {
	a := NewAction("ConfbridgeKick").
		Set("Conference", conference).
		Set("Channel", channel)
	_, err := e.Send(ctx, a)
	return err
}

// QueueAdd adds iface to queue.
func (e *Engine) QueueAdd(ctx context.Context, queue, iface, memberName string, penalty int, paused bool) error {
	a := NewAction("QueueAdd").
		Set("Queue", queue).
		Set("Interface", iface).
		SetIf("MemberName", memberName).
		Set("Penalty", strconv.Itoa(penalty)).
		Set("Paused", strconv.FormatBool(paused))
	_, err := e.Send(ctx, a)
	return err
}

// QueueRemove removes iface from queue.
func (e *Engine) QueueRemove(ctx context.Context, queue, iface string) error {
	a := NewAction("QueueRemove").
		Set("Queue", queue).
		Set("Interface", iface)
	_, err := e.Send(ctx, a)
	return err
}

// QueuePause pauses or unpauses iface, in queue or in all queues when queue is empty.
func (e *Engine) QueuePause(ctx context.Context, queue, iface string, paused bool, reason string) error {
	a := NewAction("QueuePause").
		Set("Interface", iface).
		Set("Paused", strconv.FormatBool(paused)).
		SetIf("Queue", queue).
		SetIf("Reason", reason)
	_, err := e.Send(ctx, a)
	return err
}

// DBGet reads family/key from the Asterisk database. The value arrives in a
// DBGetResponse event correlated by ActionID; the wait for it is bounded by
// the action timeout like the response itself.
func (e *Engine) DBGet(ctx context.Context, family, key string) (string, error) {
	return e.dbGet(ctx, family, key, e.cfg.DefaultTimeout)
}

func (e *Engine) dbGet(ctx context.Context, family, key string, timeout time.Duration) (string, error) {
	a := NewAction("DBGet").
		Set("Family", family).
		Set("Key", key).
		WithID(e.prefix + "-db-" + strconv.FormatUint(e.seq.Add(1), 10)).
		WithTimeout(timeout)

	result := make(chan string, 1)
	sub := e.Subscribe("DBGetResponse", func(ev *Event) {
		if ev.ActionID() == a.ID {
			select {
			case result <- ev.Get("Val"):
			default:
			}
		}
	})
	defer sub.Unsubscribe()

	if _, err := e.Send(ctx, a); err != nil {
		return "", err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v := <-result:
		return v, nil
	case <-timer.C:
		e.stats.timeouts.Add(1)
		return "", &TimeoutError{Action: a.Name, ActionID: a.ID, Timeout: timeout}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// DBPut writes family/key.
func (e *Engine) DBPut(ctx context.Context, family, key, value string) error {
	a := NewAction("DBPut").
		Set("Family", family).
		Set("Key", key).
		Set("Val", value)
	_, err := e.Send(ctx, a)
	return err
}

// DBDel deletes family/key.
func (e *Engine) DBDel(ctx context.Context, family, key string) error {
	_, err := e.Send(ctx, NewAction("DBDel").Set("Family", family).Set("Key", key))
	return err
}

// Refresh issues the configured resynchronization actions. The list events
// they trigger reach subscribers like any other event.
func (e *Engine) Refresh(ctx context.Context) error {
	var errs []error
	for _, name := range e.cfg.ResyncActions {
		if _, err := e.Send(ctx, NewAction(name)); err != nil {
			errs = append(errs, fmt.Errorf("refresh %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
