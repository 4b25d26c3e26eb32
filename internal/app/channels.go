package app

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/sebas/callplane/internal/ami"
	"github.com/sebas/callplane/internal/session"
)

// callLister returns live calls, oldest first.
type callLister interface {
	ListActive() []*session.Session
}

// channelTracker binds PBX channels of our endpoint to calls. Asterisk names
// them "<tech>/<endpoint>-<seq>" (e.g. PJSIP/callplane-0000002a); a new one
// is given to the oldest live call that has none.
type channelTracker struct {
	endpoint string
	calls    callLister

	mu     sync.Mutex
	byName map[string]string
}

func newChannelTracker(endpoint string, calls callLister) *channelTracker {
	return &channelTracker{
		endpoint: endpoint,
		calls:    calls,
		byName:   make(map[string]string),
	}
}

func (t *channelTracker) ours(channel string) bool {
	_, rest, ok := strings.Cut(channel, "/")
	return ok && strings.HasPrefix(rest, t.endpoint+"-")
}

func (t *channelTracker) onNewchannel(ev *ami.Event) {
	channel := ev.Get("Channel")
	if !t.ours(channel) {
		return
	}

	for _, s := range t.calls.ListActive() {
		info := s.Info()
		if info.Channel != "" || s.State() == session.StateIdle {
			continue
		}
		s.SetChannel(channel)
		t.mu.Lock()
		t.byName[channel] = s.ID()
		t.mu.Unlock()
		slog.Debug("[App] Channel bound", "call_id", s.ID(), "channel", channel)
		return
	}
	slog.Debug("[App] No call for channel", "channel", channel)
}

func (t *channelTracker) onHangup(ev *ami.Event) {
	channel := ev.Get("Channel")
	t.mu.Lock()
	id, ok := t.byName[channel]
	delete(t.byName, channel)
	t.mu.Unlock()
	if ok {
		slog.Debug("[App] Channel hung up", "call_id", id, "channel", channel, "cause", ev.Get("Cause-txt"))
	}
}

// bound returns the call ID holding channel.
func (t *channelTracker) bound(channel string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byName[channel]
	return id, ok
}
