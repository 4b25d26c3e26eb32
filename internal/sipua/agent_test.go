package sipua

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/callplane/internal/session"
)

// fakeTx records responses. Only Respond and Done are used by the handlers.
type fakeTx struct {
	sip.ServerTransaction

	mu        sync.Mutex
	responses []*sip.Response
	done      chan struct{}
}

func newFakeTx() *fakeTx {
	return &fakeTx{done: make(chan struct{})}
}

func (t *fakeTx) Respond(resp *sip.Response) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responses = append(t.responses, resp)
	return nil
}

func (t *fakeTx) Done() <-chan struct{} { return t.done }

func (t *fakeTx) codes() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, 0, len(t.responses))
	for _, r := range t.responses {
		out = append(out, int(r.StatusCode))
	}
	return out
}

func (t *fakeTx) last() *sip.Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.responses[len(t.responses)-1]
}

func newTestAgent(t *testing.T) *Agent {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Domain = "pbx.example.com"
	a, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func nextSignal(t *testing.T, a *Agent) session.Signal {
	t.Helper()
	select {
	case sg := <-a.Signals():
		return sg
	case <-time.After(2 * time.Second):
		t.Fatal("no signal emitted")
	}
	return session.Signal{}
}

func remoteOffer(t *testing.T, dir Direction, ufrag string) []byte {
	t.Helper()
	m := localMedia{
		Addr:      "198.51.100.5",
		Port:      4000,
		SessionID: 7,
		Version:   1,
		Direction: dir,
		Ufrag:     ufrag,
		Pwd:       "remotepasswordremotepass",
	}
	body, err := buildSDP(m, DefaultCodecs.Codecs())
	require.NoError(t, err)
	return body
}

// inDialog turns a remote request into one sent inside our dialog.
func inDialog(req *sip.Request, method sip.RequestMethod, seq uint32, localTag string) *sip.Request {
	req.Method = method
	if localTag != "" {
		req.To().Params.Add("tag", localTag)
	}
	req.CSeq().SeqNo = seq
	req.CSeq().MethodName = method
	return req
}

// ringInbound runs an INVITE handler and waits for the Incoming signal.
func ringInbound(t *testing.T, a *Agent, callID string) (*fakeTx, chan struct{}) {
	t.Helper()
	tx := newFakeTx()
	invite := remoteInvite(t, callID, remoteOffer(t, SendRecv, "remoteA"))
	handled := make(chan struct{})
	go func() {
		defer close(handled)
		a.onInvite(invite, tx)
	}()

	sg := nextSignal(t, a)
	require.Equal(t, session.SignalIncoming, sg.Kind)
	require.Equal(t, callID, sg.Handle)
	assert.Contains(t, sg.From, "alice")
	return tx, handled
}

func waitClosed(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return")
	}
}

func TestInboundCallFlow(t *testing.T) {
	a := newTestAgent(t)
	ctx := context.Background()

	tx, handled := ringInbound(t, a, "inbound-1")
	assert.Equal(t, []int{100, 180}, tx.codes())
	ringTag, ok := tx.last().To().Params.Get("tag")
	require.True(t, ok)
	assert.Equal(t, 1, a.ActiveDialogs())

	require.NoError(t, a.Answer(ctx, "inbound-1"))
	waitClosed(t, handled)
	assert.Equal(t, []int{100, 180, 200}, tx.codes())

	ok200 := tx.last()
	okTag, _ := ok200.To().Params.Get("tag")
	assert.Equal(t, ringTag, okTag, "200 OK keeps the early dialog tag")
	answer, err := parseSDP(ok200.Body())
	require.NoError(t, err)
	assert.Equal(t, SendRecv, answer.Direction)
	assert.NotEmpty(t, answer.Ufrag)

	// Remote hold.
	holdTx := newFakeTx()
	a.onInvite(inDialog(remoteInvite(t, "inbound-1", remoteOffer(t, SendOnly, "remoteA")), sip.INVITE, 8, okTag), holdTx)
	require.Equal(t, []int{200}, holdTx.codes())
	held, err := parseSDP(holdTx.last().Body())
	require.NoError(t, err)
	assert.Equal(t, RecvOnly, held.Direction)
	assert.Equal(t, session.SignalHeld, nextSignal(t, a).Kind)

	// Remote resume with an ICE restart.
	resumeTx := newFakeTx()
	a.onInvite(inDialog(remoteInvite(t, "inbound-1", remoteOffer(t, SendRecv, "remoteB")), sip.INVITE, 9, okTag), resumeTx)
	require.Equal(t, []int{200}, resumeTx.codes())
	assert.Equal(t, session.SignalResumed, nextSignal(t, a).Kind)
	assert.Equal(t, session.SignalRenegotiationComplete, nextSignal(t, a).Kind)

	// Remote hangup.
	byeTx := newFakeTx()
	a.onBye(inDialog(remoteInvite(t, "inbound-1", nil), sip.BYE, 10, okTag), byeTx)
	assert.Equal(t, []int{200}, byeTx.codes())
	sg := nextSignal(t, a)
	assert.Equal(t, session.SignalTerminated, sg.Kind)
	assert.Equal(t, session.CauseRemoteHangup, sg.Cause)
	assert.Equal(t, 0, a.ActiveDialogs())
}

func TestInboundCallCanceled(t *testing.T) {
	a := newTestAgent(t)
	tx, handled := ringInbound(t, a, "inbound-2")

	cancelTx := newFakeTx()
	a.onCancel(inDialog(remoteInvite(t, "inbound-2", nil), sip.CANCEL, 7, ""), cancelTx)
	waitClosed(t, handled)

	assert.Equal(t, []int{200}, cancelTx.codes())
	assert.Equal(t, []int{100, 180, 487}, tx.codes())
	sg := nextSignal(t, a)
	assert.Equal(t, session.SignalTerminated, sg.Kind)
	assert.Equal(t, "Canceled", sg.Cause)
	assert.Equal(t, 0, a.ActiveDialogs())
}

func TestTerminateRingingInboundRejects(t *testing.T) {
	a := newTestAgent(t)
	tx, handled := ringInbound(t, a, "inbound-3")

	require.NoError(t, a.Terminate(context.Background(), "inbound-3"))
	waitClosed(t, handled)
	assert.Equal(t, []int{100, 180, 486}, tx.codes())
	assert.Equal(t, 0, a.ActiveDialogs())

	require.NoError(t, a.Terminate(context.Background(), "inbound-3"), "unknown handles are already gone")
}

func TestAnswerRejectsOfferWithoutCommonCodec(t *testing.T) {
	a := newTestAgent(t)
	tx := newFakeTx()
	offer := []byte("v=0\r\no=- 1 1 IN IP4 198.51.100.5\r\ns=-\r\nc=IN IP4 198.51.100.5\r\nt=0 0\r\nm=audio 4000 RTP/AVP 9\r\na=rtpmap:9 G722/8000\r\n")

	invite := remoteInvite(t, "inbound-4", offer)
	handled := make(chan struct{})
	go func() {
		defer close(handled)
		a.onInvite(invite, tx)
	}()
	require.Equal(t, session.SignalIncoming, nextSignal(t, a).Kind)

	require.Error(t, a.Answer(context.Background(), "inbound-4"))
	waitClosed(t, handled)
	assert.Equal(t, []int{100, 180, 488}, tx.codes())
}

func TestInvalidOfferRejected(t *testing.T) {
	a := newTestAgent(t)
	tx := newFakeTx()
	a.onInvite(remoteInvite(t, "inbound-5", []byte("not sdp")), tx)
	assert.Equal(t, []int{488}, tx.codes())
	assert.Equal(t, 0, a.ActiveDialogs())
}

func TestUnknownDialogRequests(t *testing.T) {
	a := newTestAgent(t)

	byeTx := newFakeTx()
	a.onBye(inDialog(remoteInvite(t, "nope", nil), sip.BYE, 2, "x"), byeTx)
	assert.Equal(t, []int{481}, byeTx.codes())

	cancelTx := newFakeTx()
	a.onCancel(inDialog(remoteInvite(t, "nope", nil), sip.CANCEL, 1, ""), cancelTx)
	assert.Equal(t, []int{481}, cancelTx.codes())

	reinviteTx := newFakeTx()
	a.onInvite(inDialog(remoteInvite(t, "nope", remoteOffer(t, SendRecv, "r")), sip.INVITE, 2, "x"), reinviteTx)
	assert.Equal(t, []int{481}, reinviteTx.codes())
}

func TestOperationsOnUnknownCall(t *testing.T) {
	a := newTestAgent(t)
	ctx := context.Background()

	assert.ErrorIs(t, a.Hold(ctx, "missing"), ErrUnknownCall)
	assert.ErrorIs(t, a.SendDigits(ctx, "missing", "1"), ErrUnknownCall)
	assert.ErrorIs(t, a.Transfer(ctx, "missing", "1002"), ErrUnknownCall)
	assert.ErrorIs(t, a.Answer(ctx, "missing"), ErrUnknownCall)
	assert.ErrorIs(t, a.ReportMediaFailure("missing", "ice"), ErrUnknownCall)
}

func TestReportMediaFailure(t *testing.T) {
	a := newTestAgent(t)
	_, handled := ringInbound(t, a, "inbound-6")
	require.NoError(t, a.Answer(context.Background(), "inbound-6"))
	waitClosed(t, handled)

	require.NoError(t, a.ReportMediaFailure("inbound-6", "ice disconnected"))
	sg := nextSignal(t, a)
	assert.Equal(t, session.SignalMediaFailed, sg.Kind)
	assert.Equal(t, "ice disconnected", sg.Cause)
}

func TestOptionsAdvertisesMethods(t *testing.T) {
	a := newTestAgent(t)
	tx := newFakeTx()
	a.onOptions(inDialog(remoteInvite(t, "opts", nil), sip.OPTIONS, 1, ""), tx)
	require.Equal(t, []int{200}, tx.codes())
	allow := tx.last().GetHeader("Allow")
	require.NotNil(t, allow)
	assert.Contains(t, allow.Value(), "REFER")
}
