package sipua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/callplane/internal/session"
)

// Config holds the user agent settings.
type Config struct {
	// ListenAddr is the local SIP bind address, e.g. "0.0.0.0:5060".
	ListenAddr string
	// Transport is the SIP transport, "udp" or "tcp".
	Transport string
	// AdvertiseAddr and Port go into Contact headers.
	AdvertiseAddr string
	Port          int
	// User is our SIP user part.
	User string
	// Domain completes destinations given without a host.
	Domain string
	// Registrar, when set, is sent a REGISTER by Register.
	Registrar      string
	RegisterExpiry time.Duration
	// Username and Password answer digest challenges.
	Username string
	Password string
	// MediaAddr and MediaPort are advertised in SDP.
	MediaAddr string
	MediaPort int
	// RingTimeout bounds an outbound INVITE awaiting its final response.
	RingTimeout time.Duration
	// Codecs sets the offered codecs. Nil means DefaultCodecs.
	Codecs CodecPolicy
}

// DefaultConfig returns settings for a local UDP agent.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     "0.0.0.0:5060",
		Transport:      "udp",
		AdvertiseAddr:  "127.0.0.1",
		Port:           5060,
		User:           "callplane",
		RegisterExpiry: time.Hour,
		MediaAddr:      "127.0.0.1",
		MediaPort:      10000,
		RingTimeout:    60 * time.Second,
	}
}

const maxAuthAttempts = 2

var (
	// ErrUnknownCall is returned for a handle with no live dialog.
	ErrUnknownCall = errors.New("unknown call")
	// ErrRejected is returned when the remote answers a request with a
	// non-2xx final response.
	ErrRejected = errors.New("request rejected")
)

// RejectedError carries the final response that rejected a request.
type RejectedError struct {
	Method sip.RequestMethod
	Code   int
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected: %d %s", e.Method, e.Code, e.Reason)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

// Agent is a SIP user agent driving calls for the session layer.
type Agent struct {
	cfg     Config
	ua      *sipgo.UserAgent
	srv     *sipgo.Server
	client  *sipgo.Client
	contact sip.Uri

	mu       sync.RWMutex
	dialogs  map[string]*dialog
	byCallID map[string]*dialog

	signals   chan session.Signal
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var (
	_ session.Signaling = (*Agent)(nil)
)

// New creates the user agent with its server and client.
func New(cfg Config) (*Agent, error) {
	if cfg.Codecs == nil {
		cfg.Codecs = DefaultCodecs
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultConfig().RingTimeout
	}
	if cfg.Transport == "" {
		cfg.Transport = "udp"
	}

	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		cfg:    cfg,
		ua:     ua,
		srv:    srv,
		client: client,
		contact: sip.Uri{
			Scheme: "sip",
			User:   cfg.User,
			Host:   cfg.AdvertiseAddr,
			Port:   cfg.Port,
		},
		dialogs:  make(map[string]*dialog),
		byCallID: make(map[string]*dialog),
		signals:  make(chan session.Signal, 256),
		ctx:      ctx,
		cancel:   cancel,
	}

	srv.OnRequest(sip.INVITE, a.onInvite)
	srv.OnRequest(sip.ACK, a.onAck)
	srv.OnRequest(sip.BYE, a.onBye)
	srv.OnRequest(sip.CANCEL, a.onCancel)
	srv.OnRequest(sip.NOTIFY, a.onNotify)
	srv.OnRequest(sip.INFO, a.onInfo)
	srv.OnRequest(sip.OPTIONS, a.onOptions)
	return a, nil
}

// Serve listens for SIP requests until ctx is done.
func (a *Agent) Serve(ctx context.Context) error {
	slog.Info("[SIP] Listening", "transport", a.cfg.Transport, "addr", a.cfg.ListenAddr)
	err := a.srv.ListenAndServe(ctx, a.cfg.Transport, a.cfg.ListenAddr)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("sip server: %w", err)
	}
	return nil
}

// Close stops pending dials and releases the user agent. The signal stream
// is not closed; consumers stop on their own shutdown.
func (a *Agent) Close() error {
	a.closeOnce.Do(func() {
		a.cancel()
		a.ua.Close()
	})
	return nil
}

// Signals returns the lifecycle stream consumed by the session registry.
func (a *Agent) Signals() <-chan session.Signal {
	return a.signals
}

// ActiveDialogs returns the number of tracked dialogs.
func (a *Agent) ActiveDialogs() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.dialogs)
}

// ReportMediaFailure lets the media plane flag a call whose ICE connection
// dropped. The session answers with one ICE restart.
func (a *Agent) ReportMediaFailure(handle, cause string) error {
	if _, err := a.lookup(handle); err != nil {
		return err
	}
	a.emit(session.Signal{Kind: session.SignalMediaFailed, Handle: handle, Cause: cause})
	return nil
}

// Register sends a REGISTER to the configured registrar.
func (a *Agent) Register(ctx context.Context) error {
	if a.cfg.Registrar == "" {
		return nil
	}
	var registrar sip.Uri
	if err := sip.ParseUri(a.cfg.Registrar, &registrar); err != nil {
		return fmt.Errorf("parse registrar %q: %w", a.cfg.Registrar, err)
	}

	aor := sip.Uri{Scheme: "sip", User: a.cfg.User, Host: registrar.Host}
	req := sip.NewRequest(sip.REGISTER, registrar)
	req.AppendHeader(&sip.FromHeader{Address: aor, Params: sip.NewParams().Add("tag", generateTag())})
	req.AppendHeader(&sip.ToHeader{Address: aor, Params: sip.NewParams()})
	callID := sip.CallIDHeader(generateCallID())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.REGISTER})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: a.contact})
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(int(a.cfg.RegisterExpiry.Seconds()))))

	resp, err := a.request(ctx, req, nil)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return &RejectedError{Method: sip.REGISTER, Code: int(resp.StatusCode), Reason: resp.Reason}
	}
	slog.Info("[SIP] Registered", "registrar", a.cfg.Registrar, "user", a.cfg.User)
	return nil
}

// Initiate sends an INVITE for a new outbound call. It returns once the
// request is on the wire; progress arrives as signals on handle.
func (a *Agent) Initiate(ctx context.Context, handle, destination string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var recipient sip.Uri
	if err := sip.ParseUri(a.destinationURI(destination), &recipient); err != nil {
		return fmt.Errorf("parse destination %q: %w", destination, err)
	}
	local, err := a.newLocalMedia()
	if err != nil {
		return err
	}
	body, err := buildSDP(local, a.cfg.Codecs.Codecs())
	if err != nil {
		return err
	}

	invite := a.buildInvite(recipient, body)
	d := newOutboundDialog(handle, invite, local)
	dialCtx, cancel := context.WithTimeout(a.ctx, a.cfg.RingTimeout)
	d.cancelDial = cancel
	a.track(d)

	tx, err := a.client.TransactionRequest(dialCtx, invite)
	if err != nil {
		cancel()
		a.forget(d)
		return fmt.Errorf("send INVITE: %w", err)
	}

	slog.Info("[SIP] INVITE sent", "handle", handle, "call_id", d.callID(), "target", recipient.String())
	go a.awaitAnswer(dialCtx, d, invite, tx)
	return nil
}

// Answer accepts a ringing inbound call with 200 OK.
func (a *Agent) Answer(ctx context.Context, handle string) error {
	d, err := a.lookup(handle)
	if err != nil {
		return err
	}
	d.mu.Lock()
	tx, invite := d.inviteTx, d.invite
	d.mu.Unlock()
	if tx == nil {
		return fmt.Errorf("answer %s: no pending INVITE", handle)
	}

	codecs := a.cfg.Codecs.Codecs()
	if rm, err := parseSDP(invite.Body()); err == nil {
		codecs = negotiate(rm.Formats, a.cfg.Codecs)
		if len(codecs) == 0 {
			a.reject(d, 488, "Not Acceptable Here")
			return errors.New("answer: no common codec")
		}
	}
	body, err := buildSDP(d.media(), codecs)
	if err != nil {
		return err
	}

	resp := sip.NewResponseFromRequest(invite, sip.StatusOK, "OK", body)
	setToTag(resp, d.localTag)
	resp.AppendHeader(&sip.ContactHeader{Address: a.contact})
	resp.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if err := tx.Respond(resp); err != nil {
		return fmt.Errorf("send 200 OK: %w", err)
	}
	d.confirm(resp)
	d.settle()

	slog.Info("[SIP] Call answered", "handle", handle)
	return nil
}

// Hold puts the remote party on hold with a sendonly re-INVITE.
func (a *Agent) Hold(ctx context.Context, handle string) error {
	return a.reinvite(ctx, handle, func(m *localMedia) { m.Direction = SendOnly })
}

// Unhold resumes media with a sendrecv re-INVITE.
func (a *Agent) Unhold(ctx context.Context, handle string) error {
	return a.reinvite(ctx, handle, func(m *localMedia) { m.Direction = SendRecv })
}

// Renegotiate restarts ICE with fresh credentials.
func (a *Agent) Renegotiate(ctx context.Context, handle string) error {
	ufrag, pwd, err := newICECredentials()
	if err != nil {
		return err
	}
	return a.reinvite(ctx, handle, func(m *localMedia) {
		m.Ufrag = ufrag
		m.Pwd = pwd
	})
}

// SendDigits sends each digit as a SIP INFO dtmf-relay request.
func (a *Agent) SendDigits(ctx context.Context, handle, digits string) error {
	d, err := a.lookup(handle)
	if err != nil {
		return err
	}
	for _, digit := range digits {
		req, err := d.newRequest(sip.INFO, a.contact)
		if err != nil {
			return err
		}
		req.AppendHeader(sip.NewHeader("Content-Type", "application/dtmf-relay"))
		req.SetBody(dtmfRelayBody(digit))
		if err := a.expectSuccess(ctx, req, d); err != nil {
			return fmt.Errorf("send digit %q: %w", digit, err)
		}
	}
	return nil
}

// Transfer sends a blind REFER to target and leaves the call once the
// remote accepts it.
func (a *Agent) Transfer(ctx context.Context, handle, target string) error {
	d, err := a.lookup(handle)
	if err != nil {
		return err
	}
	req, err := d.newRequest(sip.REFER, a.contact)
	if err != nil {
		return err
	}
	req.AppendHeader(sip.NewHeader("Refer-To", "<"+a.destinationURI(target)+">"))
	req.AppendHeader(sip.NewHeader("Referred-By", "<"+a.contact.String()+">"))
	if err := a.expectSuccess(ctx, req, d); err != nil {
		return err
	}

	slog.Info("[SIP] Transfer accepted", "handle", handle, "target", target)
	if err := a.bye(ctx, d); err != nil {
		slog.Warn("[SIP] BYE after transfer failed", "handle", handle, "error", err)
	}
	return nil
}

// Terminate ends the call the way its state calls for: CANCEL for an
// unanswered outbound INVITE, 486 for a ringing inbound one, BYE otherwise.
// Unknown handles are already gone.
func (a *Agent) Terminate(ctx context.Context, handle string) error {
	d, err := a.lookup(handle)
	if err != nil {
		return nil
	}
	if d.isConfirmed() {
		return a.bye(ctx, d)
	}
	if d.outbound {
		// awaitAnswer sends the CANCEL.
		d.cancelDial()
		return nil
	}
	a.reject(d, 486, "Busy Here")
	return nil
}

func (a *Agent) bye(ctx context.Context, d *dialog) error {
	defer a.forget(d)
	req, err := d.newRequest(sip.BYE, a.contact)
	if err != nil {
		return err
	}
	return a.expectSuccess(ctx, req, d)
}

func (a *Agent) reject(d *dialog, code int, reason string) {
	defer a.forget(d)
	d.mu.Lock()
	tx, invite := d.inviteTx, d.invite
	d.inviteTx = nil
	d.mu.Unlock()
	if tx == nil {
		return
	}
	resp := sip.NewResponseFromRequest(invite, sip.StatusCode(code), reason, nil)
	setToTag(resp, d.localTag)
	if err := tx.Respond(resp); err != nil {
		slog.Warn("[SIP] Failed to reject INVITE", "handle", d.handle, "error", err)
	}
	d.settle()
}

func (a *Agent) reinvite(ctx context.Context, handle string, mutate func(*localMedia)) error {
	d, err := a.lookup(handle)
	if err != nil {
		return err
	}
	if !d.reinvite.CompareAndSwap(false, true) {
		return fmt.Errorf("re-INVITE already in progress for %s", handle)
	}
	defer d.reinvite.Store(false)

	body, err := buildSDP(d.nextOffer(mutate), a.cfg.Codecs.Codecs())
	if err != nil {
		return err
	}
	req, err := d.newRequest(sip.INVITE, a.contact)
	if err != nil {
		return err
	}
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody(body)

	resp, err := a.request(ctx, req, d)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return &RejectedError{Method: sip.INVITE, Code: int(resp.StatusCode), Reason: resp.Reason}
	}
	if err := a.client.WriteRequest(buildACK(req, resp)); err != nil {
		return fmt.Errorf("send ACK: %w", err)
	}
	return nil
}

// awaitAnswer follows an outbound INVITE to its final response.
func (a *Agent) awaitAnswer(ctx context.Context, d *dialog, invite *sip.Request, tx sip.ClientTransaction) {
	defer func() { tx.Terminate() }()
	defer d.cancelDial()
	auths := 0

	for {
		select {
		case <-ctx.Done():
			if err := a.sendCancel(invite); err != nil {
				slog.Warn("[SIP] CANCEL failed", "handle", d.handle, "error", err)
			}
			a.forget(d)
			cause := "Canceled"
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				cause = "408 Request Timeout"
			}
			a.emit(session.Signal{Kind: session.SignalTerminated, Handle: d.handle, Cause: cause})
			return

		case <-tx.Done():
			a.forget(d)
			cause := "Transaction terminated"
			if err := tx.Err(); err != nil {
				cause = err.Error()
			}
			a.emit(session.Signal{Kind: session.SignalTerminated, Handle: d.handle, Cause: cause})
			return

		case resp := <-tx.Responses():
			if resp == nil {
				continue
			}
			code := int(resp.StatusCode)
			slog.Debug("[SIP] INVITE response", "handle", d.handle, "status", code, "reason", resp.Reason)

			switch {
			case code == 180 || code == 181:
				a.emit(session.Signal{Kind: session.SignalRinging, Handle: d.handle})
			case code == 183:
				a.emit(session.Signal{Kind: session.SignalEarlyMedia, Handle: d.handle})
			case code < 200:
			case code < 300:
				d.confirm(resp)
				if rm, err := parseSDP(resp.Body()); err == nil {
					d.mu.Lock()
					d.remoteUfrag = rm.Ufrag
					d.mu.Unlock()
				}
				if err := a.client.WriteRequest(buildACK(invite, resp)); err != nil {
					slog.Error("[SIP] Failed to send ACK", "handle", d.handle, "error", err)
				}
				slog.Info("[SIP] Call answered", "handle", d.handle)
				a.emit(session.Signal{Kind: session.SignalAnswered, Handle: d.handle})
				return
			case isChallenge(code) && auths < maxAuthAttempts && a.cfg.Username != "":
				auths++
				next, err := a.authorize(invite, resp, d)
				var retry sip.ClientTransaction
				if err == nil {
					retry, err = a.client.TransactionRequest(ctx, next)
				}
				if err != nil {
					a.forget(d)
					a.emit(session.Signal{Kind: session.SignalTerminated, Handle: d.handle, Cause: err.Error()})
					return
				}
				tx.Terminate()
				tx, invite = retry, next
				d.mu.Lock()
				d.invite = next
				d.mu.Unlock()
			default:
				a.forget(d)
				a.emit(session.Signal{
					Kind:   session.SignalTerminated,
					Handle: d.handle,
					Cause:  fmt.Sprintf("%d %s", code, resp.Reason),
				})
				return
			}
		}
	}
}

// request sends req and waits for its final response, answering digest
// challenges when credentials are configured.
func (a *Agent) request(ctx context.Context, req *sip.Request, d *dialog) (*sip.Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := a.roundTrip(ctx, req)
		if err != nil {
			return nil, err
		}
		code := int(resp.StatusCode)
		if !isChallenge(code) || attempt >= maxAuthAttempts || a.cfg.Username == "" {
			return resp, nil
		}
		if req, err = a.authorize(req, resp, d); err != nil {
			return nil, err
		}
	}
}

func (a *Agent) expectSuccess(ctx context.Context, req *sip.Request, d *dialog) error {
	resp, err := a.request(ctx, req, d)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return &RejectedError{Method: req.Method, Code: int(resp.StatusCode), Reason: resp.Reason}
	}
	return nil
}

func (a *Agent) roundTrip(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := a.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Method, err)
	}
	defer tx.Terminate()

	for {
		select {
		case resp := <-tx.Responses():
			if resp == nil || resp.StatusCode < 200 {
				continue
			}
			return resp, nil
		case <-tx.Done():
			return nil, fmt.Errorf("%s transaction ended: %w", req.Method, tx.Err())
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (a *Agent) sendCancel(invite *sip.Request) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := a.client.TransactionRequest(ctx, buildCANCEL(invite))
	if err != nil {
		return fmt.Errorf("send CANCEL: %w", err)
	}
	defer tx.Terminate()

	select {
	case resp := <-tx.Responses():
		if resp != nil {
			slog.Debug("[SIP] CANCEL response", "call_id", callIDOf(invite), "status", resp.StatusCode)
		}
	case <-tx.Done():
	case <-ctx.Done():
	}
	return nil
}

func (a *Agent) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	if to := req.To(); to != nil {
		if _, ok := to.Params.Get("tag"); ok {
			a.onReinvite(req, tx)
			return
		}
	}

	local, err := a.newLocalMedia()
	if err != nil {
		slog.Error("[SIP] Failed to prepare media", "error", err)
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Server Error", nil))
		return
	}
	d := newInboundDialog(req, tx, local)
	if len(req.Body()) > 0 {
		rm, err := parseSDP(req.Body())
		if err != nil {
			slog.Warn("[SIP] Invalid SDP offer", "call_id", d.handle, "error", err)
			_ = tx.Respond(sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil))
			return
		}
		d.remoteUfrag = rm.Ufrag
	}
	if _, exists := a.byCall(d.handle); exists {
		slog.Debug("[SIP] INVITE retransmission ignored", "call_id", d.handle)
		return
	}
	a.track(d)

	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusTrying, "Trying", nil))
	ringing := sip.NewResponseFromRequest(req, sip.StatusRinging, "Ringing", nil)
	setToTag(ringing, d.localTag)
	if err := tx.Respond(ringing); err != nil {
		slog.Error("[SIP] Failed to send 180 Ringing", "call_id", d.handle, "error", err)
	}

	slog.Info("[SIP] Incoming call", "call_id", d.handle, "from", req.From().Address.String())
	a.emit(session.Signal{
		Kind:   session.SignalIncoming,
		Handle: d.handle,
		From:   req.From().Address.String(),
		To:     req.To().Address.String(),
	})

	// The transaction stays open until the call is answered or rejected.
	select {
	case <-d.settled:
	case <-tx.Done():
		if !d.isConfirmed() {
			a.forget(d)
			a.emit(session.Signal{Kind: session.SignalTerminated, Handle: d.handle, Cause: "Transaction terminated"})
		}
	case <-a.ctx.Done():
	}
}

// onReinvite answers a remote session update. A sendonly or inactive offer
// is a remote hold; a changed ICE ufrag is a completed renegotiation.
func (a *Agent) onReinvite(req *sip.Request, tx sip.ServerTransaction) {
	d, ok := a.byCall(callIDOf(req))
	if !ok {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	rm, err := parseSDP(req.Body())
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil))
		return
	}

	codecs := negotiate(rm.Formats, a.cfg.Codecs)
	if len(codecs) == 0 {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil))
		return
	}
	answer := d.nextOffer(nil)
	if answer.Direction == SendRecv {
		answer.Direction = rm.Direction.answerTo()
	}
	body, err := buildSDP(answer, codecs)
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Server Error", nil))
		return
	}
	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", body)
	resp.AppendHeader(&sip.ContactHeader{Address: a.contact})
	resp.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if err := tx.Respond(resp); err != nil {
		slog.Error("[SIP] Failed to answer re-INVITE", "handle", d.handle, "error", err)
		return
	}

	held := rm.Direction == SendOnly || rm.Direction == Inactive
	d.mu.Lock()
	wasHeld := d.remoteHeld
	d.remoteHeld = held
	restarted := rm.Ufrag != "" && d.remoteUfrag != "" && rm.Ufrag != d.remoteUfrag
	d.remoteUfrag = rm.Ufrag
	d.mu.Unlock()

	switch {
	case held && !wasHeld:
		a.emit(session.Signal{Kind: session.SignalHeld, Handle: d.handle})
	case !held && wasHeld:
		a.emit(session.Signal{Kind: session.SignalResumed, Handle: d.handle})
	}
	if restarted {
		a.emit(session.Signal{Kind: session.SignalRenegotiationComplete, Handle: d.handle})
	}
}

func (a *Agent) onAck(req *sip.Request, _ sip.ServerTransaction) {
	slog.Debug("[SIP] ACK received", "call_id", callIDOf(req))
}

func (a *Agent) onBye(req *sip.Request, tx sip.ServerTransaction) {
	d, ok := a.byCall(callIDOf(req))
	if !ok {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)); err != nil {
		slog.Error("[SIP] Failed to respond to BYE", "handle", d.handle, "error", err)
	}
	a.forget(d)
	slog.Info("[SIP] BYE received", "handle", d.handle)
	a.emit(session.Signal{Kind: session.SignalTerminated, Handle: d.handle, Cause: session.CauseRemoteHangup})
}

func (a *Agent) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	d, ok := a.byCall(callIDOf(req))
	if !ok || d.outbound || d.isConfirmed() {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)); err != nil {
		slog.Error("[SIP] Failed to respond to CANCEL", "handle", d.handle, "error", err)
	}
	a.reject(d, 487, "Request Terminated")
	slog.Info("[SIP] CANCEL received", "handle", d.handle)
	a.emit(session.Signal{Kind: session.SignalTerminated, Handle: d.handle, Cause: "Canceled"})
}

// onNotify acknowledges REFER progress reports.
func (a *Agent) onNotify(req *sip.Request, tx sip.ServerTransaction) {
	slog.Debug("[SIP] NOTIFY received", "call_id", callIDOf(req), "event", headerValue(req, "Event"), "body", string(req.Body()))
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
}

func (a *Agent) onInfo(req *sip.Request, tx sip.ServerTransaction) {
	slog.Debug("[SIP] INFO received", "call_id", callIDOf(req), "body", string(req.Body()))
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
}

func (a *Agent) onOptions(req *sip.Request, tx sip.ServerTransaction) {
	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	resp.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	_ = tx.Respond(resp)
}

func (a *Agent) emit(sg session.Signal) {
	select {
	case a.signals <- sg:
	case <-a.ctx.Done():
	}
}

func (a *Agent) track(d *dialog) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dialogs[d.handle] = d
	a.byCallID[d.callID()] = d
}

func (a *Agent) forget(d *dialog) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.dialogs[d.handle]; ok && cur == d {
		delete(a.dialogs, d.handle)
	}
	if cur, ok := a.byCallID[d.callID()]; ok && cur == d {
		delete(a.byCallID, d.callID())
	}
}

func (a *Agent) lookup(handle string) (*dialog, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	d, ok := a.dialogs[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCall, handle)
	}
	return d, nil
}

func (a *Agent) byCall(callID string) (*dialog, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	d, ok := a.byCallID[callID]
	return d, ok
}

func (a *Agent) newLocalMedia() (localMedia, error) {
	ufrag, pwd, err := newICECredentials()
	if err != nil {
		return localMedia{}, fmt.Errorf("generate ICE credentials: %w", err)
	}
	return localMedia{
		Addr:      a.cfg.MediaAddr,
		Port:      a.cfg.MediaPort,
		SessionID: uint64(time.Now().UnixNano()),
		Version:   1,
		Direction: SendRecv,
		Ufrag:     ufrag,
		Pwd:       pwd,
	}, nil
}

// destinationURI turns an extension or address into a SIP URI.
func (a *Agent) destinationURI(dest string) string {
	if strings.HasPrefix(dest, "sip:") || strings.HasPrefix(dest, "sips:") {
		return dest
	}
	if strings.Contains(dest, "@") {
		return "sip:" + dest
	}
	host := a.cfg.Domain
	if host == "" {
		host = a.cfg.AdvertiseAddr
	}
	return "sip:" + dest + "@" + host
}

const allowedMethods = "INVITE, ACK, CANCEL, BYE, NOTIFY, REFER, INFO, OPTIONS"

func (a *Agent) buildInvite(recipient sip.Uri, body []byte) *sip.Request {
	invite := sip.NewRequest(sip.INVITE, recipient)

	fromHost := a.cfg.Domain
	if fromHost == "" {
		fromHost = a.cfg.AdvertiseAddr
	}
	invite.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: a.cfg.User, Host: fromHost},
		Params:  sip.NewParams().Add("tag", generateTag()),
	})
	invite.AppendHeader(&sip.ToHeader{Address: recipient, Params: sip.NewParams()})
	callID := sip.CallIDHeader(generateCallID())
	invite.AppendHeader(&callID)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)
	invite.AppendHeader(&sip.ContactHeader{Address: a.contact})
	invite.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	invite.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	invite.SetBody(body)
	return invite
}

func dtmfRelayBody(digit rune) []byte {
	return []byte(fmt.Sprintf("Signal=%c\r\nDuration=160\r\n", digit))
}

func setToTag(resp *sip.Response, tag string) {
	to := resp.To()
	if to == nil {
		return
	}
	if to.Params == nil {
		to.Params = sip.NewParams()
	}
	to.Params.Add("tag", tag)
}

func isChallenge(code int) bool {
	return code == int(sip.StatusUnauthorized) || code == int(sip.StatusProxyAuthRequired)
}

func headerValue(req *sip.Request, name string) string {
	if h := req.GetHeader(name); h != nil {
		return h.Value()
	}
	return ""
}
