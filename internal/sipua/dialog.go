package sipua

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// dialog tracks one SIP dialog. The handle is the key the session layer
// knows the call by: the session ID for outbound calls, the Call-ID for
// inbound ones.
type dialog struct {
	handle   string
	cid      string
	outbound bool

	mu sync.Mutex
	// invite is the dialog-creating INVITE: ours when outbound, theirs when
	// inbound.
	invite *sip.Request
	// response is the 2xx that established the dialog: theirs when outbound,
	// ours when inbound.
	response *sip.Response
	// inviteTx is the inbound INVITE server transaction until it is answered.
	inviteTx sip.ServerTransaction
	// cancelDial aborts an outbound INVITE that has no final response yet.
	cancelDial context.CancelFunc
	// settled is closed once an inbound INVITE got its final response.
	settled    chan struct{}
	settleOnce sync.Once

	localTag    string
	remoteTag   string
	local       localMedia
	remoteUfrag string
	remoteHeld  bool
	confirmed   bool

	localCSeq atomic.Uint32
	reinvite  atomic.Bool
}

func newOutboundDialog(handle string, invite *sip.Request, local localMedia) *dialog {
	d := &dialog{
		handle:   handle,
		cid:      callIDOf(invite),
		outbound: true,
		invite:   invite,
		local:    local,
		settled:  make(chan struct{}),
	}
	if from := invite.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			d.localTag = tag
		}
	}
	if cseq := invite.CSeq(); cseq != nil {
		d.localCSeq.Store(cseq.SeqNo)
	}
	return d
}

func newInboundDialog(req *sip.Request, tx sip.ServerTransaction, local localMedia) *dialog {
	d := &dialog{
		handle:   callIDOf(req),
		cid:      callIDOf(req),
		invite:   req,
		inviteTx: tx,
		localTag: generateTag(),
		local:    local,
		settled:  make(chan struct{}),
	}
	if from := req.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			d.remoteTag = tag
		}
	}
	if cseq := req.CSeq(); cseq != nil {
		d.localCSeq.Store(cseq.SeqNo)
	}
	return d
}

// confirm records the 2xx that established the dialog.
func (d *dialog) confirm(resp *sip.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.response = resp
	d.confirmed = true
	d.inviteTx = nil
	if d.outbound {
		if to := resp.To(); to != nil {
			if tag, ok := to.Params.Get("tag"); ok {
				d.remoteTag = tag
			}
		}
	}
}

func (d *dialog) settle() {
	d.settleOnce.Do(func() { close(d.settled) })
}

func (d *dialog) isConfirmed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.confirmed
}

func (d *dialog) callID() string {
	return d.cid
}

// remoteTarget is the Request-URI for in-dialog requests.
func (d *dialog) remoteTarget() sip.Uri {
	if d.outbound {
		if d.response != nil && d.response.Contact() != nil {
			return d.response.Contact().Address
		}
		return d.invite.Recipient
	}
	if contact := d.invite.Contact(); contact != nil {
		target := contact.Address
		target.UriParams = sip.NewParams()
		return target
	}
	return d.invite.From().Address
}

// newRequest builds an in-dialog request with the next local CSeq.
func (d *dialog) newRequest(method sip.RequestMethod, localContact sip.Uri) (*sip.Request, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.confirmed {
		return nil, fmt.Errorf("cannot build %s: dialog %s not established", method, d.handle)
	}

	req := sip.NewRequest(method, d.remoteTarget())
	if len(d.invite.GetHeaders("Record-Route")) > 0 && !d.outbound {
		for _, h := range d.invite.GetHeaders("Record-Route") {
			req.AppendHeader(sip.NewHeader("Route", h.Value()))
		}
	}

	if d.outbound {
		if from := d.invite.From(); from != nil {
			req.AppendHeader(&sip.FromHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params.Clone(),
			})
		}
		if to := d.invite.To(); to != nil {
			toHdr := &sip.ToHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      sip.NewParams(),
			}
			if d.remoteTag != "" {
				toHdr.Params.Add("tag", d.remoteTag)
			}
			req.AppendHeader(toHdr)
		}
	} else {
		if to := d.invite.To(); to != nil {
			req.AppendHeader(&sip.FromHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      sip.NewParams().Add("tag", d.localTag),
			})
		}
		if from := d.invite.From(); from != nil {
			req.AppendHeader(&sip.ToHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params.Clone(),
			})
		}
	}

	if callID := d.invite.CallID(); callID != nil {
		req.AppendHeader(callID)
	}
	req.AppendHeader(&sip.CSeqHeader{
		SeqNo:      d.localCSeq.Add(1),
		MethodName: method,
	})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: localContact})
	return req, nil
}

// nextOffer bumps the local session version, applies mutate and returns the
// resulting media description.
func (d *dialog) nextOffer(mutate func(*localMedia)) localMedia {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.local.Version++
	if mutate != nil {
		mutate(&d.local)
	}
	return d.local
}

func (d *dialog) media() localMedia {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.local
}

func callIDOf(req *sip.Request) string {
	if id := req.CallID(); id != nil {
		return string(*id)
	}
	return ""
}

func generateCallID() string {
	return uuid.New().String()
}

// generateTag generates a unique tag for From/To headers.
func generateTag() string {
	return uuid.New().String()[:8]
}
