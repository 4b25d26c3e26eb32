package sipua

import (
	"errors"
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// authorize answers a 401 or 407 challenge with a digest credential and
// returns the request to resend. The retry gets a fresh CSeq and Via.
func (a *Agent) authorize(req *sip.Request, resp *sip.Response, d *dialog) (*sip.Request, error) {
	return authorizeRequest(req, resp, a.cfg.Username, a.cfg.Password, d)
}

func authorizeRequest(req *sip.Request, resp *sip.Response, user, pass string, d *dialog) (*sip.Request, error) {
	challengeName, credentialName := "WWW-Authenticate", "Authorization"
	if resp.StatusCode == sip.StatusProxyAuthRequired {
		challengeName, credentialName = "Proxy-Authenticate", "Proxy-Authorization"
	}
	if user == "" || pass == "" {
		return nil, errors.New("server required auth, but no username or password was provided")
	}
	h := resp.GetHeader(challengeName)
	if h == nil {
		return nil, fmt.Errorf("no %s header in %d response", challengeName, resp.StatusCode)
	}
	challenge, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, fmt.Errorf("invalid challenge %q: %w", h.Value(), err)
	}
	cred, err := digest.Digest(challenge, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: user,
		Password: pass,
	})
	if err != nil {
		return nil, fmt.Errorf("compute digest: %w", err)
	}

	next := req.Clone()
	next.RemoveHeader("Via")
	next.RemoveHeader(credentialName)
	if cseq := next.CSeq(); cseq != nil {
		if d != nil {
			cseq.SeqNo = d.localCSeq.Add(1)
		} else {
			cseq.SeqNo++
		}
	}
	next.AppendHeader(sip.NewHeader(credentialName, cred.String()))
	return next, nil
}

// buildACK acknowledges a 2xx to an INVITE. The Request-URI is the remote
// target from the response Contact.
func buildACK(invite *sip.Request, resp *sip.Response) *sip.Request {
	requestURI := invite.Recipient
	if contact := resp.Contact(); contact != nil {
		requestURI = contact.Address
	}
	ack := sip.NewRequest(sip.ACK, requestURI)

	sip.CopyHeaders("Route", invite, ack)
	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)
	if to := resp.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params,
		})
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	return ack
}

// buildCANCEL cancels a pending INVITE. It shares the INVITE's Via branch
// and CSeq number.
func buildCANCEL(invite *sip.Request) *sip.Request {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("Route", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)
	return cancelReq
}
