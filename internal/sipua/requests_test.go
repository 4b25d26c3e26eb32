package sipua

import (
	"strings"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustURI(t *testing.T, s string) sip.Uri {
	t.Helper()
	var u sip.Uri
	require.NoError(t, sip.ParseUri(s, &u))
	return u
}

// remoteInvite builds an INVITE as a remote phone would send it to us.
func remoteInvite(t *testing.T, callID string, body []byte) *sip.Request {
	t.Helper()
	caller := mustURI(t, "sip:alice@198.51.100.5:5062")
	target := mustURI(t, "sip:callplane@127.0.0.1:5060")

	req := sip.NewRequest(sip.INVITE, target)
	req.AppendHeader(&sip.FromHeader{Address: caller, Params: sip.NewParams().Add("tag", "alice-tag")})
	req.AppendHeader(&sip.ToHeader{Address: target, Params: sip.NewParams()})
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 7, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: caller})
	if body != nil {
		req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
		req.SetBody(body)
	}
	return req
}

func outboundInvite(t *testing.T) *sip.Request {
	t.Helper()
	a := &Agent{
		cfg:     Config{User: "callplane", Domain: "pbx.example.com"},
		contact: mustURI(t, "sip:callplane@127.0.0.1:5060"),
	}
	return a.buildInvite(mustURI(t, "sip:1001@pbx.example.com"), []byte("v=0\r\n"))
}

func answerFor(invite *sip.Request, contact sip.Uri, tag string) *sip.Response {
	resp := sip.NewResponseFromRequest(invite, sip.StatusOK, "OK", nil)
	setToTag(resp, tag)
	resp.AppendHeader(&sip.ContactHeader{Address: contact})
	return resp
}

func TestOutboundDialogRequest(t *testing.T) {
	invite := outboundInvite(t)
	d := newOutboundDialog("session-1", invite, testMedia())

	_, err := d.newRequest(sip.BYE, mustURI(t, "sip:callplane@127.0.0.1:5060"))
	require.Error(t, err, "requests need an established dialog")

	d.confirm(answerFor(invite, mustURI(t, "sip:1001@203.0.113.7:5070"), "bob-tag"))

	bye, err := d.newRequest(sip.BYE, mustURI(t, "sip:callplane@127.0.0.1:5060"))
	require.NoError(t, err)
	assert.Equal(t, sip.BYE, bye.Method)
	assert.Equal(t, "203.0.113.7", bye.Recipient.Host)
	assert.Equal(t, 5070, bye.Recipient.Port)

	fromTag, _ := bye.From().Params.Get("tag")
	assert.Equal(t, d.localTag, fromTag)
	toTag, _ := bye.To().Params.Get("tag")
	assert.Equal(t, "bob-tag", toTag)
	assert.Equal(t, callIDOf(invite), callIDOf(bye))
	assert.Equal(t, uint32(2), bye.CSeq().SeqNo)
	assert.Equal(t, sip.BYE, bye.CSeq().MethodName)

	info, err := d.newRequest(sip.INFO, mustURI(t, "sip:callplane@127.0.0.1:5060"))
	require.NoError(t, err)
	assert.Equal(t, uint32(3), info.CSeq().SeqNo)
}

func TestInboundDialogRequestSwapsParties(t *testing.T) {
	invite := remoteInvite(t, "inbound-1", nil)
	d := newInboundDialog(invite, nil, testMedia())
	d.confirm(answerFor(invite, mustURI(t, "sip:callplane@127.0.0.1:5060"), d.localTag))

	req, err := d.newRequest(sip.INVITE, mustURI(t, "sip:callplane@127.0.0.1:5060"))
	require.NoError(t, err)

	assert.Equal(t, "alice", req.Recipient.User)
	assert.Equal(t, "198.51.100.5", req.Recipient.Host)
	assert.Equal(t, "callplane", req.From().Address.User)
	fromTag, _ := req.From().Params.Get("tag")
	assert.Equal(t, d.localTag, fromTag)
	assert.Equal(t, "alice", req.To().Address.User)
	toTag, _ := req.To().Params.Get("tag")
	assert.Equal(t, "alice-tag", toTag)
	assert.Equal(t, uint32(8), req.CSeq().SeqNo)
}

func TestBuildACK(t *testing.T) {
	invite := outboundInvite(t)
	resp := answerFor(invite, mustURI(t, "sip:1001@203.0.113.7:5070"), "bob-tag")

	ack := buildACK(invite, resp)
	assert.Equal(t, sip.ACK, ack.Method)
	assert.Equal(t, "203.0.113.7", ack.Recipient.Host)
	assert.Equal(t, invite.CSeq().SeqNo, ack.CSeq().SeqNo)
	assert.Equal(t, sip.ACK, ack.CSeq().MethodName)
	toTag, _ := ack.To().Params.Get("tag")
	assert.Equal(t, "bob-tag", toTag)
	assert.Equal(t, callIDOf(invite), callIDOf(ack))
}

func TestBuildCANCEL(t *testing.T) {
	invite := outboundInvite(t)
	cancel := buildCANCEL(invite)

	assert.Equal(t, sip.CANCEL, cancel.Method)
	assert.Equal(t, invite.Recipient.String(), cancel.Recipient.String())
	assert.Equal(t, invite.CSeq().SeqNo, cancel.CSeq().SeqNo)
	assert.Equal(t, sip.CANCEL, cancel.CSeq().MethodName)
	assert.Equal(t, callIDOf(invite), callIDOf(cancel))
}

func TestAuthorizeRequest(t *testing.T) {
	tests := []struct {
		name       string
		code       int
		challenge  string
		credential string
	}{
		{"www-authenticate", 401, "WWW-Authenticate", "Authorization"},
		{"proxy-authenticate", 407, "Proxy-Authenticate", "Proxy-Authorization"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			invite := outboundInvite(t)
			resp := sip.NewResponseFromRequest(invite, sip.StatusCode(tt.code), "Auth Required", nil)
			resp.AppendHeader(sip.NewHeader(tt.challenge, `Digest realm="asterisk", nonce="5f2a9c1b", algorithm=MD5`))

			next, err := authorizeRequest(invite, resp, "1001", "secret", nil)
			require.NoError(t, err)

			h := next.GetHeader(tt.credential)
			require.NotNil(t, h)
			assert.True(t, strings.HasPrefix(h.Value(), "Digest "))
			assert.Contains(t, h.Value(), `username="1001"`)
			assert.Contains(t, h.Value(), `realm="asterisk"`)
			assert.Equal(t, invite.CSeq().SeqNo+1, next.CSeq().SeqNo)
			assert.Nil(t, next.GetHeader("Via"))
			assert.Nil(t, invite.GetHeader(tt.credential), "original request untouched")
		})
	}
}

func TestAuthorizeRequestInDialogUsesDialogCSeq(t *testing.T) {
	invite := outboundInvite(t)
	d := newOutboundDialog("session-1", invite, testMedia())
	d.confirm(answerFor(invite, mustURI(t, "sip:1001@203.0.113.7:5070"), "bob-tag"))

	bye, err := d.newRequest(sip.BYE, mustURI(t, "sip:callplane@127.0.0.1:5060"))
	require.NoError(t, err)
	resp := sip.NewResponseFromRequest(bye, 401, "Unauthorized", nil)
	resp.AppendHeader(sip.NewHeader("WWW-Authenticate", `Digest realm="asterisk", nonce="abc"`))

	next, err := authorizeRequest(bye, resp, "1001", "secret", d)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), next.CSeq().SeqNo)
	assert.Equal(t, uint32(3), d.localCSeq.Load())
}

func TestAuthorizeRequestErrors(t *testing.T) {
	invite := outboundInvite(t)

	resp := sip.NewResponseFromRequest(invite, 401, "Unauthorized", nil)
	resp.AppendHeader(sip.NewHeader("WWW-Authenticate", `Digest realm="asterisk", nonce="abc"`))
	_, err := authorizeRequest(invite, resp, "", "", nil)
	require.Error(t, err)

	bare := sip.NewResponseFromRequest(invite, 401, "Unauthorized", nil)
	_, err = authorizeRequest(invite, bare, "1001", "secret", nil)
	require.Error(t, err)
}

func TestDestinationURI(t *testing.T) {
	a := &Agent{cfg: Config{Domain: "pbx.example.com", AdvertiseAddr: "127.0.0.1"}}
	assert.Equal(t, "sip:1001@pbx.example.com", a.destinationURI("1001"))
	assert.Equal(t, "sip:bob@example.org", a.destinationURI("bob@example.org"))
	assert.Equal(t, "sips:bob@example.org", a.destinationURI("sips:bob@example.org"))

	a.cfg.Domain = ""
	assert.Equal(t, "sip:1001@127.0.0.1", a.destinationURI("1001"))
}

func TestDTMFRelayBody(t *testing.T) {
	assert.Equal(t, "Signal=#\r\nDuration=160\r\n", string(dtmfRelayBody('#')))
}
