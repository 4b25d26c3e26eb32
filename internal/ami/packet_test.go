package ami

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParserSplitAcrossFrames(t *testing.T) {
	p := newParser(0)

	wire := "Asterisk Call Manager/7.0.3\r\nResponse: Success\r\nActionID: 42\r\nPing: Pong\r\n\r\nEvent: Newchannel\r\nChannel: PJSIP/alice-0001\r\n\r\n"

	var got []*Packet
	// Feed in awkward chunk sizes, splitting CRLF pairs and keys.
	for i := 0; i < len(wire); i += 7 {
		end := i + 7
		if end > len(wire) {
			end = len(wire)
		}
		pkts, errs := p.feed([]byte(wire[i:end]))
		require.Empty(t, errs)
		got = append(got, pkts...)
	}

	require.Len(t, got, 2)
	assert.Equal(t, "Asterisk Call Manager/7.0.3", p.banner)

	assert.Equal(t, KindResponse, got[0].Kind())
	assert.Equal(t, "42", got[0].ActionID())
	assert.Equal(t, "Pong", got[0].Get("ping"))

	assert.Equal(t, KindEvent, got[1].Kind())
	assert.Equal(t, "PJSIP/alice-0001", got[1].Get("CHANNEL"))
}

func TestParserDuplicateKeysLastWins(t *testing.T) {
	p := newParser(0)
	pkts, errs := p.feed([]byte("Event: VarSet\nVariable: a\nValue: 1\nvalue: 2\n\n"))
	require.Empty(t, errs)
	require.Len(t, pkts, 1)

	pkt := pkts[0]
	assert.Equal(t, "2", pkt.Get("Value"))
	assert.Equal(t, 3, pkt.Len())
	assert.Equal(t, []Field{
		{Key: "Event", Value: "VarSet"},
		{Key: "Variable", Value: "a"},
		{Key: "Value", Value: "2"},
	}, pkt.Fields())
}

func TestParserMalformedPacketDropped(t *testing.T) {
	p := newParser(0)
	pkts, errs := p.feed([]byte("Event: Foo\r\nthis line has no separator\r\n\r\nEvent: Bar\r\n\r\n"))

	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], ErrProtocol))
	require.Len(t, pkts, 1)
	assert.Equal(t, "Bar", pkts[0].Get("Event"))
}

func TestParserFollowsOutput(t *testing.T) {
	p := newParser(0)
	pkts, errs := p.feed([]byte("Response: Follows\r\nActionID: 9\r\nline one\r\nline two\r\n--END COMMAND--\r\n\r\n"))
	require.Empty(t, errs)
	require.Len(t, pkts, 1)
	assert.Equal(t, "line one\nline two\n--END COMMAND--", pkts[0].Get("Output"))
}

func TestParserOversizedLine(t *testing.T) {
	p := newParser(16)
	_, errs := p.feed([]byte("Event: aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"))
	require.Len(t, errs, 1)

	pkts, errs := p.feed([]byte("\r\nEvent: Ok\r\n\r\n"))
	assert.Empty(t, errs)
	require.Len(t, pkts, 1)
	assert.Equal(t, "Ok", pkts[0].Get("Event"))
}

func TestPacketKind(t *testing.T) {
	tests := []struct {
		name   string
		fields []Field
		want   Kind
	}{
		{"response", []Field{{"Response", "Success"}}, KindResponse},
		{"event", []Field{{"Event", "Hangup"}}, KindEvent},
		{"list event with ActionID", []Field{{"Event", "CoreShowChannel"}, {"ActionID", "1"}}, KindEvent},
		{"neither", []Field{{"Foo", "bar"}}, KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewPacket(tt.fields...).Kind())
		})
	}
}

func TestActionEncode(t *testing.T) {
	a := NewAction("Originate").
		Set("Channel", "PJSIP/100").
		Add("Variable", "A=1").
		Add("Variable", "B=2").
		Set("channel", "PJSIP/200").
		WithID("x-1")

	assert.Equal(t,
		"Action: Originate\r\nActionID: x-1\r\nChannel: PJSIP/200\r\nVariable: A=1\r\nVariable: B=2\r\n\r\n",
		string(a.Encode()))
}
