package sipua

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/randutil"
	"github.com/pion/sdp/v3"
)

// Codec is one RTP payload format offered in SDP.
type Codec struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
	Channels    int
	Fmtp        string
}

func (c Codec) rtpmap() string {
	v := fmt.Sprintf("%d %s/%d", c.PayloadType, c.Name, c.ClockRate)
	if c.Channels > 1 {
		v += "/" + strconv.Itoa(c.Channels)
	}
	return v
}

// CodecPolicy decides which codecs are offered and in what order.
type CodecPolicy interface {
	Codecs() []Codec
}

// StaticCodecs offers a fixed codec list.
type StaticCodecs []Codec

// Codecs returns the list.
func (s StaticCodecs) Codecs() []Codec { return s }

// DefaultCodecs offers G.711 and RFC 4733 telephone events.
var DefaultCodecs = StaticCodecs{
	{PayloadType: 0, Name: "PCMU", ClockRate: 8000},
	{PayloadType: 8, Name: "PCMA", ClockRate: 8000},
	{PayloadType: 101, Name: "telephone-event", ClockRate: 8000, Fmtp: "0-16"},
}

// Direction is an SDP media direction attribute.
type Direction string

const (
	SendRecv Direction = "sendrecv"
	SendOnly Direction = "sendonly"
	RecvOnly Direction = "recvonly"
	Inactive Direction = "inactive"
)

// answerTo returns the direction answering a remote offer of d.
func (d Direction) answerTo() Direction {
	switch d {
	case SendOnly:
		return RecvOnly
	case RecvOnly:
		return SendOnly
	case Inactive:
		return Inactive
	default:
		return SendRecv
	}
}

// localMedia is our side of a dialog's media description. Every new offer
// bumps Version.
type localMedia struct {
	Addr      string
	Port      int
	SessionID uint64
	Version   uint64
	Direction Direction
	Ufrag     string
	Pwd       string
}

const iceRunes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789+/"

// newICECredentials returns a fresh ufrag and password, as used for an ICE
// restart.
func newICECredentials() (ufrag, pwd string, err error) {
	if ufrag, err = randutil.GenerateCryptoRandomString(8, iceRunes); err != nil {
		return "", "", err
	}
	if pwd, err = randutil.GenerateCryptoRandomString(24, iceRunes); err != nil {
		return "", "", err
	}
	return ufrag, pwd, nil
}

// buildSDP renders m with the given codecs.
func buildSDP(m localMedia, codecs []Codec) ([]byte, error) {
	if len(codecs) == 0 {
		return nil, errors.New("no codecs to offer")
	}
	formats := make([]string, 0, len(codecs))
	for _, c := range codecs {
		formats = append(formats, strconv.Itoa(int(c.PayloadType)))
	}

	attrs := make([]sdp.Attribute, 0, 2*len(codecs)+6)
	for _, c := range codecs {
		attrs = append(attrs, sdp.NewAttribute("rtpmap", c.rtpmap()))
		if c.Fmtp != "" {
			attrs = append(attrs, sdp.NewAttribute("fmtp", fmt.Sprintf("%d %s", c.PayloadType, c.Fmtp)))
		}
	}
	attrs = append(attrs, sdp.NewAttribute("ptime", "20"))
	if m.Ufrag != "" {
		attrs = append(attrs,
			sdp.NewAttribute("ice-ufrag", m.Ufrag),
			sdp.NewAttribute("ice-pwd", m.Pwd))
	}
	attrs = append(attrs, sdp.NewPropertyAttribute("rtcp-mux"))

	dir := m.Direction
	if dir == "" {
		dir = SendRecv
	}
	attrs = append(attrs, sdp.NewPropertyAttribute(string(dir)))

	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "callplane",
			SessionID:      m.SessionID,
			SessionVersion: m.Version,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: m.Addr,
		},
		SessionName: "callplane",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: m.Addr},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: m.Port},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: attrs,
			},
		},
	}
	return desc.Marshal()
}

// remoteMedia is what we read from the peer's SDP.
type remoteMedia struct {
	Addr      string
	Port      int
	Direction Direction
	Ufrag     string
	Formats   []string
}

// parseSDP extracts the first audio stream of body.
func parseSDP(body []byte) (*remoteMedia, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("parse SDP: %w", err)
	}

	rm := &remoteMedia{Direction: SendRecv}
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		rm.Addr = desc.ConnectionInformation.Address.Address
	}
	if v, ok := desc.Attribute("ice-ufrag"); ok {
		rm.Ufrag = v
	}
	for _, d := range []Direction{SendOnly, RecvOnly, Inactive, SendRecv} {
		if _, ok := desc.Attribute(string(d)); ok {
			rm.Direction = d
		}
	}

	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		rm.Port = md.MediaName.Port.Value
		rm.Formats = md.MediaName.Formats
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			rm.Addr = md.ConnectionInformation.Address.Address
		}
		if v, ok := md.Attribute("ice-ufrag"); ok {
			rm.Ufrag = v
		}
		for _, d := range []Direction{SendOnly, RecvOnly, Inactive, SendRecv} {
			if _, ok := md.Attribute(string(d)); ok {
				rm.Direction = d
			}
		}
		return rm, nil
	}
	return nil, errors.New("parse SDP: no audio stream")
}

// negotiate keeps the offered codecs we support, in the offer's order. The
// telephone-event format is kept only alongside an audio codec.
func negotiate(offered []string, policy CodecPolicy) []Codec {
	supported := make(map[string]Codec)
	for _, c := range policy.Codecs() {
		supported[strconv.Itoa(int(c.PayloadType))] = c
	}
	var out []Codec
	audio := false
	for _, f := range offered {
		c, ok := supported[f]
		if !ok {
			continue
		}
		if !strings.EqualFold(c.Name, "telephone-event") {
			audio = true
		}
		out = append(out, c)
	}
	if !audio {
		return nil
	}
	return out
}
