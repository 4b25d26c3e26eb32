package ami

import (
	"bytes"
	"strings"
	"time"
)

// Field is one Key: Value line.
type Field struct {
	Key   string
	Value string
}

// Kind classifies an inbound packet.
type Kind int

const (
	KindUnknown Kind = iota
	KindResponse
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindResponse:
		return "Response"
	case KindEvent:
		return "Event"
	default:
		return "Unknown"
	}
}

// Packet is an immutable, parsed AMI packet. Keys are case-insensitive and a
// repeated key keeps its first position but takes the last value.
type Packet struct {
	fields   []Field
	index    map[string]int
	received time.Time
}

func newPacket() *Packet {
	return &Packet{index: make(map[string]int)}
}

// NewPacket builds a packet from fields, mostly for tests and fakes.
func NewPacket(fields ...Field) *Packet {
	p := newPacket()
	for _, f := range fields {
		p.set(f.Key, f.Value)
	}
	p.received = time.Now()
	return p
}

func (p *Packet) set(key, value string) {
	lk := strings.ToLower(key)
	if i, ok := p.index[lk]; ok {
		p.fields[i].Value = value
		return
	}
	p.index[lk] = len(p.fields)
	p.fields = append(p.fields, Field{Key: key, Value: value})
}

func (p *Packet) appendValue(key, line string) {
	lk := strings.ToLower(key)
	if i, ok := p.index[lk]; ok {
		p.fields[i].Value += "\n" + line
		return
	}
	p.set(key, line)
}

// Lookup returns the value for key.
func (p *Packet) Lookup(key string) (string, bool) {
	i, ok := p.index[strings.ToLower(key)]
	if !ok {
		return "", false
	}
	return p.fields[i].Value, true
}

// Get returns the value for key or "".
func (p *Packet) Get(key string) string {
	v, _ := p.Lookup(key)
	return v
}

// Fields returns a copy of the fields in wire order.
func (p *Packet) Fields() []Field {
	out := make([]Field, len(p.fields))
	copy(out, p.fields)
	return out
}

// Map returns the fields as a map keyed by the original key spelling.
func (p *Packet) Map() map[string]string {
	m := make(map[string]string, len(p.fields))
	for _, f := range p.fields {
		m[f.Key] = f.Value
	}
	return m
}

// Len returns the number of distinct keys.
func (p *Packet) Len() int { return len(p.fields) }

// Received returns the parse time.
func (p *Packet) Received() time.Time { return p.received }

// Kind classifies the packet. Response wins over Event when both are present.
func (p *Packet) Kind() Kind {
	if _, ok := p.Lookup("Response"); ok {
		return KindResponse
	}
	if _, ok := p.Lookup("Event"); ok {
		return KindEvent
	}
	return KindUnknown
}

// ActionID returns the correlation id, if any.
func (p *Packet) ActionID() string { return p.Get("ActionID") }

// IsError reports whether this is a Response: Error packet.
func (p *Packet) IsError() bool {
	return strings.EqualFold(p.Get("Response"), "Error")
}

// Message returns the Message key, commonly set on responses.
func (p *Packet) Message() string { return p.Get("Message") }

// Event is an unsolicited AMI packet, published on the event bus.
type Event struct {
	Name string
	*Packet
}

// parser turns a byte stream into packets. Transport frames may split a
// packet anywhere, including mid-line.
type parser struct {
	buf      []byte
	cur      *Packet
	bad      *ProtocolError
	banner   string
	maxBytes int
	now      func() time.Time
}

const defaultMaxPacketBytes = 256 * 1024

func newParser(maxBytes int) *parser {
	if maxBytes <= 0 {
		maxBytes = defaultMaxPacketBytes
	}
	return &parser{maxBytes: maxBytes, now: time.Now}
}

func (p *parser) reset() {
	p.buf = p.buf[:0]
	p.cur = nil
	p.bad = nil
}

// feed consumes data and returns complete packets plus errors for packets
// that were dropped.
func (p *parser) feed(data []byte) ([]*Packet, []error) {
	p.buf = append(p.buf, data...)

	var (
		packets []*Packet
		errs    []error
	)
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(p.buf[:i], "\r"))
		p.buf = p.buf[i+1:]

		if pkt, err := p.line(line); pkt != nil {
			packets = append(packets, pkt)
		} else if err != nil {
			errs = append(errs, err)
		}
	}

	if len(p.buf) > p.maxBytes {
		errs = append(errs, &ProtocolError{Reason: "line exceeds maximum packet size"})
		p.reset()
	}
	// Reclaim the consumed prefix once the buffer is drained.
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return packets, errs
}

func (p *parser) line(line string) (*Packet, error) {
	if line == "" {
		pkt, bad := p.cur, p.bad
		p.cur, p.bad = nil, nil
		if bad != nil {
			return nil, bad
		}
		if pkt == nil {
			return nil, nil
		}
		pkt.received = p.now()
		return pkt, nil
	}

	if p.cur == nil && p.bad == nil && strings.HasPrefix(line, "Asterisk Call Manager/") {
		p.banner = line
		return nil, nil
	}

	if p.cur == nil {
		p.cur = newPacket()
	}

	key, value, ok := strings.Cut(line, ":")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		// Command output without a key belongs to a Response: Follows packet.
		if strings.EqualFold(p.cur.Get("Response"), "Follows") {
			p.cur.appendValue("Output", line)
			return nil, nil
		}
		if p.bad == nil {
			p.bad = &ProtocolError{Line: line, Reason: "line is not Key: Value"}
		}
		return nil, nil
	}
	p.cur.set(key, strings.TrimLeft(value, " \t"))
	return nil, nil
}
