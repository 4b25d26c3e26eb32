package ami

import (
	"fmt"
	"regexp"
	"strings"
)

// FieldKind selects the charset an outbound value is checked against.
type FieldKind int

const (
	FieldText FieldKind = iota
	FieldExtension
	FieldChannel
	FieldQueue
	FieldInterface
	FieldDBKey
	FieldRecordingPath
)

func (k FieldKind) String() string {
	switch k {
	case FieldExtension:
		return "extension"
	case FieldChannel:
		return "channel"
	case FieldQueue:
		return "queue"
	case FieldInterface:
		return "interface"
	case FieldDBKey:
		return "db key"
	case FieldRecordingPath:
		return "recording path"
	default:
		return "text"
	}
}

// Charsets holds the allowed-value patterns per field kind. Each pattern is a
// Go regular expression matched against the whole value.
type Charsets struct {
	Extension     string `json:"extension,omitempty"`
	Channel       string `json:"channel,omitempty"`
	Queue         string `json:"queue,omitempty"`
	Interface     string `json:"interface,omitempty"`
	DBKey         string `json:"db_key,omitempty"`
	RecordingPath string `json:"recording_path,omitempty"`
}

// DefaultCharsets returns patterns that accept the names Asterisk produces
// for PJSIP/SIP/Local channels, dialplan extensions and astdb keys.
func DefaultCharsets() Charsets {
	return Charsets{
		Extension:     `[0-9A-Za-z*#+_.\-]{1,80}`,
		Channel:       `[A-Za-z][A-Za-z0-9_]*/[A-Za-z0-9@._\-;:+#*/]{1,200}`,
		Queue:         `[A-Za-z0-9_.\-]{1,64}`,
		Interface:     `[A-Za-z][A-Za-z0-9_]*/[A-Za-z0-9@._\-:+/]{1,200}`,
		DBKey:         `[A-Za-z0-9_.\-/]{1,128}`,
		RecordingPath: `[A-Za-z0-9_.\-/]{1,255}`,
	}
}

// keyKinds maps lower-cased parameter names to the kind they carry.
var keyKinds = map[string]FieldKind{
	"exten":          FieldExtension,
	"extension":      FieldExtension,
	"channel":        FieldChannel,
	"extrachannel":   FieldChannel,
	"channel1":       FieldChannel,
	"channel2":       FieldChannel,
	"queue":          FieldQueue,
	"interface":      FieldInterface,
	"stateinterface": FieldInterface,
	"family":         FieldDBKey,
	"key":            FieldDBKey,
	"file":           FieldRecordingPath,
}

var (
	keyPattern  = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_\-]*$`)
	verbPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
)

// Validator checks actions before they are written to the wire.
type Validator struct {
	patterns map[FieldKind]*regexp.Regexp
}

// NewValidator compiles cs. Empty entries fall back to DefaultCharsets.
func NewValidator(cs Charsets) (*Validator, error) {
	def := DefaultCharsets()
	pick := func(v, d string) string {
		if v == "" {
			return d
		}
		return v
	}
	src := map[FieldKind]string{
		FieldExtension:     pick(cs.Extension, def.Extension),
		FieldChannel:       pick(cs.Channel, def.Channel),
		FieldQueue:         pick(cs.Queue, def.Queue),
		FieldInterface:     pick(cs.Interface, def.Interface),
		FieldDBKey:         pick(cs.DBKey, def.DBKey),
		FieldRecordingPath: pick(cs.RecordingPath, def.RecordingPath),
	}

	v := &Validator{patterns: make(map[FieldKind]*regexp.Regexp, len(src))}
	for kind, expr := range src {
		re, err := regexp.Compile(`^(?:` + expr + `)$`)
		if err != nil {
			return nil, fmt.Errorf("invalid %s charset: %w", kind, err)
		}
		v.patterns[kind] = re
	}
	return v, nil
}

// KindOf returns the field kind used for key.
func KindOf(key string) FieldKind {
	if k, ok := keyKinds[strings.ToLower(key)]; ok {
		return k
	}
	return FieldText
}

// Validate checks the verb, every key and every value of a.
func (v *Validator) Validate(a *Action) error {
	if !verbPattern.MatchString(a.Name) {
		return &ValidationError{Action: a.Name, Reason: "invalid action name"}
	}
	if a.ID != "" {
		if err := v.Check(a.Name, "ActionID", a.ID, FieldText); err != nil {
			return err
		}
	}
	for _, f := range a.params {
		if !keyPattern.MatchString(f.Key) {
			return &ValidationError{Action: a.Name, Key: f.Key, Value: f.Value, Reason: "invalid key"}
		}
		if err := v.Check(a.Name, f.Key, f.Value, KindOf(f.Key)); err != nil {
			return err
		}
	}
	return nil
}

// Check validates one value as kind.
func (v *Validator) Check(action, key, value string, kind FieldKind) error {
	fail := func(reason string) error {
		return &ValidationError{Action: action, Key: key, Kind: kind, Value: value, Reason: reason}
	}

	for i := 0; i < len(value); i++ {
		c := value[i]
		switch {
		case c == '\r' || c == '\n':
			return fail("contains CR or LF")
		case c < 0x20 && c != '\t', c == 0x7f:
			return fail("contains control character")
		}
	}

	if kind == FieldText {
		return nil
	}
	if re := v.patterns[kind]; !re.MatchString(value) {
		return fail("characters outside the allowed set")
	}
	if kind == FieldRecordingPath {
		for _, seg := range strings.Split(value, "/") {
			if seg == ".." {
				return fail("path traversal")
			}
		}
	}
	return nil
}
