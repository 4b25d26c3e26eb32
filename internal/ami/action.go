package ami

import (
	"strings"
	"time"
)

// Action is an outbound request. Parameters keep insertion order.
type Action struct {
	Name    string
	ID      string
	Timeout time.Duration
	params  []Field
}

// NewAction creates an action for verb name.
func NewAction(name string) *Action {
	return &Action{Name: name}
}

// Set replaces the first parameter named key (case-insensitive) or appends it.
// ActionID and Action are routed to the dedicated fields.
func (a *Action) Set(key, value string) *Action {
	switch {
	case strings.EqualFold(key, "ActionID"):
		a.ID = value
		return a
	case strings.EqualFold(key, "Action"):
		a.Name = value
		return a
	}
	for i := range a.params {
		if strings.EqualFold(a.params[i].Key, key) {
			a.params[i].Value = value
			return a
		}
	}
	a.params = append(a.params, Field{Key: key, Value: value})
	return a
}

// Add appends a parameter even if key is already present, as needed for
// repeated keys such as Variable.
func (a *Action) Add(key, value string) *Action {
	a.params = append(a.params, Field{Key: key, Value: value})
	return a
}

// SetIf calls Set only when value is non-empty.
func (a *Action) SetIf(key, value string) *Action {
	if value == "" {
		return a
	}
	return a.Set(key, value)
}

// WithID sets a caller-chosen ActionID.
func (a *Action) WithID(id string) *Action {
	a.ID = id
	return a
}

// WithTimeout overrides the engine default deadline for this action.
func (a *Action) WithTimeout(d time.Duration) *Action {
	a.Timeout = d
	return a
}

// Get returns the first value for key.
func (a *Action) Get(key string) string {
	for _, f := range a.params {
		if strings.EqualFold(f.Key, key) {
			return f.Value
		}
	}
	return ""
}

// Params returns a copy of the parameters.
func (a *Action) Params() []Field {
	out := make([]Field, len(a.params))
	copy(out, a.params)
	return out
}

// Encode renders the action in wire format. Callers must validate first.
func (a *Action) Encode() []byte {
	var b strings.Builder
	b.Grow(32 + 24*len(a.params))
	writeLine(&b, "Action", a.Name)
	if a.ID != "" {
		writeLine(&b, "ActionID", a.ID)
	}
	for _, f := range a.params {
		writeLine(&b, f.Key, f.Value)
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

func writeLine(b *strings.Builder, key, value string) {
	b.WriteString(key)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\r\n")
}
