// Package knowledge tracks what a student appears to understand, refreshed
// periodically by asking the completion model to re-analyze the dialogue.
package knowledge

import (
	"encoding/json"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Marker is the ordinal belief about one concept.
type Marker string

const (
	Known          Marker = "known"
	KnownUnknown   Marker = "known_unknown"
	UnknownUnknown Marker = "unknown_unknown"
)

// Valid reports whether m is one of the three markers.
func (m Marker) Valid() bool {
	switch m {
	case Known, KnownUnknown, UnknownUnknown:
		return true
	default:
		return false
	}
}

// State maps concept name to marker, in the order concepts were extracted,
// plus a free-text summary.
type State struct {
	Concepts *orderedmap.OrderedMap[string, Marker] `json:"concepts"`
	Summary  string                                 `json:"summary"`
}

// NewState seeds every concept with marker, keeping the given order and
// dropping duplicates.
func NewState(concepts []string, marker Marker, summary string) State {
	m := orderedmap.New[string, Marker]()
	for _, c := range concepts {
		if _, ok := m.Get(c); !ok {
			m.Set(c, marker)
		}
	}
	return State{Concepts: m, Summary: summary}
}

// Keys returns the concept names in order.
func (s State) Keys() []string {
	if s.Concepts == nil {
		return nil
	}
	keys := make([]string, 0, s.Concepts.Len())
	for pair := s.Concepts.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// Marker returns the marker recorded for concept.
func (s State) Marker(concept string) (Marker, bool) {
	if s.Concepts == nil {
		return "", false
	}
	return s.Concepts.Get(concept)
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := State{Concepts: orderedmap.New[string, Marker](), Summary: s.Summary}
	if s.Concepts != nil {
		for pair := s.Concepts.Oldest(); pair != nil; pair = pair.Next() {
			out.Concepts.Set(pair.Key, pair.Value)
		}
	}
	return out
}

// JSON renders the state with concepts in order.
func (s State) JSON() string {
	if s.Concepts == nil {
		s.Concepts = orderedmap.New[string, Marker]()
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": %q}`, err.Error())
	}
	return string(b)
}
