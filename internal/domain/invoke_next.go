package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// InvokeTargetKind distinguishes the three forms an InvokeNext entry
// can take, per the tagged-variant design: a plain successor name, a
// ranked fan-out ("name(N)"), or a conditional branch map keyed by the
// stringified return value of the current action.
type InvokeTargetKind int

const (
	InvokeTargetPlain InvokeTargetKind = iota
	InvokeTargetRanked
	InvokeTargetConditional
)

// InvokeTarget is one entry of an Action's InvokeNext list.
type InvokeTarget struct {
	Kind        InvokeTargetKind
	Name        string // Plain, Ranked
	Rank        int    // Ranked: N in "name(N)"
	Conditional map[string]InvokeNext
}

// InvokeNext is the normalized (always-a-list) form of
// Action.InvokeNext; the source JSON may be a single string, a single
// object, or a list mixing both.
type InvokeNext []InvokeTarget

var rankSuffix = regexp.MustCompile(`^(.+)\(([0-9]+)\)$`)

func (n *InvokeNext) UnmarshalJSON(data []byte) error {
	// A bare string or object normalizes to a one-element list.
	var single json.RawMessage
	var asList []json.RawMessage
	if err := json.Unmarshal(data, &asList); err != nil {
		single = data
		asList = []json.RawMessage{single}
	}

	out := make(InvokeNext, 0, len(asList))
	for _, raw := range asList {
		target, err := parseInvokeTarget(raw)
		if err != nil {
			return err
		}
		out = append(out, target)
	}
	*n = out
	return nil
}

func (n InvokeNext) MarshalJSON() ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(n))
	for _, t := range n {
		b, err := t.marshal()
		if err != nil {
			return nil, err
		}
		raw = append(raw, b)
	}
	return json.Marshal(raw)
}

func (t InvokeTarget) marshal() (json.RawMessage, error) {
	switch t.Kind {
	case InvokeTargetConditional:
		return json.Marshal(t.Conditional)
	case InvokeTargetRanked:
		return json.Marshal(fmt.Sprintf("%s(%d)", t.Name, t.Rank))
	default:
		return json.Marshal(t.Name)
	}
}

func parseInvokeTarget(raw json.RawMessage) (InvokeTarget, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if m := rankSuffix.FindStringSubmatch(s); m != nil {
			n, convErr := strconv.Atoi(m[2])
			if convErr != nil {
				return InvokeTarget{}, fmt.Errorf("invalid rank suffix %q: %w", s, convErr)
			}
			return InvokeTarget{Kind: InvokeTargetRanked, Name: m[1], Rank: n}, nil
		}
		return InvokeTarget{Kind: InvokeTargetPlain, Name: s}, nil
	}

	var m map[string]InvokeNext
	if err := json.Unmarshal(raw, &m); err != nil {
		return InvokeTarget{}, fmt.Errorf("InvokeNext entry is neither a string nor a conditional map: %w", err)
	}
	return InvokeTarget{Kind: InvokeTargetConditional, Conditional: m}, nil
}

// ContainsConditional reports whether any entry is a conditional branch.
func (n InvokeNext) ContainsConditional() bool {
	for _, t := range n {
		if t.Kind == InvokeTargetConditional {
			return true
		}
	}
	return false
}
