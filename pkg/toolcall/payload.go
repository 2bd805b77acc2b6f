// Package toolcall detects tool invocations embedded in streamed model
// output, executes them through the plugin dispatcher and reports the
// results as tool turns.
package toolcall

import (
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Target says where a tool result goes.
type Target string

const (
	TargetLLM  Target = "llm"  // fed back to the model in another round
	TargetUser Target = "user" // shown to the user as narration
)

// Payload is one recognized tool invocation.
type Payload struct {
	ToolName string
	Input    jsoniter.RawMessage
	// Target is empty unless the payload declared toolResultTarget.
	Target Target
}

// Destination resolves the effective target.
func (p Payload) Destination() Target {
	if p.Target == "" {
		return TargetLLM
	}
	return p.Target
}

// ParsePayload reports whether raw is a tool invocation: a JSON object with a
// non-empty string toolName and either an input field or a toolResultTarget.
// Without input, the remaining fields become the input.
func ParsePayload(raw []byte) (Payload, bool) {
	raw = append([]byte(nil), raw...)

	var fields map[string]jsoniter.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Payload{}, false
	}

	var name string
	nameRaw, ok := fields["toolName"]
	if !ok || json.Unmarshal(nameRaw, &name) != nil || strings.TrimSpace(name) == "" {
		return Payload{}, false
	}

	p := Payload{ToolName: strings.TrimSpace(name)}

	targetRaw, hasTarget := fields["toolResultTarget"]
	if hasTarget {
		var t string
		if json.Unmarshal(targetRaw, &t) != nil {
			return Payload{}, false
		}
		switch Target(strings.ToLower(strings.TrimSpace(t))) {
		case TargetUser:
			p.Target = TargetUser
		case TargetLLM, "":
			p.Target = TargetLLM
		default:
			return Payload{}, false
		}
	}

	input, hasInput := fields["input"]
	switch {
	case hasInput:
		p.Input = input
	case hasTarget:
		delete(fields, "toolName")
		delete(fields, "toolResultTarget")
		rest, err := json.Marshal(fields)
		if err != nil {
			return Payload{}, false
		}
		p.Input = rest
	default:
		return Payload{}, false
	}
	return p, true
}

// jsonScan tracks object/array depth, ignoring delimiters inside strings.
type jsonScan struct {
	depth    int
	inString bool
	escape   bool
}

// step consumes c and reports whether the outermost value just closed.
func (s *jsonScan) step(c byte) bool {
	if s.inString {
		switch {
		case s.escape:
			s.escape = false
		case c == '\\':
			s.escape = true
		case c == '"':
			s.inString = false
		}
		return false
	}
	switch c {
	case '"':
		s.inString = true
	case '{', '[':
		s.depth++
	case '}', ']':
		s.depth--
		return s.depth <= 0
	}
	return false
}
