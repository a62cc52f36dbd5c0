// Package jsonx pulls a single JSON object out of possibly-noisy assistant
// text. Attempt order: whole-string parse, brace scan from the first '{'
// (earliest then latest balancing close), then the same inside the first
// fenced code block. Arrays and scalars are wrapped so callers always get
// an object.
package jsonx

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// ErrNoJSON reports that no parsable JSON value was found in the text.
var ErrNoJSON = errors.New("no JSON object found in text")

var fenceRe = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*\\s*\n?(.*?)```")

// Extract returns the single JSON object found in text, normalised so the
// root is always an object: arrays become {"items": ...}, scalars
// {"value": ...}. A string already holding one well-formed object is
// returned unchanged (decoded).
func Extract(text string) (map[string]any, error) {
	v, ok := tryParse(strings.TrimSpace(text))
	if !ok {
		v, ok = braceScan(text)
	}
	if !ok {
		if inner, found := fencedBlock(text); found {
			v, ok = tryParse(strings.TrimSpace(inner))
			if !ok {
				v, ok = braceScan(inner)
			}
		}
	}
	if !ok {
		return nil, ErrNoJSON
	}
	return normalize(v), nil
}

func tryParse(s string) (any, bool) {
	if s == "" {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	return v, true
}

// braceScan walks forward from the first '{' tracking brace depth with
// string and escape awareness. The substring ending at the earliest
// balancing '}' is tried first, then the one ending at the latest.
func braceScan(text string) (any, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil, false
	}
	depth := 0
	inString := false
	escaped := false
	closes := []int{}
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				closes = append(closes, i)
			}
			if depth < 0 {
				depth = 0
			}
		}
	}
	if len(closes) == 0 {
		return nil, false
	}
	if v, ok := tryParse(text[start : closes[0]+1]); ok {
		return v, true
	}
	last := closes[len(closes)-1]
	if last != closes[0] {
		if v, ok := tryParse(text[start : last+1]); ok {
			return v, true
		}
	}
	return nil, false
}

func fencedBlock(text string) (string, bool) {
	m := fenceRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func normalize(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case []any:
		return map[string]any{"items": t}
	default:
		return map[string]any{"value": t}
	}
}
