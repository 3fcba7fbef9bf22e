package sentry_capture

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
)

// Scrubber transforms the serialized event right before transmission.
// It receives the exact bytes that would be sent and returns the bytes that are
type Scrubber interface {
	Scrub(payload []byte) []byte
}

// ScrubberFunc adapts a function to the Scrubber interface
type ScrubberFunc func(payload []byte) []byte

func (f ScrubberFunc) Scrub(payload []byte) []byte {
	return f(payload)
}

const redacted = "[REDACTED]"

// Patterns matched against text. Values are replaced, keys kept
var defaultScrubPatterns = []string{
	`(?i)(api[_-]?key|token|password|passwd|secret|credential)(["']?\s*[=:]\s*["']?)[^\s"',&]+`,
	`(?i)(authorization)(["']?\s*[=:]\s*["']?)(?:(?:bearer|basic)\s+)?[\w\-\.=+/]+`,
	`(?i)(bearer\s+)()[\w\-\.=+/]+`,
	`(?i)()()sk-[a-zA-Z0-9_-]{20,}`,
	`(?i)()()gh[po]_[a-zA-Z0-9]{36}`,
	`(?i)()()xox[baprs]-[a-zA-Z0-9\-]{10,}`,
	`()()\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`,
}

// String values stored under a matching object key are redacted as a whole
var sensitiveKeyPattern = regexp.MustCompile(`(?i)(api[_-]?key|token|password|passwd|secret|credential|authorization)`)

// PatternScrubber redacts values matching a set of regular expressions.
// Each pattern has two leading groups (the key and the separator) that survive.
//
// A JSON payload is scrubbed string by string: patterns run on the decoded
// text, which is encoded again only when it changed, and numbers, keys and
// structure are left untouched, so the result stays valid JSON. Any other
// payload is scrubbed as plain text
type PatternScrubber struct {
	patterns []*regexp.Regexp
}

// NewPatternScrubber compiles the default patterns followed by the extra ones.
// Extra patterns are replaced as a whole
func NewPatternScrubber(extra ...string) (*PatternScrubber, error) {
	s := &PatternScrubber{}
	for _, p := range defaultScrubPatterns {
		s.patterns = append(s.patterns, regexp.MustCompile(p))
	}
	for _, p := range extra {
		re, err := regexp.Compile("()()(?:" + p + ")")
		if err != nil {
			return nil, fmt.Errorf("scrub pattern %q: %w", p, err)
		}
		s.patterns = append(s.patterns, re)
	}
	return s, nil
}

func (s *PatternScrubber) Scrub(payload []byte) []byte {
	if !json.Valid(payload) {
		return s.redact(payload)
	}

	out := make([]byte, 0, len(payload))
	redactValue := false

	for i := 0; i < len(payload); {
		c := payload[i]
		if c != '"' {
			if c != ':' && !isJSONSpace(c) {
				redactValue = false
			}
			out = append(out, c)
			i++
			continue
		}

		end := stringEnd(payload, i)
		literal := payload[i:end]
		i = end

		var text string
		if err := json.Unmarshal(literal, &text); err != nil {
			out = append(out, literal...)
			continue
		}

		switch {
		case nextSignificant(payload, end) == ':':
			out = append(out, literal...)
			redactValue = sensitiveKeyPattern.MatchString(text)
		case redactValue:
			out = appendJSONString(out, redacted)
			redactValue = false
		default:
			scrubbed := s.redact([]byte(text))
			if bytes.Equal(scrubbed, []byte(text)) {
				out = append(out, literal...)
			} else {
				out = appendJSONString(out, string(scrubbed))
			}
		}
	}
	return out
}

func (s *PatternScrubber) redact(text []byte) []byte {
	out := text
	for _, re := range s.patterns {
		out = re.ReplaceAll(out, []byte("${1}${2}"+redacted))
	}
	return out
}

// stringEnd returns the index after the closing quote of the string literal at start
func stringEnd(data []byte, start int) int {
	for j := start + 1; j < len(data); j++ {
		switch data[j] {
		case '\\':
			j++
		case '"':
			return j + 1
		}
	}
	return len(data)
}

func nextSignificant(data []byte, from int) byte {
	for ; from < len(data); from++ {
		if !isJSONSpace(data[from]) {
			return data[from]
		}
	}
	return 0
}

func isJSONSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func appendJSONString(dst []byte, s string) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s) // strings always encode
	return append(dst, bytes.TrimSuffix(buf.Bytes(), []byte("\n"))...)
}
