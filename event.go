package sentry_capture

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

const timestampLayout = "2006-01-02T15:04:05"

// NewEventID returns a fresh time-ordered identifier: a UUIDv7 rendered as 32 hex digits
func NewEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return strings.ReplaceAll(id.String(), "-", "")
}

type eventAlias Event

// Marshal returns the canonical wire form of the event (RFC 8785).
// Marshal(Unmarshal(Marshal(e))) is byte-identical to Marshal(e)
func (e *Event) Marshal() ([]byte, error) {
	raw, err := json.Marshal(struct {
		*eventAlias
		Timestamp string `json:"timestamp"`
	}{
		eventAlias: (*eventAlias)(e),
		Timestamp:  e.Timestamp.UTC().Format(timestampLayout),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", e.EventID, err)
	}

	raw, err = preserveLargeIntegers(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", e.EventID, err)
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize event %s: %w", e.EventID, err)
	}
	return canonical, nil
}

// maxSafeInteger is the largest integer a JSON number keeps exactly once read as a double
const maxSafeInteger = 1<<53 - 1

// preserveLargeIntegers rewrites integer literals outside ±(2^53-1) as decimal
// strings. Canonicalization reads every number as a double and would
// silently round them
func preserveLargeIntegers(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}

	doc, changed := stringifyLargeIntegers(doc)
	if !changed {
		return raw, nil
	}
	return json.Marshal(doc)
}

func stringifyLargeIntegers(v any) (any, bool) {
	switch t := v.(type) {
	case json.Number:
		if !isUnsafeInteger(t.String()) {
			return t, false
		}
		return t.String(), true
	case map[string]any:
		changed := false
		for k, inner := range t {
			if replaced, ok := stringifyLargeIntegers(inner); ok {
				t[k] = replaced
				changed = true
			}
		}
		return t, changed
	case []any:
		changed := false
		for i, inner := range t {
			if replaced, ok := stringifyLargeIntegers(inner); ok {
				t[i] = replaced
				changed = true
			}
		}
		return t, changed
	default:
		return v, false
	}
}

func isUnsafeInteger(literal string) bool {
	if strings.ContainsAny(literal, ".eE") {
		return false
	}
	n, err := strconv.ParseInt(literal, 10, 64)
	if err != nil {
		// beyond int64
		return true
	}
	return n > maxSafeInteger || n < -maxSafeInteger
}

// MarshalJSON implements json.Marshaler using the canonical form
func (e Event) MarshalJSON() ([]byte, error) {
	return e.Marshal()
}

// UnmarshalJSON implements json.Unmarshaler
func (e *Event) UnmarshalJSON(data []byte) error {
	aux := struct {
		*eventAlias
		Timestamp string `json:"timestamp"`
	}{eventAlias: (*eventAlias)(e)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.Timestamp != "" {
		ts, err := time.ParseInLocation(timestampLayout, aux.Timestamp, time.UTC)
		if err != nil {
			return fmt.Errorf("event timestamp: %w", err)
		}
		e.Timestamp = ts
	}

	if e.EventID == "" {
		return fmt.Errorf("event has no event_id")
	}
	return nil
}

// UnmarshalEvent decodes an event from its wire form
func UnmarshalEvent(data []byte) (*Event, error) {
	ev := &Event{}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Clone returns a deep copy of the event. Values inside Extra are copied shallowly
func (e *Event) Clone() Event {
	out := *e
	out.Modules = maps.Clone(e.Modules)
	out.Tags = maps.Clone(e.Tags)
	out.Extra = maps.Clone(e.Extra)

	if e.User != nil {
		u := *e.User
		out.User = &u
	}

	if e.Exceptions != nil {
		out.Exceptions = make([]CapturedException, len(e.Exceptions))
		for i, ex := range e.Exceptions {
			if ex.Stacktrace != nil {
				ex.Stacktrace = &Stacktrace{Frames: append([]Frame(nil), ex.Stacktrace.Frames...)}
			}
			out.Exceptions[i] = ex
		}
	}

	if e.Request != nil {
		r := *e.Request
		r.Cookies = maps.Clone(r.Cookies)
		r.Headers = maps.Clone(r.Headers)
		r.Env = maps.Clone(r.Env)
		r.Data = maps.Clone(r.Data)
		out.Request = &r
	}

	return out
}
