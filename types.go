package sentry_capture

import (
	"encoding/json"
	"fmt"
	"time"
)

// Level is the severity of a captured event
type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelFatal   Level = "fatal"
)

// ParseLevel converts a level name into a Level
func ParseLevel(s string) (Level, error) {
	switch l := Level(s); l {
	case LevelDebug, LevelInfo, LevelWarning, LevelError, LevelFatal:
		return l, nil
	default:
		return "", fmt.Errorf("unknown level %q", s)
	}
}

// UnmarshalJSON rejects levels outside of the known set
func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Frame is a single stack frame. Every field is optional
type Frame struct {
	Filename string `json:"filename,omitempty"`
	Function string `json:"function,omitempty"`
	Module   string `json:"module,omitempty"`
	Lineno   int    `json:"lineno,omitempty"`
}

// Stacktrace holds frames ordered as they are reported to Sentry (oldest call first)
type Stacktrace struct {
	Frames []Frame `json:"frames"`
}

// CapturedException is one link of an error cause chain
type CapturedException struct {
	Type       string      `json:"type"`
	Value      string      `json:"value"`
	Module     string      `json:"module,omitempty"`
	Stacktrace *Stacktrace `json:"stacktrace,omitempty"`
}

// RequestContext describes the HTTP request that was in flight when the event was captured
type RequestContext struct {
	URL         string            `json:"url"`
	Method      string            `json:"method"`
	QueryString string            `json:"query_string,omitempty"`
	Cookies     map[string]string `json:"cookies,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
}

// User identifies who (or which account) observed the event
type User struct {
	Username  string `json:"username,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
}

// Event is the unit of capture. Treat it as immutable once built: enrichment
// goes through Clone and returns an amended copy
type Event struct {
	EventID    string              `json:"event_id"`
	Timestamp  time.Time           `json:"-"`
	Level      Level               `json:"level"`
	Message    string              `json:"message"`
	Logger     string              `json:"logger"`
	Project    string              `json:"project"`
	Platform   string              `json:"platform"`
	ServerName string              `json:"server_name"`
	User       *User               `json:"user,omitempty"`
	Modules    map[string]string   `json:"modules,omitempty"`
	Exceptions []CapturedException `json:"exception,omitempty"`
	Tags       map[string]string   `json:"tags,omitempty"`
	Extra      map[string]any      `json:"extra,omitempty"`
	Request    *RequestContext     `json:"request,omitempty"`
}

// Response is the acknowledgment body returned by the store endpoint
type Response struct {
	ID string `json:"id"`
}

// CaptureResult is returned to RPC callers
type CaptureResult struct {
	Success bool   `json:"success"`
	EventID string `json:"event_id"`
	Queued  bool   `json:"queued,omitempty"`
	Error   string `json:"error,omitempty"`
}

// DrainStats summarizes a single offline queue sweep
type DrainStats struct {
	Sent      int `json:"sent"`
	Retried   int `json:"retried"`
	Discarded int `json:"discarded"`
	Corrupt   int `json:"corrupt"`
	Skipped   int `json:"skipped"`
}
