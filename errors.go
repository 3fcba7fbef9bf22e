package sentry_capture

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidEndpoint is returned when a DSN cannot be parsed into a usable endpoint
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	// ErrInvalidProject is returned when an event is built without a project identifier
	ErrInvalidProject = errors.New("invalid project")
	// ErrRateLimited marks a send refused locally because the server asked for a pause.
	// Nothing reached the network, so it says nothing about the event itself
	ErrRateLimited = errors.New("rate limited")
	// ErrNotQueued marks a transient failure whose event could not be stored for retry
	ErrNotQueued = errors.New("event not stored for retry")
)

// DeliveryKind classifies a failed delivery attempt
type DeliveryKind uint8

const (
	// DeliveryTransient covers connectivity problems: the event may succeed later
	DeliveryTransient DeliveryKind = iota + 1
	// DeliveryPermanent means the server answered and did not accept the event
	DeliveryPermanent
)

func (k DeliveryKind) String() string {
	switch k {
	case DeliveryTransient:
		return "transient"
	case DeliveryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// DeliveryError is returned by a Sender when an event was not acknowledged
type DeliveryError struct {
	Kind       DeliveryKind
	EventID    string
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s delivery error for event %s (HTTP %d): %v", e.Kind, e.EventID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s delivery error for event %s: %v", e.Kind, e.EventID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Transient reports whether the event should be kept for a later attempt
func (e *DeliveryError) Transient() bool {
	return e.Kind == DeliveryTransient
}

func transientError(eventID string, err error) *DeliveryError {
	return &DeliveryError{Kind: DeliveryTransient, EventID: eventID, Err: err}
}

func permanentError(eventID string, status int, err error) *DeliveryError {
	return &DeliveryError{Kind: DeliveryPermanent, EventID: eventID, StatusCode: status, Err: err}
}

// IsTransient reports whether err carries a transient DeliveryError
func IsTransient(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Transient()
}

// IsPermanent reports whether err carries a permanent DeliveryError
func IsPermanent(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Kind == DeliveryPermanent
}

// QueueCorruptionError describes a stored item that could not be decoded
type QueueCorruptionError struct {
	Key string
	Err error
}

func (e *QueueCorruptionError) Error() string {
	return fmt.Sprintf("queue item %s is corrupt: %v", e.Key, e.Err)
}

func (e *QueueCorruptionError) Unwrap() error {
	return e.Err
}

// PluginError represents a plugin or queue state error
type PluginError struct {
	Op      string
	Code    string
	Message string
}

func (e *PluginError) Error() string {
	return e.Message
}

var (
	ErrQueueClosed   = &PluginError{Op: "queue_enqueue", Code: "queue_closed", Message: "queue is closed"}
	ErrNotConfigured = &PluginError{Op: "capture", Code: "not_configured", Message: "capture client is not configured"}
)
