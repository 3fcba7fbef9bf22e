package sentry_capture

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// RemoteException is an exception relayed by a worker written in another
// language. A chain of them is an error chain the builder can walk
type RemoteException struct {
	Type   string  `json:"type"`
	Value  string  `json:"value"`
	Module string  `json:"module,omitempty"`
	Frames []Frame `json:"frames,omitempty"`

	cause error
}

func (e *RemoteException) Error() string {
	return e.Value
}

func (e *RemoteException) Unwrap() error {
	return e.cause
}

func (e *RemoteException) ExceptionType() string {
	return e.Type
}

func (e *RemoteException) ExceptionModule() string {
	return e.Module
}

func (e *RemoteException) StackFrames() []Frame {
	return e.Frames
}

// linkRemoteExceptions chains the list, outermost first, into one error
func linkRemoteExceptions(list []RemoteException) error {
	var cause error
	for i := len(list) - 1; i >= 0; i-- {
		ex := list[i]
		ex.cause = cause
		cause = &ex
	}
	return cause
}

// MessageArgs is the payload of RPC.CaptureMessage
type MessageArgs struct {
	Message string            `json:"message"`
	Level   Level             `json:"level,omitempty"`
	Tags    map[string]string `json:"tags,omitempty"`
	Extra   map[string]any    `json:"extra,omitempty"`
}

// ExceptionArgs is the payload of RPC.CaptureException. Exceptions are
// ordered from the outermost to the innermost cause
type ExceptionArgs struct {
	Message    string            `json:"message,omitempty"`
	Level      Level             `json:"level,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
	Extra      map[string]any    `json:"extra,omitempty"`
	Exceptions []RemoteException `json:"exceptions"`
}

// RPC provides RPC methods for worker communication
type RPC struct {
	plugin *Plugin
	logger *zap.Logger
}

// NewRPC creates a new RPC instance
func NewRPC(plugin *Plugin, logger *zap.Logger) *RPC {
	return &RPC{
		plugin: plugin,
		logger: logger,
	}
}

// CaptureMessage reports a message
func (r *RPC) CaptureMessage(in *MessageArgs, result *CaptureResult) error {
	r.logger.Debug("Received message via RPC", zap.String("level", string(in.Level)))

	opts := eventArgs(in.Level, in.Tags, in.Extra)
	id, err := r.plugin.client.CaptureMessage(context.Background(), in.Message, opts...)
	*result = r.result(id, err)
	return nil
}

// CaptureException reports a relayed exception chain
func (r *RPC) CaptureException(in *ExceptionArgs, result *CaptureResult) error {
	r.logger.Debug("Received exception via RPC", zap.Int("chain_length", len(in.Exceptions)))

	if len(in.Exceptions) == 0 {
		*result = CaptureResult{Error: "no exceptions supplied"}
		return nil
	}

	opts := eventArgs(in.Level, in.Tags, in.Extra)
	// the RPC server's own stack says nothing about the remote fault
	opts = append(opts, WithStackFrames([]Frame{}))
	if in.Message != "" {
		opts = append(opts, WithMessage(in.Message))
	}

	id, err := r.plugin.client.CaptureException(context.Background(), linkRemoteExceptions(in.Exceptions), opts...)
	*result = r.result(id, err)
	return nil
}

// Flush sweeps the offline queue once
func (r *RPC) Flush(_ bool, stats *DrainStats) error {
	s, err := r.plugin.client.Flush(context.Background())
	if err != nil {
		return err
	}
	*stats = s
	return nil
}

// QueueLength returns the number of events waiting in the offline queue
func (r *RPC) QueueLength(_ bool, length *int) error {
	n, err := r.plugin.client.Queue().Len()
	if err != nil {
		return err
	}
	*length = n
	return nil
}

func (r *RPC) result(id string, err error) CaptureResult {
	if err == nil {
		return CaptureResult{Success: true, EventID: id}
	}

	var de *DeliveryError
	if errors.As(err, &de) {
		return CaptureResult{
			EventID: de.EventID,
			Queued:  de.Transient() && !errors.Is(err, ErrNotQueued),
			Error:   err.Error(),
		}
	}

	r.logger.Error("Failed to capture event", zap.Error(err))
	return CaptureResult{Error: err.Error()}
}

func eventArgs(level Level, tags map[string]string, extra map[string]any) []EventOption {
	var opts []EventOption
	if level != "" {
		opts = append(opts, WithLevel(level))
	}
	if len(tags) > 0 {
		opts = append(opts, WithTags(tags))
	}
	if len(extra) > 0 {
		opts = append(opts, WithExtra(extra))
	}
	return opts
}
