package sentry_capture

import (
	"fmt"
	"maps"
	"reflect"
	"runtime"
	"strings"
	"time"
)

const (
	defaultLoggerName = "root"
	platformGo        = "go"
	maxStackDepth     = 64
	maxChainLength    = 256
)

// Enricher amends an event after the base builder produced it. It receives a
// private copy and returns the version that continues down the pipeline
type Enricher func(Event) Event

// BuilderOption configures a Builder
type BuilderOption func(*Builder)

// WithHostInfo sets the host snapshot provider
func WithHostInfo(h HostInfo) BuilderOption {
	return func(b *Builder) {
		b.host = h
	}
}

// WithLoggerName sets the logger name reported on every event
func WithLoggerName(name string) BuilderOption {
	return func(b *Builder) {
		if name != "" {
			b.loggerName = name
		}
	}
}

// WithEnrichers appends enrichment steps applied to every event
func WithEnrichers(enrichers ...Enricher) BuilderOption {
	return func(b *Builder) {
		b.enrichers = append(b.enrichers, enrichers...)
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) {
		b.now = now
	}
}

// Builder turns messages, errors and panics into events
type Builder struct {
	host       HostInfo
	loggerName string
	enrichers  []Enricher
	now        func() time.Time
}

// NewBuilder creates a builder. Without WithHostInfo the host fields stay empty
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		loggerName: defaultLoggerName,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.host == nil {
		b.host = EmptyHostInfo{}
	}
	return b
}

// EventOption customizes a single capture
type EventOption func(*eventOptions)

type eventOptions struct {
	level       Level
	message     *string
	tags        map[string]string
	extra       map[string]any
	user        *User
	enrichers   []Enricher
	stackFrames []Frame
}

// WithLevel overrides the default severity
func WithLevel(level Level) EventOption {
	return func(o *eventOptions) {
		o.level = level
	}
}

// WithMessage replaces the message derived from the error
func WithMessage(message string) EventOption {
	return func(o *eventOptions) {
		o.message = &message
	}
}

// WithTags attaches tags to the event
func WithTags(tags map[string]string) EventOption {
	return func(o *eventOptions) {
		if o.tags == nil {
			o.tags = make(map[string]string, len(tags))
		}
		maps.Copy(o.tags, tags)
	}
}

// WithExtra attaches free-form metadata to the event
func WithExtra(extra map[string]any) EventOption {
	return func(o *eventOptions) {
		if o.extra == nil {
			o.extra = make(map[string]any, len(extra))
		}
		maps.Copy(o.extra, extra)
	}
}

// WithUser overrides the user taken from the host snapshot
func WithUser(user User) EventOption {
	return func(o *eventOptions) {
		o.user = &user
	}
}

// WithEventEnrichers appends enrichment steps for this capture only
func WithEventEnrichers(enrichers ...Enricher) EventOption {
	return func(o *eventOptions) {
		o.enrichers = append(o.enrichers, enrichers...)
	}
}

// WithStackFrames pins the frames reported for the outermost exception
// instead of the capture-site stack
func WithStackFrames(frames []Frame) EventOption {
	return func(o *eventOptions) {
		o.stackFrames = frames
	}
}

// ExceptionTyper lets an error report its own type name, e.g. for exceptions
// relayed from another runtime. Such errors may also implement
// ExceptionModule() string to name the module the type belongs to
type ExceptionTyper interface {
	ExceptionType() string
}

// StackFramer lets an error carry the frames it was raised with
type StackFramer interface {
	StackFrames() []Frame
}

// FromMessage builds an info-level event from a plain message
func (b *Builder) FromMessage(project, message string, opts ...EventOption) (*Event, error) {
	o := b.options(LevelInfo, opts)
	if o.message != nil {
		message = *o.message
	}
	return b.build(project, message, nil, o)
}

// FromException builds an error-level event from err and its cause chain.
// The message defaults to err.Error()
func (b *Builder) FromException(project string, err error, opts ...EventOption) (*Event, error) {
	o := b.options(LevelError, opts)
	if err == nil {
		message := ""
		if o.message != nil {
			message = *o.message
		}
		return b.build(project, message, nil, o)
	}

	message := err.Error()
	if o.message != nil {
		message = *o.message
	}

	frames := o.stackFrames
	if frames == nil {
		frames = callerFrames(3)
	}

	return b.build(project, message, exceptionChain(err, frames), o)
}

// FromPanic builds a fatal event from a value returned by recover().
// It must be called from the deferred function to record the panicking stack
func (b *Builder) FromPanic(project string, recovered any, opts ...EventOption) (*Event, error) {
	o := b.options(LevelFatal, opts)

	message := formatRecovered(recovered)
	frames := o.stackFrames
	if frames == nil {
		frames = callerFrames(3)
	}

	exceptions := []CapturedException{{
		Type:       "panic",
		Value:      message,
		Module:     "runtime",
		Stacktrace: stacktrace(frames),
	}}
	if err, ok := recovered.(error); ok {
		exceptions = append(exceptions, exceptionChain(err, nil)...)
	}

	if o.message != nil {
		message = *o.message
	}
	return b.build(project, message, exceptions, o)
}

func (b *Builder) options(level Level, opts []EventOption) *eventOptions {
	o := &eventOptions{level: level}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (b *Builder) build(project, message string, exceptions []CapturedException, o *eventOptions) (*Event, error) {
	if project == "" {
		return nil, ErrInvalidProject
	}
	if _, err := ParseLevel(string(o.level)); err != nil {
		return nil, err
	}

	ev := Event{
		EventID:    NewEventID(),
		Timestamp:  b.now().UTC().Truncate(time.Second),
		Level:      o.level,
		Message:    message,
		Logger:     b.loggerName,
		Project:    project,
		Platform:   platformGo,
		ServerName: b.host.MachineName(),
		Modules:    b.host.Modules(),
		Exceptions: exceptions,
		Tags:       maps.Clone(o.tags),
		Extra:      maps.Clone(o.extra),
	}

	if o.user != nil {
		u := *o.user
		ev.User = &u
	} else if name := b.host.UserName(); name != "" {
		ev.User = &User{Username: name}
	}

	for _, enrich := range b.enrichers {
		ev = enrich(ev.Clone())
	}
	for _, enrich := range o.enrichers {
		ev = enrich(ev.Clone())
	}

	return &ev, nil
}

// errorIdentity tells apart non-comparable errors backed by a slice or map
type errorIdentity struct {
	typ reflect.Type
	ptr uintptr
	len int
}

// identityOf returns the key an error is remembered by, if it has one.
// Comparable errors are their own key
func identityOf(e error) (any, bool) {
	v := reflect.ValueOf(e)
	if v.Comparable() {
		return e, true
	}
	switch v.Kind() {
	case reflect.Slice, reflect.Map:
		return errorIdentity{typ: v.Type(), ptr: uintptr(v.UnsafePointer()), len: v.Len()}, true
	default:
		return nil, false
	}
}

// exceptionChain walks err from the outermost to the innermost cause. Joined
// errors are walked depth-first in order. A node seen before ends its branch
// and the chain never grows past maxChainLength
func exceptionChain(err error, outerFrames []Frame) []CapturedException {
	var out []CapturedException
	seen := make(map[any]struct{})

	var walk func(e error)
	walk = func(e error) {
		for e != nil {
			if len(out) >= maxChainLength {
				return
			}
			if id, ok := identityOf(e); ok {
				if _, dup := seen[id]; dup {
					return
				}
				seen[id] = struct{}{}
			}

			out = append(out, capturedException(e))

			switch u := e.(type) {
			case interface{ Unwrap() []error }:
				for _, inner := range u.Unwrap() {
					walk(inner)
				}
				return
			case interface{ Unwrap() error }:
				e = u.Unwrap()
			default:
				return
			}
		}
	}
	walk(err)

	if len(out) > 0 && out[0].Stacktrace == nil && len(outerFrames) > 0 {
		out[0].Stacktrace = stacktrace(outerFrames)
	}
	return out
}

func capturedException(e error) CapturedException {
	ex := CapturedException{
		Value: e.Error(),
	}

	t := reflect.TypeOf(e)
	if typer, ok := e.(ExceptionTyper); ok {
		ex.Type = typer.ExceptionType()
	} else {
		ex.Type = t.String()
	}

	if m, ok := e.(interface{ ExceptionModule() string }); ok {
		ex.Module = m.ExceptionModule()
	} else {
		for t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		ex.Module = t.PkgPath()
	}

	if framer, ok := e.(StackFramer); ok {
		ex.Stacktrace = stacktrace(framer.StackFrames())
	}
	return ex
}

func stacktrace(frames []Frame) *Stacktrace {
	if len(frames) == 0 {
		return nil
	}
	return &Stacktrace{Frames: frames}
}

// callerFrames returns the calling goroutine's stack, oldest call first,
// without frames belonging to this package's capture plumbing
func callerFrames(skip int) []Frame {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(skip, pcs)
	if n == 0 {
		return nil
	}

	var frames []Frame
	it := runtime.CallersFrames(pcs[:n])
	for {
		f, more := it.Next()
		if !internalFrame(f) {
			module, function := splitFunctionName(f.Function)
			frames = append(frames, Frame{
				Filename: f.File,
				Function: function,
				Module:   module,
				Lineno:   f.Line,
			})
		}
		if !more {
			break
		}
	}

	for i, j := 0, len(frames)-1; i < j; i, j = i+1, j-1 {
		frames[i], frames[j] = frames[j], frames[i]
	}
	return frames
}

var packagePath = reflect.TypeOf(Builder{}).PkgPath()

func internalFrame(f runtime.Frame) bool {
	if strings.HasPrefix(f.Function, "runtime.") {
		return true
	}
	return strings.HasPrefix(f.Function, packagePath+".") && !strings.HasSuffix(f.File, "_test.go")
}

// splitFunctionName splits "github.com/a/b.(*T).M" into "github.com/a/b" and "(*T).M"
func splitFunctionName(name string) (string, string) {
	slash := strings.LastIndex(name, "/")
	dot := strings.Index(name[slash+1:], ".")
	if dot < 0 {
		return "", name
	}
	dot += slash + 1
	return name[:dot], name[dot+1:]
}

func formatRecovered(recovered any) string {
	if recovered == nil {
		return "<nil>"
	}
	if err, ok := recovered.(error); ok {
		return err.Error()
	}
	return fmt.Sprintf("%v", recovered)
}
