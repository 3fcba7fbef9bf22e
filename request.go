package sentry_capture

import (
	"context"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

type requestCtxKey struct{}

// ContextWithRequest stores the in-flight HTTP request for request-aware capture
func ContextWithRequest(ctx context.Context, r *http.Request) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, r)
}

// RequestFromContext returns the request stored by ContextWithRequest
func RequestFromContext(ctx context.Context) (*http.Request, bool) {
	r, ok := ctx.Value(requestCtxKey{}).(*http.Request)
	return r, ok && r != nil
}

// RequestContextProvider supplies the request an event is enriched with, if any
type RequestContextProvider func(ctx context.Context) *http.Request

// ContextRequestProvider reads the request stored by ContextWithRequest (and the Middleware)
func ContextRequestProvider(ctx context.Context) *http.Request {
	r, _ := RequestFromContext(ctx)
	return r
}

// NewRequestContext snapshots r. The body is never read: form data is only
// reported when the handler already parsed it
func NewRequestContext(r *http.Request) *RequestContext {
	rc := &RequestContext{
		URL:         requestURL(r),
		Method:      r.Method,
		QueryString: r.URL.RawQuery,
		Headers:     make(map[string]string, len(r.Header)),
		Env: map[string]string{
			"REMOTE_ADDR":     r.RemoteAddr,
			"SERVER_NAME":     r.Host,
			"SERVER_PROTOCOL": r.Proto,
		},
	}

	for name, values := range r.Header {
		if name == "Cookie" {
			continue
		}
		rc.Headers[name] = strings.Join(values, ", ")
	}

	if cookies := r.Cookies(); len(cookies) > 0 {
		rc.Cookies = make(map[string]string, len(cookies))
		for _, c := range cookies {
			rc.Cookies[c.Name] = c.Value
		}
	}

	if len(r.PostForm) > 0 {
		rc.Data = make(map[string]string, len(r.PostForm))
		for key, values := range r.PostForm {
			rc.Data[key] = strings.Join(values, ", ")
		}
	}

	return rc
}

// RequestEnricher returns an Enricher that attaches r and the client address
func RequestEnricher(r *http.Request) Enricher {
	return func(ev Event) Event {
		ev.Request = NewRequestContext(r)
		ip := clientIP(r)
		if ip != "" {
			if ev.User == nil {
				ev.User = &User{}
			}
			ev.User.IPAddress = ip
		}
		return ev
	}
}

// WithRequest enriches a single capture with r
func WithRequest(r *http.Request) EventOption {
	return WithEventEnrichers(RequestEnricher(r))
}

func requestURL(r *http.Request) string {
	u := *r.URL
	if !u.IsAbs() {
		u.Scheme = "http"
		if r.TLS != nil {
			u.Scheme = "https"
		}
		u.Host = r.Host
	}
	// reported separately as query_string
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware recovers panics raised by next, reports them with the request
// attached and answers 500. http.ErrAbortHandler is passed through untouched
func (c *Client) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := ContextWithRequest(r.Context(), r)
		r = r.WithContext(ctx)

		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			id, err := c.CapturePanic(ctx, rec)
			if err != nil && !IsTransient(err) {
				c.logger.Error("Failed to capture handler panic", zap.Error(err))
			} else {
				c.logger.Debug("Handler panic captured", zap.String("event_id", id))
			}
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}()

		next.ServeHTTP(w, r)
	})
}
