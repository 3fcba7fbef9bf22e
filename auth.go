package sentry_capture

import (
	"fmt"
	"time"
)

const (
	// ProtocolVersion is the Sentry protocol spoken by the store endpoint
	ProtocolVersion = 5
	ClientName      = "rr-sentry-capture"
	ClientVersion   = "1.0.0"
)

// UserAgent returns the client identifier sent with every request
func UserAgent() string {
	return ClientName + "/" + ClientVersion
}

// AuthHeader creates the X-Sentry-Auth header value for the DSN at the given time
func AuthHeader(dsn *DSN, now time.Time) string {
	return fmt.Sprintf("Sentry sentry_version=%d, sentry_client=%s, sentry_timestamp=%d, sentry_key=%s, sentry_secret=%s",
		ProtocolVersion, UserAgent(), now.Unix(), dsn.PublicKey, dsn.SecretKey)
}
