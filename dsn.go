package sentry_capture

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// DSN represents a parsed Sentry DSN
type DSN struct {
	Scheme    string
	PublicKey string
	SecretKey string
	Host      string
	Port      int
	// Path is the prefix in front of the project id, always starting and ending with "/"
	Path      string
	ProjectID string

	// Computed store endpoint
	StoreURL string
}

// ParseDSN parses a DSN of the form {scheme}://{public}:{secret}@{host}[:port]/{project}
func ParseDSN(dsnStr string) (*DSN, error) {
	if dsnStr == "" {
		return nil, fmt.Errorf("%w: DSN is empty", ErrInvalidEndpoint)
	}

	parsedURL, err := url.Parse(dsnStr)
	if err != nil {
		return nil, fmt.Errorf("%w: the %q DSN is invalid: %v", ErrInvalidEndpoint, dsnStr, err)
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("%w: the scheme of the %q DSN must be either \"http\" or \"https\"", ErrInvalidEndpoint, dsnStr)
	}
	if parsedURL.Hostname() == "" {
		return nil, fmt.Errorf("%w: the %q DSN must contain a host", ErrInvalidEndpoint, dsnStr)
	}

	if parsedURL.User == nil || parsedURL.User.Username() == "" {
		return nil, fmt.Errorf("%w: the %q DSN must contain a public key", ErrInvalidEndpoint, dsnStr)
	}
	secretKey, ok := parsedURL.User.Password()
	if !ok || secretKey == "" {
		return nil, fmt.Errorf("%w: the %q DSN must contain a secret key", ErrInvalidEndpoint, dsnStr)
	}

	port := 80
	if parsedURL.Scheme == "https" {
		port = 443
	}
	if p := parsedURL.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("%w: the %q DSN has an invalid port", ErrInvalidEndpoint, dsnStr)
		}
	}

	pathSegments := strings.Split(strings.Trim(parsedURL.Path, "/"), "/")
	projectID := pathSegments[len(pathSegments)-1]
	if projectID == "" {
		return nil, fmt.Errorf("%w: the %q DSN path must contain a project ID", ErrInvalidEndpoint, dsnStr)
	}
	if _, err := strconv.ParseUint(projectID, 10, 64); err != nil {
		return nil, fmt.Errorf("%w: the %q DSN project ID must be numeric", ErrInvalidEndpoint, dsnStr)
	}

	path := "/"
	if len(pathSegments) > 1 {
		path = "/" + strings.Join(pathSegments[:len(pathSegments)-1], "/") + "/"
	}

	dsn := &DSN{
		Scheme:    parsedURL.Scheme,
		PublicKey: parsedURL.User.Username(),
		SecretKey: secretKey,
		Host:      parsedURL.Hostname(),
		Port:      port,
		Path:      path,
		ProjectID: projectID,
	}
	dsn.StoreURL = dsn.GetStoreEndpointURL()

	return dsn, nil
}

// hostPort returns the host with the port appended when it is not the scheme default
func (d *DSN) hostPort() string {
	if (d.Scheme == "http" && d.Port != 80) || (d.Scheme == "https" && d.Port != 443) {
		return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
	}
	if strings.Contains(d.Host, ":") {
		return "[" + d.Host + "]"
	}
	return d.Host
}

// GetBaseEndpointURL returns the base API endpoint URL
func (d *DSN) GetBaseEndpointURL() string {
	return fmt.Sprintf("%s://%s%sapi/%s", d.Scheme, d.hostPort(), d.Path, d.ProjectID)
}

// GetStoreEndpointURL returns the store API endpoint URL
func (d *DSN) GetStoreEndpointURL() string {
	return d.GetBaseEndpointURL() + "/store/"
}

// String renders the DSN back into its connection string form
func (d *DSN) String() string {
	u := url.URL{
		Scheme: d.Scheme,
		User:   url.UserPassword(d.PublicKey, d.SecretKey),
		Host:   d.hostPort(),
		Path:   d.Path + d.ProjectID,
	}
	return u.String()
}
