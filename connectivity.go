package sentry_capture

import (
	"context"
	"net"
)

// Connectivity reports whether a delivery attempt can plausibly succeed.
// It must be cheap: the offline queue asks before every sweep
type Connectivity interface {
	Online(ctx context.Context) bool
}

// ConnectivityFunc adapts a function to the Connectivity interface
type ConnectivityFunc func(ctx context.Context) bool

func (f ConnectivityFunc) Online(ctx context.Context) bool {
	return f(ctx)
}

// AlwaysOnline never blocks a sweep
var AlwaysOnline Connectivity = ConnectivityFunc(func(context.Context) bool { return true })

// InterfaceConnectivity considers the host online when at least one
// non-loopback interface is up and has an address assigned
type InterfaceConnectivity struct {
	interfaces func() ([]net.Interface, error)
}

// NewInterfaceConnectivity creates a checker backed by the host's network interfaces
func NewInterfaceConnectivity() *InterfaceConnectivity {
	return &InterfaceConnectivity{interfaces: net.Interfaces}
}

func (c *InterfaceConnectivity) Online(_ context.Context) bool {
	ifaces, err := c.interfaces()
	if err != nil {
		// unknown is not the same as absent
		return true
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}
