package sentry_capture

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func fixedInterfaces(ifaces []net.Interface, err error) func() ([]net.Interface, error) {
	return func() ([]net.Interface, error) { return ifaces, err }
}

func TestInterfaceConnectivity(t *testing.T) {
	ctx := context.Background()

	c := &InterfaceConnectivity{interfaces: fixedInterfaces(nil, errors.New("netlink unavailable"))}
	assert.True(t, c.Online(ctx))

	c = &InterfaceConnectivity{interfaces: fixedInterfaces(nil, nil)}
	assert.False(t, c.Online(ctx))

	c = &InterfaceConnectivity{interfaces: fixedInterfaces([]net.Interface{
		{Index: 1, Name: "lo", Flags: net.FlagUp | net.FlagLoopback},
		{Index: 1 << 20, Name: "eth9", Flags: 0},
	}, nil)}
	assert.False(t, c.Online(ctx))
}

func TestInterfaceConnectivity_AddressAssigned(t *testing.T) {
	lo, err := net.InterfaceByName("lo")
	if err != nil {
		t.Skip("no loopback interface named lo")
	}
	if addrs, err := lo.Addrs(); err != nil || len(addrs) == 0 {
		t.Skip("loopback has no addresses")
	}

	// the loopback addresses stand in for a configured uplink
	c := &InterfaceConnectivity{interfaces: fixedInterfaces([]net.Interface{
		{Index: lo.Index, Name: "uplink0", Flags: net.FlagUp},
	}, nil)}
	assert.True(t, c.Online(context.Background()))
}

func TestAlwaysOnline(t *testing.T) {
	assert.True(t, AlwaysOnline.Online(context.Background()))
}
