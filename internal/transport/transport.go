// Package transport provides the listeners a worker serves dispatcher
// sessions on. Besides the usual socket networks it offers stdio, where the
// parent process owns the channel, and vsock, for a worker running inside a
// microVM.
package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/mdlayher/vsock"
)

// Supported network names.
const (
	NetworkStdio = "stdio"
	NetworkUnix  = "unix"
	NetworkTCP   = "tcp"
	NetworkVsock = "vsock"
)

// Listen opens a listener on network. For vsock, address is the port number;
// for stdio it is ignored.
func Listen(ctx context.Context, network, address string) (net.Listener, error) {
	switch network {
	case NetworkStdio:
		return NewStdioListener(os.Stdin, os.Stdout), nil
	case NetworkUnix, NetworkTCP:
		var lc net.ListenConfig
		l, err := lc.Listen(ctx, network, address)
		if err != nil {
			return nil, fmt.Errorf("listen %s %s: %w", network, address, err)
		}
		return l, nil
	case NetworkVsock:
		port, err := ParseVsockPort(address)
		if err != nil {
			return nil, err
		}
		l, err := vsock.Listen(port, nil)
		if err != nil {
			return nil, fmt.Errorf("vsock listen on port %d: %w", port, err)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", network)
	}
}

// ParseVsockPort parses a vsock port number.
func ParseVsockPort(s string) (uint32, error) {
	port, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid vsock port %q: %w", s, err)
	}
	return uint32(port), nil
}
