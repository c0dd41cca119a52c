package host

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
)

// Networks Dial understands besides the ones net.Dial handles.
const (
	NetworkVsock       = "vsock"
	NetworkFirecracker = "firecracker"
)

// Retry defaults for connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

type dialFunc func(ctx context.Context) (net.Conn, io.Reader, error)

// Dial connects to a worker serving a socket transport and waits for its
// ready signal. Supported networks:
//
//   - unix, tcp: address as for net.Dial
//   - vsock: "cid:port"
//   - firecracker: "uds-path:port", the host side of a Firecracker vsock device
//
// Connection attempts are retried with exponential backoff.
func Dial(ctx context.Context, network, address string) (*Worker, error) {
	dial, err := dialerFor(network, address)
	if err != nil {
		return nil, err
	}

	conn, reader, err := dialWithRetry(ctx, dial)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}

	w := newWorker(conn, reader, nil)
	if err := w.awaitReady(ctx); err != nil {
		w.Kill()
		return nil, err
	}
	return w, nil
}

func dialerFor(network, address string) (dialFunc, error) {
	switch network {
	case "unix", "tcp":
		return func(ctx context.Context) (net.Conn, io.Reader, error) {
			var d net.Dialer
			conn, err := d.DialContext(ctx, network, address)
			return conn, nil, err
		}, nil
	case NetworkVsock:
		cid, port, err := splitPort(address)
		if err != nil {
			return nil, err
		}
		contextID, err := strconv.ParseUint(cid, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vsock context id %q: %w", cid, err)
		}
		return func(context.Context) (net.Conn, io.Reader, error) {
			conn, err := vsock.Dial(uint32(contextID), port, nil)
			return conn, nil, err
		}, nil
	case NetworkFirecracker:
		udsPath, port, err := splitPort(address)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) (net.Conn, io.Reader, error) {
			return dialVsockUDS(ctx, udsPath, port)
		}, nil
	default:
		return nil, fmt.Errorf("unsupported network %q", network)
	}
}

// splitPort splits "prefix:port" at the last colon.
func splitPort(address string) (string, uint32, error) {
	i := strings.LastIndexByte(address, ':')
	if i <= 0 || i == len(address)-1 {
		return "", 0, fmt.Errorf("address %q: want <target>:<port>", address)
	}
	port, err := strconv.ParseUint(address[i+1:], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", address, err)
	}
	return address[:i], uint32(port), nil
}

func dialWithRetry(ctx context.Context, dial dialFunc) (net.Conn, io.Reader, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		conn, reader, err := dial(ctx)
		if err == nil {
			return conn, reader, nil
		}
		lastErr = err

		if attempt < dialMaxRetries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
			backoff *= 2
		}
	}

	return nil, nil, fmt.Errorf("after %d attempts: %w", dialMaxRetries, lastErr)
}

// dialVsockUDS connects to Firecracker's vsock Unix socket and performs the
// CONNECT handshake: send "CONNECT <port>\n", receive "OK <host_port>\n".
// The returned reader must be used for all reads, since it may hold bytes
// read past the handshake line.
func dialVsockUDS(ctx context.Context, udsPath string, port uint32) (net.Conn, io.Reader, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("send CONNECT: %w", err)
	}

	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("read CONNECT response: %w", err)
	}

	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		conn.Close()
		return nil, nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}

	return conn, reader, nil
}
