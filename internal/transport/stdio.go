package transport

import (
	"io"
	"net"
	"sync"
	"time"
)

type stdioAddr struct{}

func (stdioAddr) Network() string { return NetworkStdio }
func (stdioAddr) String() string  { return NetworkStdio }

// stdioConn adapts a reader/writer pair to net.Conn. Deadlines are not
// supported and setting one is a no-op.
type stdioConn struct {
	r io.ReadCloser
	w io.WriteCloser

	once   sync.Once
	closed chan struct{}
}

func (c *stdioConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *stdioConn) Write(p []byte) (int, error) { return c.w.Write(p) }

func (c *stdioConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		rerr := c.r.Close()
		werr := c.w.Close()
		if rerr != nil {
			err = rerr
		} else {
			err = werr
		}
	})
	return err
}

func (c *stdioConn) LocalAddr() net.Addr                { return stdioAddr{} }
func (c *stdioConn) RemoteAddr() net.Addr               { return stdioAddr{} }
func (c *stdioConn) SetDeadline(_ time.Time) error      { return nil }
func (c *stdioConn) SetReadDeadline(_ time.Time) error  { return nil }
func (c *stdioConn) SetWriteDeadline(_ time.Time) error { return nil }

// StdioListener hands out exactly one connection built from a reader/writer
// pair. Once that connection is closed, Accept reports net.ErrClosed so a
// serve loop ends with its only session.
type StdioListener struct {
	conn *stdioConn

	mu       sync.Mutex
	accepted bool
	done     chan struct{}
	once     sync.Once
}

// Compile-time interface satisfaction check.
var _ net.Listener = (*StdioListener)(nil)

// NewStdioListener creates a listener over r and w.
func NewStdioListener(r io.ReadCloser, w io.WriteCloser) *StdioListener {
	return &StdioListener{
		conn: &stdioConn{r: r, w: w, closed: make(chan struct{})},
		done: make(chan struct{}),
	}
}

// Accept returns the connection on the first call. Later calls block until
// the connection or the listener is closed.
func (l *StdioListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	first := !l.accepted
	l.accepted = true
	l.mu.Unlock()

	if first {
		select {
		case <-l.done:
			return nil, net.ErrClosed
		default:
			return l.conn, nil
		}
	}

	select {
	case <-l.conn.closed:
	case <-l.done:
	}
	return nil, net.ErrClosed
}

// Close stops the listener. It does not close an accepted connection.
func (l *StdioListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

// Addr returns the stdio pseudo-address.
func (l *StdioListener) Addr() net.Addr { return stdioAddr{} }
