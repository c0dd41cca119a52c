package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// pipeConn joins a child's stdout and stdin into one channel.
type pipeConn struct {
	r io.ReadCloser
	w io.WriteCloser
}

func (p *pipeConn) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeConn) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p *pipeConn) Close() error {
	return errors.Join(p.w.Close(), p.r.Close())
}

// Spawn starts the worker binary at path with the stdio transport and
// returns once it has signalled ready. The child's stderr, where it logs, is
// passed through. ctx bounds startup only.
func Spawn(ctx context.Context, path string, args ...string) (*Worker, error) {
	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), "TASKWORKER_TRANSPORT=stdio")
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", path, err)
	}

	w := newWorker(&pipeConn{r: stdout, w: stdin}, nil, cmd)
	if err := w.awaitReady(ctx); err != nil {
		w.Kill()
		return nil, err
	}
	return w, nil
}
