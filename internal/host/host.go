// Package host is the client side of the worker protocol. It spawns or dials
// a task worker, waits for its ready signal, and runs tasks on it one at a
// time.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/seantiz/taskworker/internal/protocol"
)

// ErrKilled is returned by RunTask once the worker has been killed or closed.
var ErrKilled = errors.New("worker killed")

// TaskError is the failure a worker reported for a task.
type TaskError struct {
	Task    string
	Message string
}

func (e *TaskError) Error() string {
	if e.Task == "" {
		return "worker rejected request: " + e.Message
	}
	return fmt.Sprintf("task %s failed: %s", e.Task, e.Message)
}

// Output is the raw JSON value a task returned.
type Output struct {
	raw json.RawMessage
}

// Value returns the result as raw JSON.
func (o Output) Value() json.RawMessage { return o.raw }

// Decode unmarshals the result into v.
func (o Output) Decode(v any) error {
	if err := json.Unmarshal(o.raw, v); err != nil {
		return fmt.Errorf("decode task output: %w", err)
	}
	return nil
}

func (o Output) String() string { return string(o.raw) }

// Worker is a connected task worker. RunTask calls are serialized, since the
// protocol carries no correlation id and allows one request in flight.
type Worker struct {
	conn   io.Closer
	reader io.Reader
	writer io.Writer
	cmd    *exec.Cmd

	mu sync.Mutex

	killed   atomic.Bool
	killOnce sync.Once
	killErr  error
}

func newWorker(rwc io.ReadWriteCloser, reader io.Reader, cmd *exec.Cmd) *Worker {
	if reader == nil {
		reader = rwc
	}
	return &Worker{conn: rwc, reader: reader, writer: rwc, cmd: cmd}
}

// awaitReady reads the first frame and checks it is the ready signal.
func (w *Worker) awaitReady(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { w.Kill() })
	defer stop()

	f, err := protocol.ReadFrame(w.reader)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("await ready: %w", ctx.Err())
		}
		return fmt.Errorf("await ready: %w", err)
	}
	if f.Kind != protocol.KindReady {
		return fmt.Errorf("await ready: got %s frame first", f.Kind)
	}
	var msg string
	if err := f.Decode(&msg); err != nil || msg != protocol.Ready {
		return fmt.Errorf("await ready: unexpected ready body %s", f.Body)
	}
	return nil
}

// RunTask asks the worker to run the named task on data, which is sent
// JSON-encoded. A nil data sends no input. A failure reported by the worker
// is returned as *TaskError.
//
// A worker does not answer requests for tasks it does not export, so callers
// should bound ctx. When ctx ends before the result arrives the worker is
// killed: a late result could not be told apart from the next one.
func (w *Worker) RunTask(ctx context.Context, name string, data any) (Output, error) {
	req, err := protocol.NewRequest(name, data)
	if err != nil {
		return Output{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.killed.Load() {
		return Output{}, ErrKilled
	}

	stop := context.AfterFunc(ctx, func() { w.Kill() })
	defer stop()

	if err := protocol.WriteMessage(w.writer, protocol.KindTask, req); err != nil {
		return Output{}, w.failure(ctx, fmt.Errorf("send request: %w", err))
	}

	f, err := protocol.ReadFrame(w.reader)
	if err != nil {
		return Output{}, w.failure(ctx, fmt.Errorf("read result: %w", err))
	}

	switch f.Kind {
	case protocol.KindValue:
		return Output{raw: json.RawMessage(f.Body)}, nil
	case protocol.KindError:
		var body protocol.ErrorBody
		if err := f.Decode(&body); err != nil {
			return Output{}, fmt.Errorf("decode error frame: %w", err)
		}
		return Output{}, &TaskError{Task: body.TaskName, Message: body.Error}
	default:
		return Output{}, fmt.Errorf("unexpected %s frame from worker", f.Kind)
	}
}

// failure picks the most telling error once a read or write failed.
func (w *Worker) failure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if w.killed.Load() {
		return ErrKilled
	}
	return err
}

// Kill closes the channel and, for a spawned worker, terminates the process.
// It is safe to call more than once and concurrently with RunTask.
func (w *Worker) Kill() error {
	w.killOnce.Do(func() {
		w.killed.Store(true)
		w.killErr = w.conn.Close()
		if w.cmd != nil && w.cmd.Process != nil {
			w.cmd.Process.Kill()
			w.cmd.Wait()
		}
	})
	return w.killErr
}

// Close ends the session by closing the channel. A spawned worker sees the
// end of its input and exits on its own; Close waits for that.
func (w *Worker) Close() error {
	var err error
	w.killOnce.Do(func() {
		w.killed.Store(true)
		err = w.conn.Close()
		if w.cmd != nil {
			if werr := w.cmd.Wait(); werr != nil && err == nil {
				err = fmt.Errorf("worker exited: %w", werr)
			}
		}
	})
	return err
}
