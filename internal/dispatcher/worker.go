package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/seantiz/taskworker/internal/backend"
	"github.com/seantiz/taskworker/internal/capability"
	"github.com/seantiz/taskworker/internal/model"
)

// ErrNotReady is returned when serving is attempted before initialization
// has succeeded.
var ErrNotReady = errors.New("worker not ready")

// Journal persists a record of every handled request.
type Journal interface {
	RecordDispatch(ctx context.Context, d *model.Dispatch) error
}

// Feed receives live dispatch records, grouped by session.
type Feed interface {
	Publish(sessionID string, d model.Dispatch)
	Close(sessionID string)
}

// Worker owns a backend and serves dispatcher sessions over it.
type Worker struct {
	backend backend.Backend
	lanes   int
	logger  *slog.Logger
	journal Journal
	feed    Feed

	initOnce sync.Once
	initDone chan struct{}

	mu      sync.RWMutex
	state   string
	caps    *capability.Set
	initErr error
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithLanes sets how many execution lanes the backend provisions. Values
// below one select backend.DefaultLanes.
func WithLanes(n int) Option {
	return func(w *Worker) {
		if n >= 1 {
			w.lanes = n
		}
	}
}

// WithJournal records every handled request in j.
func WithJournal(j Journal) Option {
	return func(w *Worker) { w.journal = j }
}

// WithFeed publishes every handled request to f.
func WithFeed(f Feed) Option {
	return func(w *Worker) { w.feed = f }
}

// New creates an uninitialized worker for b.
func New(b backend.Backend, opts ...Option) *Worker {
	w := &Worker{
		backend:  b,
		lanes:    backend.DefaultLanes(),
		logger:   slog.New(slog.DiscardHandler),
		initDone: make(chan struct{}),
		state:    model.StateUninitialized,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start initializes the backend. Only the first call does any work; it is
// never retried, and every call returns the outcome of that first attempt.
func (w *Worker) Start(ctx context.Context) error {
	w.initOnce.Do(func() {
		defer close(w.initDone)
		w.initialize(ctx)
	})

	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.initErr
}

// Initialized is closed once Start has finished, successfully or not.
func (w *Worker) Initialized() <-chan struct{} {
	return w.initDone
}

// State returns the current lifecycle state.
func (w *Worker) State() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Capabilities returns the Capability Set, or nil before the worker is ready.
func (w *Worker) Capabilities() *capability.Set {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.caps
}

// BackendName reports which backend the worker drives.
func (w *Worker) BackendName() string {
	return w.backend.Name()
}

// Lanes reports the configured execution lane count.
func (w *Worker) Lanes() int {
	return w.lanes
}

// Close releases the backend.
func (w *Worker) Close(ctx context.Context) error {
	if err := w.backend.Close(ctx); err != nil {
		return fmt.Errorf("close %s backend: %w", w.backend.Name(), err)
	}
	return nil
}

func (w *Worker) initialize(ctx context.Context) {
	w.transition(model.StateInitializing)
	w.logger.Info("initializing backend", "backend", w.backend.Name(), "lanes", w.lanes)

	start := time.Now()
	set, err := w.backend.Init(ctx, w.lanes)
	initDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		w.mu.Lock()
		w.initErr = fmt.Errorf("initialize %s backend: %w", w.backend.Name(), err)
		w.mu.Unlock()
		w.transition(model.StateFailed)
		w.logger.Error("backend initialization failed", "backend", w.backend.Name(), "error", err)
		return
	}

	w.mu.Lock()
	w.caps = set
	w.mu.Unlock()
	lanesGauge.Set(float64(w.lanes))
	w.transition(model.StateReady)

	w.logger.Info("worker ready",
		"backend", w.backend.Name(),
		"tasks", set.Names(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (w *Worker) transition(to string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !model.ValidTransition(w.state, to) {
		// Start runs once, so this only fires on a programming error.
		panic(fmt.Sprintf("dispatcher: invalid state transition %s -> %s", w.state, to))
	}
	w.state = to
}

// Serve runs one dispatcher session on conn: it sends the ready signal, then
// handles requests one at a time until the peer closes the channel. A clean
// close returns nil; framing failures and write errors end the session with
// an error.
func (w *Worker) Serve(ctx context.Context, conn io.ReadWriter) error {
	caps := w.Capabilities()
	if w.State() != model.StateReady {
		return ErrNotReady
	}

	s := &session{
		id:      model.NewID(),
		conn:    conn,
		caps:    caps,
		journal: w.journal,
		feed:    w.feed,
	}
	s.logger = w.logger.With("session_id", s.id)

	sessionsActive.Inc()
	defer sessionsActive.Dec()
	if s.feed != nil {
		defer s.feed.Close(s.id)
	}

	return s.run(ctx)
}

// ServeListener accepts connections from l and serves a session on each in its
// own goroutine. It returns when ctx is done or the listener is closed, after
// every session has ended.
func (w *Worker) ServeListener(ctx context.Context, l net.Listener) error {
	if w.State() != model.StateReady {
		return ErrNotReady
	}

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		wg.Go(func() {
			defer conn.Close()
			stopConn := context.AfterFunc(ctx, func() { conn.Close() })
			defer stopConn()

			if err := w.Serve(ctx, conn); err != nil {
				w.logger.Warn("session ended with error", "remote", conn.RemoteAddr().String(), "error", err)
			}
		})
	}
}
