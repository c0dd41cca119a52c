package backend

import (
	"context"
	"log/slog"
	"runtime"

	"github.com/seantiz/taskworker/internal/capability"
)

// Backend is the interface every computation module must implement.
type Backend interface {
	// Name identifies the backend in logs and the admin API.
	Name() string

	// Init loads the module and provisions lanes parallel execution lanes.
	// It is called exactly once per worker; the returned set is never mutated.
	Init(ctx context.Context, lanes int) (*capability.Set, error)

	// Close releases everything Init acquired.
	Close(ctx context.Context) error
}

// Config carries the settings a factory may need to construct a backend.
type Config struct {
	// ModulePath is the compiled module to load, for backends that load one.
	ModulePath string
	// Logger receives backend diagnostics. Nil discards them.
	Logger *slog.Logger
}

// Factory constructs a backend from configuration.
type Factory func(cfg Config) (Backend, error)

// DefaultLanes sizes the lane count to the host's available concurrency.
func DefaultLanes() int {
	return runtime.NumCPU()
}
