// Package builtin provides a computation module implemented in Go. It needs no
// compiled artifact and is the default backend for the worker binary.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/seantiz/taskworker/internal/backend"
	"github.com/seantiz/taskworker/internal/capability"
	"github.com/seantiz/taskworker/internal/model"
	"github.com/seantiz/taskworker/internal/protocol"
)

// maxFactorial is the largest n whose factorial fits in an int64.
const maxFactorial = 20

// ErrOutOfRange is returned when a numeric input falls outside what a task accepts.
var ErrOutOfRange = errors.New("input out of range")

// Compile-time interface satisfaction check.
var _ backend.Backend = (*Backend)(nil)

// Backend exports a fixed set of Go tasks.
type Backend struct{}

// New creates the builtin backend.
func New() *Backend {
	return &Backend{}
}

// Factory adapts New to backend.Factory.
func Factory(_ backend.Config) (backend.Backend, error) {
	return New(), nil
}

// Name returns the backend kind.
func (b *Backend) Name() string { return model.BackendBuiltin }

// Init builds the capability set. Lanes are ignored: every task runs on the
// calling goroutine.
func (b *Backend) Init(_ context.Context, _ int) (*capability.Set, error) {
	return capability.NewBuilder().
		Add("echo", echo).
		Add("factorial", factorial).
		Add("sum", sum).
		Add("upper", upper).
		Build()
}

// Close is a no-op.
func (b *Backend) Close(_ context.Context) error { return nil }

// echo returns its input unchanged.
func echo(_ context.Context, in protocol.Payload) (any, error) {
	return in.Value(), nil
}

func factorial(_ context.Context, in protocol.Payload) (any, error) {
	var n int64
	if err := in.Decode(&n); err != nil {
		return nil, err
	}
	if n < 0 || n > maxFactorial {
		return nil, fmt.Errorf("factorial(%d): %w: must be within [0, %d]", n, ErrOutOfRange, maxFactorial)
	}
	return f(n), nil
}

func f(n int64) int64 {
	if n == 0 {
		return 1
	}
	return n * f(n-1)
}

func sum(_ context.Context, in protocol.Payload) (any, error) {
	var nums []float64
	if err := in.Decode(&nums); err != nil {
		return nil, err
	}
	var total float64
	for _, n := range nums {
		total += n
	}
	return total, nil
}

func upper(_ context.Context, in protocol.Payload) (any, error) {
	var s string
	if err := in.Decode(&s); err != nil {
		return nil, err
	}
	return strings.ToUpper(s), nil
}
