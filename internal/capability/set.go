package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/seantiz/taskworker/internal/protocol"
)

// Task is one exported capability. It takes the resolved request payload and
// returns a value that is JSON encoded into the result frame.
type Task func(ctx context.Context, in protocol.Payload) (any, error)

var (
	// ErrInvalidName is returned when a task name is empty or contains whitespace.
	ErrInvalidName = errors.New("invalid task name")
	// ErrDuplicate is returned when two tasks share a name.
	ErrDuplicate = errors.New("duplicate task name")
)

// Set is an immutable name→task mapping. A nil *Set is an empty set.
type Set struct {
	tasks map[string]Task
	names []string
}

// Lookup returns the task registered under name.
func (s *Set) Lookup(name string) (Task, bool) {
	if s == nil {
		return nil, false
	}
	t, ok := s.tasks[name]
	return t, ok
}

// Names returns the task names in sorted order. The slice is a copy.
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.names...)
}

// Len reports how many tasks the set holds.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.tasks)
}

// Builder collects tasks and validates them into a Set. It is not safe for
// concurrent use.
type Builder struct {
	tasks map[string]Task
	errs  []error
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{tasks: make(map[string]Task)}
}

// Add registers a task under name. Validation errors are collected and
// reported by Build.
func (b *Builder) Add(name string, t Task) *Builder {
	switch {
	case !validName(name):
		b.errs = append(b.errs, fmt.Errorf("%w: %q", ErrInvalidName, name))
	case t == nil:
		b.errs = append(b.errs, fmt.Errorf("task %q: nil function", name))
	default:
		if _, ok := b.tasks[name]; ok {
			b.errs = append(b.errs, fmt.Errorf("%w: %q", ErrDuplicate, name))
			return b
		}
		b.tasks[name] = t
	}
	return b
}

// Build validates the collected tasks and freezes them into a Set. The
// builder must not be reused afterward.
func (b *Builder) Build() (*Set, error) {
	if err := errors.Join(b.errs...); err != nil {
		return nil, fmt.Errorf("build capability set: %w", err)
	}

	names := make([]string, 0, len(b.tasks))
	for name := range b.tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	s := &Set{tasks: b.tasks, names: names}
	b.tasks = nil
	return s, nil
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	return !strings.ContainsFunc(name, unicode.IsSpace)
}
