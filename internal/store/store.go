// Package store persists the dispatch journal: one record per request a
// worker handled, with its outcome and timing.
package store

import (
	"context"
	"errors"

	"github.com/seantiz/taskworker/internal/model"
)

// ErrNotFound is returned when a dispatch record does not exist.
var ErrNotFound = errors.New("dispatch not found")

// DispatchStats holds aggregate dispatch statistics.
type DispatchStats struct {
	Total          int            `json:"total"`
	CountByOutcome map[string]int `json:"count_by_outcome"`
	CountByTask    map[string]int `json:"count_by_task"`
	AvgDurationMS  float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for the dispatch journal.
type Store interface {
	RecordDispatch(ctx context.Context, d *model.Dispatch) error
	GetDispatch(ctx context.Context, id string) (*model.Dispatch, error)
	ListDispatches(ctx context.Context, limit, offset int) ([]*model.Dispatch, int, error)
	GetDispatchStats(ctx context.Context) (*DispatchStats, error)
	Close() error
}
