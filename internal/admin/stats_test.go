package admin

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/taskworker/internal/model"
)

func TestGetStatsWithoutJournal(t *testing.T) {
	srv := NewServer(":0", newReadyWorker(t), nil, nil, slog.New(slog.DiscardHandler))
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var stats statsResponse
	if status := getJSON(t, ts.URL+"/v1/stats", &stats); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}

	if stats.Backend != "builtin" || stats.State != model.StateReady {
		t.Errorf("backend/state = %q/%q, want builtin/ready", stats.Backend, stats.State)
	}
	if stats.Lanes != 2 {
		t.Errorf("lanes = %d, want 2", stats.Lanes)
	}
	if stats.Tasks != 2 {
		t.Errorf("tasks = %d, want 2", stats.Tasks)
	}
	if stats.Journal != nil {
		t.Errorf("journal = %+v, want nil", stats.Journal)
	}
}

func TestGetStatsPopulated(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	for i, outcome := range []string{model.OutcomeOK, model.OutcomeOK, model.OutcomeError} {
		d := &model.Dispatch{
			ID:          model.NewID(),
			SessionID:   "s1",
			TaskName:    "echo",
			PayloadKind: "structured",
			Outcome:     outcome,
			DurationMS:  (i + 1) * 10,
			CreatedAt:   time.Now().UTC(),
		}
		if err := srv.journal.RecordDispatch(ctx, d); err != nil {
			t.Fatalf("RecordDispatch: %v", err)
		}
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var stats statsResponse
	if status := getJSON(t, ts.URL+"/v1/stats", &stats); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}

	if stats.Journal == nil {
		t.Fatal("journal stats missing")
	}
	if stats.Journal.Total != 3 {
		t.Errorf("total = %d, want 3", stats.Journal.Total)
	}
	if stats.Journal.CountByOutcome[model.OutcomeOK] != 2 {
		t.Errorf("ok = %d, want 2", stats.Journal.CountByOutcome[model.OutcomeOK])
	}
	if stats.Journal.CountByTask["echo"] != 3 {
		t.Errorf("echo = %d, want 3", stats.Journal.CountByTask["echo"])
	}
	if stats.Journal.AvgDurationMS != 20 {
		t.Errorf("avg_duration_ms = %f, want 20", stats.Journal.AvgDurationMS)
	}
}
