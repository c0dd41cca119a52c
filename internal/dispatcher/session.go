package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/seantiz/taskworker/internal/capability"
	"github.com/seantiz/taskworker/internal/model"
	"github.com/seantiz/taskworker/internal/protocol"
)

// session serves one channel. It is used by a single goroutine.
type session struct {
	id      string
	conn    io.ReadWriter
	caps    *capability.Set
	journal Journal
	feed    Feed
	logger  *slog.Logger
}

func (s *session) run(ctx context.Context) error {
	if err := protocol.WriteMessage(s.conn, protocol.KindReady, protocol.Ready); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}
	s.logger.Debug("session ready")

	for {
		f, err := protocol.ReadFrame(s.conn)
		if err != nil {
			if closedChannel(err) || ctx.Err() != nil {
				s.logger.Debug("session closed")
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}

		if err := s.handle(ctx, f); err != nil {
			return err
		}
	}
}

func closedChannel(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}

// handle processes one frame. Only a failure to write a response is returned;
// everything about the request itself is reported to the peer or the log.
func (s *session) handle(ctx context.Context, f protocol.Frame) error {
	start := time.Now()
	rec := &model.Dispatch{
		ID:        model.NewID(),
		SessionID: s.id,
		CreatedAt: start.UTC(),
	}
	defer func() { s.observe(ctx, rec, start) }()

	if f.Kind != protocol.KindTask {
		rec.Outcome = model.OutcomeMalformed
		rec.Error = fmt.Sprintf("unexpected %s frame", f.Kind)
		return s.writeError("", rec.Error)
	}

	req, err := protocol.DecodeRequest(f.Body)
	if err != nil {
		rec.Outcome = model.OutcomeMalformed
		rec.Error = err.Error()
		return s.writeError("", rec.Error)
	}
	rec.TaskName = req.TaskName

	task, ok := s.caps.Lookup(req.TaskName)
	if !ok {
		rec.Outcome = model.OutcomeUnknown
		s.logger.Error("task not found, is it exported by the computation module?",
			"task", req.TaskName,
			"dispatch_id", rec.ID,
		)
		return nil
	}

	in := req.Payload()
	rec.PayloadKind = in.Kind.String()

	body, err := invoke(ctx, task, in)
	if err != nil {
		rec.Outcome = model.OutcomeError
		rec.Error = err.Error()
		return s.writeError(req.TaskName, rec.Error)
	}

	rec.Outcome = model.OutcomeOK
	if err := protocol.WriteFrame(s.conn, protocol.KindValue, body); err != nil {
		return fmt.Errorf("send result: %w", err)
	}
	return nil
}

// invoke runs task and encodes its result. A panicking task is reported as
// an error.
func invoke(ctx context.Context, task capability.Task, in protocol.Payload) (body []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	out, err := task(ctx, in)
	if err != nil {
		return nil, err
	}
	return protocol.EncodeResult(out)
}

func (s *session) writeError(task, msg string) error {
	body := protocol.ErrorBody{TaskName: task, Error: msg}
	if err := protocol.WriteMessage(s.conn, protocol.KindError, body); err != nil {
		return fmt.Errorf("send error: %w", err)
	}
	return nil
}

func (s *session) observe(ctx context.Context, rec *model.Dispatch, start time.Time) {
	elapsed := time.Since(start)
	rec.DurationMS = int(elapsed.Milliseconds())

	label := unmatched
	if rec.Outcome == model.OutcomeOK || rec.Outcome == model.OutcomeError {
		label = rec.TaskName
	}
	dispatchTotal.WithLabelValues(label, rec.Outcome).Inc()
	dispatchDuration.WithLabelValues(label).Observe(elapsed.Seconds())

	s.logger.Debug("dispatch",
		"dispatch_id", rec.ID,
		"task", rec.TaskName,
		"outcome", rec.Outcome,
		"duration_ms", rec.DurationMS,
	)

	if s.feed != nil {
		s.feed.Publish(s.id, *rec)
	}
	if s.journal == nil {
		return
	}
	if err := s.journal.RecordDispatch(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Error("failed to record dispatch", "dispatch_id", rec.ID, "error", err)
	}
}
