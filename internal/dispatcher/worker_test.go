package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seantiz/taskworker/internal/capability"
	"github.com/seantiz/taskworker/internal/feed"
	"github.com/seantiz/taskworker/internal/model"
	"github.com/seantiz/taskworker/internal/protocol"
	"github.com/seantiz/taskworker/internal/transport"
)

const frameTimeout = 2 * time.Second

// stubBackend exports echo, fail, boom and oversize, and counts Init calls.
type stubBackend struct {
	initErr   error
	initCalls atomic.Int32
	lanes     atomic.Int32
}

func (s *stubBackend) Name() string { return "stub" }

func (s *stubBackend) Init(_ context.Context, lanes int) (*capability.Set, error) {
	s.initCalls.Add(1)
	s.lanes.Store(int32(lanes))
	if s.initErr != nil {
		return nil, s.initErr
	}
	return capability.NewBuilder().
		Add("echo", func(_ context.Context, in protocol.Payload) (any, error) {
			return in.Value(), nil
		}).
		Add("fail", func(context.Context, protocol.Payload) (any, error) {
			return nil, errors.New("deliberate failure")
		}).
		Add("boom", func(context.Context, protocol.Payload) (any, error) {
			panic("kaboom")
		}).
		Add("oversize", func(context.Context, protocol.Payload) (any, error) {
			return strings.Repeat("x", protocol.MaxMessageSize), nil
		}).
		Build()
}

func (s *stubBackend) Close(_ context.Context) error { return nil }

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// errorEntries returns the decoded log entries at ERROR level.
func (lb *lockedBuffer) errorEntries(t *testing.T) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(lb.String()), "\n") {
		if line == "" {
			continue
		}
		var e map[string]any
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("log line is not JSON: %v: %s", err, line)
		}
		if e["level"] == "ERROR" {
			entries = append(entries, e)
		}
	}
	return entries
}

type recordingJournal struct {
	mu      sync.Mutex
	records []model.Dispatch
}

func (j *recordingJournal) RecordDispatch(_ context.Context, d *model.Dispatch) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, *d)
	return nil
}

func (j *recordingJournal) outcomes() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.records))
	for i, r := range j.records {
		out[i] = r.Outcome
	}
	return out
}

func newReadyWorker(t *testing.T, opts ...Option) *Worker {
	t.Helper()
	w := New(&stubBackend{}, opts...)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return w
}

// startSession serves w over a pipe and returns the client end and a channel
// carrying Serve's result.
func startSession(t *testing.T, w *Worker) (net.Conn, <-chan error) {
	t.Helper()
	server, client := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- w.Serve(context.Background(), server)
		server.Close()
	}()
	t.Cleanup(func() { client.Close() })
	return client, done
}

func readFrame(t *testing.T, c net.Conn) protocol.Frame {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(frameTimeout))
	f, err := protocol.ReadFrame(c)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	return f
}

func sendBody(t *testing.T, c net.Conn, body string) {
	t.Helper()
	c.SetWriteDeadline(time.Now().Add(frameTimeout))
	if err := protocol.WriteFrame(c, protocol.KindTask, []byte(body)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
}

func expectReady(t *testing.T, c net.Conn) {
	t.Helper()
	f := readFrame(t, c)
	if f.Kind != protocol.KindReady {
		t.Fatalf("first frame kind = %v, want ready", f.Kind)
	}
	var body string
	if err := f.Decode(&body); err != nil || body != protocol.Ready {
		t.Fatalf("ready body = %q (err %v), want %q", body, err, protocol.Ready)
	}
}

func expectValue(t *testing.T, c net.Conn, want string) {
	t.Helper()
	f := readFrame(t, c)
	if f.Kind != protocol.KindValue {
		t.Fatalf("frame kind = %v (body %s), want value", f.Kind, f.Body)
	}
	if string(f.Body) != want {
		t.Errorf("value = %s, want %s", f.Body, want)
	}
}

func expectError(t *testing.T, c net.Conn) protocol.ErrorBody {
	t.Helper()
	f := readFrame(t, c)
	if f.Kind != protocol.KindError {
		t.Fatalf("frame kind = %v (body %s), want error", f.Kind, f.Body)
	}
	var body protocol.ErrorBody
	if err := f.Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func closeAndWait(t *testing.T, c net.Conn, done <-chan error) {
	t.Helper()
	c.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v, want nil after client close", err)
		}
	case <-time.After(frameTimeout):
		t.Fatal("Serve did not return after client close")
	}
}

func TestReadyIsFirstFrame(t *testing.T) {
	c, done := startSession(t, newReadyWorker(t))
	expectReady(t, c)
	closeAndWait(t, c, done)
}

func TestEchoRoundTrip(t *testing.T) {
	c, done := startSession(t, newReadyWorker(t))
	expectReady(t, c)

	sendBody(t, c, `{"task_name":"echo","data":"{\"n\":[1,2,3]}"}`)
	expectValue(t, c, `{"n":[1,2,3]}`)

	closeAndWait(t, c, done)
}

func TestRawPayloadFallback(t *testing.T) {
	c, done := startSession(t, newReadyWorker(t))
	expectReady(t, c)

	sendBody(t, c, `{"task_name":"echo","data":"hello"}`)
	expectValue(t, c, `"hello"`)

	closeAndWait(t, c, done)
}

func TestMessageVariant(t *testing.T) {
	c, done := startSession(t, newReadyWorker(t))
	expectReady(t, c)

	sendBody(t, c, `{"task_name":"echo","message":{"x":1}}`)
	expectValue(t, c, `{"x":1}`)

	closeAndWait(t, c, done)
}

func TestUnknownTaskIsDroppedAndLogged(t *testing.T) {
	logs := &lockedBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c, done := startSession(t, newReadyWorker(t, WithLogger(logger)))
	expectReady(t, c)

	sendBody(t, c, `{"task_name":"doesNotExist","data":"{}"}`)
	// The next frame must answer the following request, proving nothing was
	// written for the unknown task.
	sendBody(t, c, `{"task_name":"echo","data":"1"}`)
	expectValue(t, c, `1`)

	closeAndWait(t, c, done)

	entries := logs.errorEntries(t)
	if len(entries) != 1 {
		t.Fatalf("got %d error log entries, want 1: %s", len(entries), logs.String())
	}
	if entries[0]["task"] != "doesNotExist" {
		t.Errorf("logged task = %v, want doesNotExist", entries[0]["task"])
	}
	if msg, _ := entries[0]["msg"].(string); !strings.Contains(msg, "exported") {
		t.Errorf("log msg = %q, want a hint about exports", msg)
	}
}

func TestSingleReadyPerSession(t *testing.T) {
	c, done := startSession(t, newReadyWorker(t))
	expectReady(t, c)

	for range 5 {
		sendBody(t, c, `{"task_name":"echo","data":"\"x\""}`)
		f := readFrame(t, c)
		if f.Kind == protocol.KindReady {
			t.Fatal("received a second ready frame")
		}
	}

	closeAndWait(t, c, done)
}

func TestRepeatedRequestsAreIdentical(t *testing.T) {
	w := newReadyWorker(t)
	before := w.Capabilities().Names()

	c, done := startSession(t, w)
	expectReady(t, c)

	var first []byte
	for i := range 10 {
		sendBody(t, c, `{"task_name":"echo","data":"[true,null,\"s\"]"}`)
		f := readFrame(t, c)
		if i == 0 {
			first = f.Body
			continue
		}
		if !bytes.Equal(f.Body, first) {
			t.Fatalf("request %d returned %s, want %s", i, f.Body, first)
		}
	}
	closeAndWait(t, c, done)

	after := w.Capabilities().Names()
	if strings.Join(before, ",") != strings.Join(after, ",") {
		t.Errorf("capability set changed: %v -> %v", before, after)
	}
}

func TestTaskErrorReportedAsErrorFrame(t *testing.T) {
	c, done := startSession(t, newReadyWorker(t))
	expectReady(t, c)

	sendBody(t, c, `{"task_name":"fail"}`)
	body := expectError(t, c)
	if body.TaskName != "fail" {
		t.Errorf("TaskName = %q, want fail", body.TaskName)
	}
	if !strings.Contains(body.Error, "deliberate failure") {
		t.Errorf("Error = %q, want to contain 'deliberate failure'", body.Error)
	}

	// Session survives.
	sendBody(t, c, `{"task_name":"echo","data":"2"}`)
	expectValue(t, c, `2`)
	closeAndWait(t, c, done)
}

func TestPanickingTaskReported(t *testing.T) {
	c, done := startSession(t, newReadyWorker(t))
	expectReady(t, c)

	sendBody(t, c, `{"task_name":"boom"}`)
	body := expectError(t, c)
	if !strings.Contains(body.Error, "kaboom") {
		t.Errorf("Error = %q, want to contain 'kaboom'", body.Error)
	}

	sendBody(t, c, `{"task_name":"echo","data":"3"}`)
	expectValue(t, c, `3`)
	closeAndWait(t, c, done)
}

func TestOversizedResultReportedAsErrorFrame(t *testing.T) {
	c, done := startSession(t, newReadyWorker(t))
	expectReady(t, c)

	sendBody(t, c, `{"task_name":"oversize"}`)
	body := expectError(t, c)
	if body.TaskName != "oversize" {
		t.Errorf("TaskName = %q, want oversize", body.TaskName)
	}
	if !strings.Contains(body.Error, protocol.ErrResultTooLarge.Error()) {
		t.Errorf("Error = %q, want to mention %q", body.Error, protocol.ErrResultTooLarge)
	}

	sendBody(t, c, `{"task_name":"echo","data":"4"}`)
	expectValue(t, c, `4`)
	closeAndWait(t, c, done)
}

func TestEchoHTMLCharactersKeepSize(t *testing.T) {
	c, done := startSession(t, newReadyWorker(t))
	expectReady(t, c)

	// Escaped as \u003c this would be six times larger than the request.
	data := strings.Repeat("<", 3<<20)
	sendBody(t, c, `{"task_name":"echo","data":"`+data+`"}`)

	f := readFrame(t, c)
	if f.Kind != protocol.KindValue {
		t.Fatalf("frame kind = %v, want value", f.Kind)
	}
	if len(f.Body) != len(data)+2 {
		t.Errorf("value length = %d, want %d", len(f.Body), len(data)+2)
	}
	closeAndWait(t, c, done)
}

func TestMalformedEnvelope(t *testing.T) {
	c, done := startSession(t, newReadyWorker(t))
	expectReady(t, c)

	sendBody(t, c, `{not json`)
	expectError(t, c)

	sendBody(t, c, `{"data":"1"}`)
	body := expectError(t, c)
	if !strings.Contains(body.Error, "task_name") {
		t.Errorf("Error = %q, want to mention task_name", body.Error)
	}

	sendBody(t, c, `{"task_name":"echo","data":"4"}`)
	expectValue(t, c, `4`)
	closeAndWait(t, c, done)
}

func TestUnexpectedFrameKind(t *testing.T) {
	c, done := startSession(t, newReadyWorker(t))
	expectReady(t, c)

	c.SetWriteDeadline(time.Now().Add(frameTimeout))
	if err := protocol.WriteFrame(c, protocol.KindValue, []byte(`1`)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	body := expectError(t, c)
	if !strings.Contains(body.Error, "unexpected value frame") {
		t.Errorf("Error = %q, want 'unexpected value frame'", body.Error)
	}
	closeAndWait(t, c, done)
}

func TestTruncatedFrameEndsSessionWithError(t *testing.T) {
	c, done := startSession(t, newReadyWorker(t))
	expectReady(t, c)

	c.Write([]byte{0x00, 0x00, 0x00, 0x10, 'T'})
	c.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Serve returned nil, want error for truncated frame")
		}
	case <-time.After(frameTimeout):
		t.Fatal("Serve did not return")
	}
}

func TestServeBeforeStart(t *testing.T) {
	w := New(&stubBackend{})
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	if err := w.Serve(context.Background(), server); !errors.Is(err, ErrNotReady) {
		t.Errorf("Serve before Start = %v, want ErrNotReady", err)
	}
	if w.State() != model.StateUninitialized {
		t.Errorf("State = %q, want %q", w.State(), model.StateUninitialized)
	}
}

func TestStartFailureIsFinal(t *testing.T) {
	initErr := errors.New("module missing")
	b := &stubBackend{initErr: initErr}
	w := New(b)

	err := w.Start(context.Background())
	if !errors.Is(err, initErr) {
		t.Fatalf("Start = %v, want wrapping %v", err, initErr)
	}
	if err2 := w.Start(context.Background()); !errors.Is(err2, initErr) {
		t.Errorf("second Start = %v, want the first error", err2)
	}
	if n := b.initCalls.Load(); n != 1 {
		t.Errorf("Init called %d times, want 1", n)
	}
	if w.State() != model.StateFailed {
		t.Errorf("State = %q, want %q", w.State(), model.StateFailed)
	}

	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()
	if err := w.Serve(context.Background(), server); !errors.Is(err, ErrNotReady) {
		t.Errorf("Serve after failed Start = %v, want ErrNotReady", err)
	}
}

func TestConcurrentStartInitializesOnce(t *testing.T) {
	b := &stubBackend{}
	w := New(b, WithLanes(3))

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			if err := w.Start(context.Background()); err != nil {
				t.Errorf("Start: %v", err)
			}
		})
	}
	wg.Wait()

	if n := b.initCalls.Load(); n != 1 {
		t.Errorf("Init called %d times, want 1", n)
	}
	if n := b.lanes.Load(); n != 3 {
		t.Errorf("backend saw %d lanes, want 3", n)
	}
	if w.State() != model.StateReady {
		t.Errorf("State = %q, want %q", w.State(), model.StateReady)
	}
	select {
	case <-w.Initialized():
	default:
		t.Error("Initialized channel not closed after Start")
	}
}

func TestWithLanesIgnoresNonPositive(t *testing.T) {
	w := New(&stubBackend{}, WithLanes(0))
	if w.Lanes() < 1 {
		t.Errorf("Lanes() = %d, want default >= 1", w.Lanes())
	}
}

func TestJournalRecordsDispatches(t *testing.T) {
	j := &recordingJournal{}
	c, done := startSession(t, newReadyWorker(t, WithJournal(j)))
	expectReady(t, c)

	sendBody(t, c, `{"task_name":"echo","data":"hello"}`)
	readFrame(t, c)
	sendBody(t, c, `{"task_name":"nope"}`)
	sendBody(t, c, `{"task_name":"fail"}`)
	readFrame(t, c)
	sendBody(t, c, `garbage`)
	readFrame(t, c)

	closeAndWait(t, c, done)

	want := []string{model.OutcomeOK, model.OutcomeUnknown, model.OutcomeError, model.OutcomeMalformed}
	got := j.outcomes()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("outcomes = %v, want %v", got, want)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	first := j.records[0]
	if first.TaskName != "echo" || first.PayloadKind != "raw" || first.SessionID == "" || first.ID == "" {
		t.Errorf("first record = %+v, want echo/raw with ids", first)
	}
	if j.records[0].SessionID != j.records[3].SessionID {
		t.Error("records from one session carry different session ids")
	}
}

func TestServeListenerStdio(t *testing.T) {
	w := newReadyWorker(t)
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	l := transport.NewStdioListener(inR, outW)

	served := make(chan error, 1)
	go func() { served <- w.ServeListener(context.Background(), l) }()

	f, err := protocol.ReadFrame(outR)
	if err != nil || f.Kind != protocol.KindReady {
		t.Fatalf("first frame = %v, %v; want ready", f.Kind, err)
	}

	if err := protocol.WriteFrame(inW, protocol.KindTask, []byte(`{"task_name":"echo","data":"5"}`)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	f, err = protocol.ReadFrame(outR)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Kind != protocol.KindValue || string(f.Body) != "5" {
		t.Errorf("result = %v %s, want value 5", f.Kind, f.Body)
	}

	inW.Close()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("ServeListener = %v, want nil once stdin closes", err)
		}
	case <-time.After(frameTimeout):
		t.Fatal("ServeListener did not return after stdin closed")
	}
}

func TestServeListenerStopsOnCancel(t *testing.T) {
	w := newReadyWorker(t)
	path := filepath.Join(t.TempDir(), "worker.sock")
	l, err := transport.Listen(context.Background(), transport.NetworkUnix, path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- w.ServeListener(ctx, l) }()

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(frameTimeout))
	if f, err := protocol.ReadFrame(conn); err != nil || f.Kind != protocol.KindReady {
		t.Fatalf("first frame = %v, %v; want ready", f.Kind, err)
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("ServeListener = %v, want nil on cancel", err)
		}
	case <-time.After(frameTimeout):
		t.Fatal("ServeListener did not return after cancel")
	}
}

func TestServeListenerBeforeStart(t *testing.T) {
	w := New(&stubBackend{})
	inR, _ := io.Pipe()
	_, outW := io.Pipe()
	if err := w.ServeListener(context.Background(), transport.NewStdioListener(inR, outW)); !errors.Is(err, ErrNotReady) {
		t.Errorf("ServeListener before Start = %v, want ErrNotReady", err)
	}
}

func TestFeedReceivesDispatches(t *testing.T) {
	b := feed.NewBroker()
	all, unsub := b.Subscribe(feed.All)
	defer unsub()

	c, done := startSession(t, newReadyWorker(t, WithFeed(b)))
	expectReady(t, c)

	sendBody(t, c, `{"task_name":"echo","data":"1"}`)
	expectValue(t, c, `1`)
	sendBody(t, c, `{"task_name":"fail"}`)
	expectError(t, c)
	closeAndWait(t, c, done)

	var outcomes []string
	for range 2 {
		select {
		case d := <-all:
			outcomes = append(outcomes, d.Outcome)
		case <-time.After(frameTimeout):
			t.Fatal("dispatch record not published")
		}
	}
	if strings.Join(outcomes, ",") != model.OutcomeOK+","+model.OutcomeError {
		t.Errorf("outcomes = %v, want [ok error]", outcomes)
	}
}

func TestFeedClosesSessionTopic(t *testing.T) {
	b := feed.NewBroker()
	w := newReadyWorker(t, WithFeed(b))

	c, done := startSession(t, w)
	expectReady(t, c)
	sendBody(t, c, `{"task_name":"echo","data":"1"}`)
	expectValue(t, c, `1`)
	closeAndWait(t, c, done)

	// The session id is only known from the published record.
	all, unsub := b.Subscribe(feed.All)
	defer unsub()
	c2, done2 := startSession(t, w)
	expectReady(t, c2)
	sendBody(t, c2, `{"task_name":"echo","data":"2"}`)
	expectValue(t, c2, `2`)
	closeAndWait(t, c2, done2)

	var d model.Dispatch
	select {
	case d = <-all:
	case <-time.After(frameTimeout):
		t.Fatal("dispatch record not published")
	}

	ch, unsub2 := b.Subscribe(d.SessionID)
	defer unsub2()
	if _, ok := <-ch; ok {
		t.Error("session topic still open after the session ended")
	}
}
