package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Ready is the body of the single readiness frame a worker sends before it
// reads any request.
const Ready = "ready"

var (
	// ErrMissingTaskName is returned by DecodeRequest when the envelope names no task.
	ErrMissingTaskName = errors.New("missing task_name")

	// ErrResultTooLarge is returned by EncodeResult when the encoded result
	// would not fit in a single value frame.
	ErrResultTooLarge = errors.New("result too large for a value frame")
)

var jsonNull = []byte("null")

// Request is the task envelope sent host→worker.
//
// Two shapes are accepted: {"task_name", "data"} where data is a string that
// may itself hold JSON, and {"task_name", "message"} where message is any JSON
// value. When both are present, message wins.
type Request struct {
	TaskName string          `json:"task_name"`
	Data     json.RawMessage `json:"data,omitempty"`
	Message  json.RawMessage `json:"message,omitempty"`
}

// ErrorBody is the body of an error frame.
type ErrorBody struct {
	TaskName string `json:"task_name,omitempty"`
	Error    string `json:"error"`
}

// NewRequest builds a data-string envelope for name. The data value is JSON
// encoded and carried as a string; nil data leaves the field out.
func NewRequest(name string, data any) (Request, error) {
	req := Request{TaskName: name}
	if data == nil {
		return req, nil
	}

	inner, err := json.Marshal(data)
	if err != nil {
		return Request{}, fmt.Errorf("marshal task data: %w", err)
	}
	outer, err := json.Marshal(string(inner))
	if err != nil {
		return Request{}, fmt.Errorf("marshal task data string: %w", err)
	}
	req.Data = outer
	return req, nil
}

// DecodeRequest parses a task frame body.
func DecodeRequest(body []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	if req.TaskName == "" {
		return Request{}, ErrMissingTaskName
	}
	return req, nil
}

// Payload resolves the task input carried by the envelope.
func (r Request) Payload() Payload {
	if present(r.Message) {
		return Structured(r.Message)
	}
	if !present(r.Data) {
		return Payload{}
	}

	trimmed := bytes.TrimSpace(r.Data)
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return TryParse(s)
		}
	}
	// Structured data sent directly instead of as a string.
	return Structured(trimmed)
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, jsonNull)
}

// EncodeResult marshals a task result for a value frame. A json.RawMessage is
// passed through untouched; an empty one becomes null. A result whose frame
// would exceed MaxMessageSize is rejected with ErrResultTooLarge.
func EncodeResult(v any) ([]byte, error) {
	var data []byte
	switch r := v.(type) {
	case json.RawMessage:
		if len(r) == 0 {
			return jsonNull, nil
		}
		if !json.Valid(r) {
			return nil, errors.New("task returned invalid raw JSON")
		}
		data = r
	case nil:
		return jsonNull, nil
	default:
		var err error
		if data, err = marshal(v); err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
	}

	if n := len(data) + 1; n > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes, maximum %d", ErrResultTooLarge, n, MaxMessageSize)
	}
	return data, nil
}

// marshal is json.Marshal without HTML escaping, so <, > and & keep their
// size on the wire.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
