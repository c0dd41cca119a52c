package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxMessageSize is the maximum allowed frame body, kind byte included (16 MiB).
const MaxMessageSize = 16 << 20

// Kind identifies what a frame carries.
type Kind byte

// Frame kinds. Ready, Value and Error flow worker→host; Task flows host→worker.
const (
	KindReady Kind = 'K'
	KindTask  Kind = 'T'
	KindValue Kind = 'V'
	KindError Kind = 'E'
)

func (k Kind) String() string {
	switch k {
	case KindReady:
		return "ready"
	case KindTask:
		return "task"
	case KindValue:
		return "value"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%#x)", byte(k))
	}
}

// ErrEmptyFrame is returned when a frame declares a zero length and so has no
// room for its kind byte.
var ErrEmptyFrame = errors.New("empty frame")

// Frame is one decoded message from the channel.
type Frame struct {
	Kind Kind
	Body []byte
}

// Decode unmarshals the frame body into v.
func (f Frame) Decode(v any) error {
	if err := json.Unmarshal(f.Body, v); err != nil {
		return fmt.Errorf("unmarshal %s frame: %w", f.Kind, err)
	}
	return nil
}

// WriteFrame writes a single frame to w. The frame format is a 4-byte
// big-endian length prefix, then the kind byte, then body. The whole frame
// goes out in one Write so concurrent writers never interleave partial frames.
func WriteFrame(w io.Writer, kind Kind, body []byte) error {
	n := len(body) + 1
	if n > MaxMessageSize {
		return fmt.Errorf("frame size %d exceeds maximum %d", n, MaxMessageSize)
	}

	buf := make([]byte, 4+n)
	binary.BigEndian.PutUint32(buf[:4], uint32(n))
	buf[4] = byte(kind)
	copy(buf[5:], body)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// WriteMessage marshals v as JSON and writes it as a frame of the given kind.
func WriteMessage(w io.Writer, kind Kind, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return WriteFrame(w, kind, data)
}

// ReadFrame reads one frame from r. A clean end of stream before the length
// prefix is reported as an error wrapping io.EOF.
func ReadFrame(r io.Reader) (Frame, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return Frame{}, fmt.Errorf("read length prefix: %w", err)
	}

	if length == 0 {
		return Frame{}, ErrEmptyFrame
	}
	if length > MaxMessageSize {
		return Frame{}, fmt.Errorf("frame size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return Frame{}, fmt.Errorf("read payload: %w", err)
	}

	return Frame{Kind: Kind(data[0]), Body: data[1:]}, nil
}
