package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// PayloadKind tags which variant a Payload holds.
type PayloadKind int

const (
	// PayloadEmpty means the request carried no input.
	PayloadEmpty PayloadKind = iota
	// PayloadStructured means the input is valid JSON.
	PayloadStructured
	// PayloadRaw means the input was not valid JSON and is kept verbatim.
	PayloadRaw
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadEmpty:
		return "empty"
	case PayloadStructured:
		return "structured"
	case PayloadRaw:
		return "raw"
	default:
		return fmt.Sprintf("PayloadKind(%d)", int(k))
	}
}

// Payload is the input handed to a task: either decoded JSON or the raw
// string it was sent as.
type Payload struct {
	Kind PayloadKind
	JSON json.RawMessage
	Raw  string
}

// Structured wraps an already valid JSON value. Surrounding whitespace is
// dropped.
func Structured(v json.RawMessage) Payload {
	return Payload{Kind: PayloadStructured, JSON: append(json.RawMessage(nil), bytes.TrimSpace(v)...)}
}

// Raw wraps an opaque string.
func Raw(s string) Payload {
	return Payload{Kind: PayloadRaw, Raw: s}
}

// TryParse decodes s as JSON on a best-effort basis. Input that is not valid
// JSON comes back as a raw payload; that fallback is not an error.
func TryParse(s string) Payload {
	if json.Valid([]byte(s)) {
		return Structured(json.RawMessage(s))
	}
	return Raw(s)
}

// Value returns the payload as a JSON value. Raw payloads become JSON strings
// and an empty payload becomes null.
func (p Payload) Value() json.RawMessage {
	switch p.Kind {
	case PayloadStructured:
		return p.JSON
	case PayloadRaw:
		b, _ := marshal(p.Raw)
		return b
	default:
		return json.RawMessage(jsonNull)
	}
}

// Bytes returns the payload as sent: the JSON text for structured input, the
// raw string otherwise, nil when empty.
func (p Payload) Bytes() []byte {
	switch p.Kind {
	case PayloadStructured:
		return p.JSON
	case PayloadRaw:
		return []byte(p.Raw)
	default:
		return nil
	}
}

// Decode unmarshals the payload into v through its JSON value, so a raw
// payload decodes into a string.
func (p Payload) Decode(v any) error {
	if err := json.Unmarshal(p.Value(), v); err != nil {
		return fmt.Errorf("decode %s payload: %w", p.Kind, err)
	}
	return nil
}
