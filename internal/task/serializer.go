package task

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"strings"
)

// Format selects the wire encoding for messages exchanged between clients,
// the coordinator and executors.
//
// FormatGob decodes into arbitrary registered Go types and must only be used
// between trusted peers; components log a warning at startup when it is
// selected. FormatJSON is the safe default.
type Format string

const (
	FormatJSON Format = "json"
	FormatGob  Format = "gob"
)

// ParseFormat parses a format name from configuration. The empty string
// resolves to JSON; unknown names are rejected rather than silently
// downgraded.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "json":
		return FormatJSON, nil
	case "gob":
		return FormatGob, nil
	default:
		return "", fmt.Errorf("unsupported serialization format %q", s)
	}
}

// ContentType returns the MIME type advertised for bodies in this format.
func (f Format) ContentType() string {
	if f == FormatGob {
		return "application/x-gob"
	}
	return "application/json"
}

// FormatForContentType maps a request Content-Type back to a Format.
// Unknown content types decode as JSON, matching the default.
func FormatForContentType(ct string) Format {
	if strings.HasPrefix(ct, "application/x-gob") {
		return FormatGob
	}
	return FormatJSON
}

func init() {
	// Payload values round-trip through interface{} fields, so the concrete
	// types that can appear there must be known to gob up front.
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register(float64(0))
	gob.Register(int(0))
	gob.Register(int64(0))
	gob.Register("")
	gob.Register(false)
}

// Marshal encodes v in the given format.
func Marshal(v any, f Format) ([]byte, error) {
	switch f {
	case FormatGob:
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(v); err != nil {
			return nil, fmt.Errorf("gob encode: %w", err)
		}
		return buf.Bytes(), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("json encode: %w", err)
		}
		return data, nil
	}
}

// Unmarshal decodes data in the given format into v.
func Unmarshal(data []byte, f Format, v any) error {
	switch f {
	case FormatGob:
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
			return fmt.Errorf("gob decode: %w", err)
		}
		return nil
	default:
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("json decode: %w", err)
		}
		return nil
	}
}
