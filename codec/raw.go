package codec

import (
	"encoding/json"
	"fmt"
)

// Raw is an identity codec for domains that hand the cache already
// serialized payloads. Encode accepts []byte or json.RawMessage; Decode
// fills *[]byte or *json.RawMessage with a copy of the stored bytes.
type Raw struct{}

func (Raw) Encode(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	default:
		return nil, fmt.Errorf("raw codec: unsupported type %T", v)
	}
}

func (Raw) Decode(b []byte, v any) error {
	switch out := v.(type) {
	case *[]byte:
		*out = append([]byte(nil), b...)
	case *json.RawMessage:
		*out = append(json.RawMessage(nil), b...)
	default:
		return fmt.Errorf("raw codec: unsupported target %T", v)
	}
	return nil
}
