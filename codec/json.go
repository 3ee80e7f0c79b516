package codec

import "encoding/json"

// JSON is the default codec. Stored bytes are plain JSON documents, which
// also lets the sync layer embed them into response frames unchanged.
type JSON struct{}

func (JSON) Encode(v any) ([]byte, error) { return json.Marshal(v) }
func (JSON) Decode(b []byte, v any) error { return json.Unmarshal(b, v) }
