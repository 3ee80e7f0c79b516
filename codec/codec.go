// Package codec provides the payload serialization used by the element
// cache. Element payloads are schemaless domain objects; a Codec turns them
// into the opaque bytes the providers store and back.
package codec

// Codec encodes/decodes element payloads to []byte for storage.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(b []byte, v any) error
}
