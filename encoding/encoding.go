// Package encoding provides the Marshaler used when caching descriptors and
// resolved locations out of process, and for wire-message payload stubs.
package encoding

import (
	"encoding/json"
)

// Marshaler defines methods to marshal/unmarshal values to/from byte slices.
type Marshaler interface {
	// Marshal encodes any object to a byte slice.
	Marshal(v any) ([]byte, error)
	// Unmarshal decodes data back into the provided object pointer.
	Unmarshal(data []byte, v any) error
}

// DefaultMarshaler is the package-wide default marshaler using JSON encoding.
var DefaultMarshaler = NewMarshaler()

type defaultMarshaler struct{}

// NewMarshaler returns a Marshaler implemented with the standard library JSON package.
// JSON is chosen as default for its streaming capabilities useful for large value payloads.
func NewMarshaler() Marshaler {
	return &defaultMarshaler{}
}

// Marshal encodes any object to a byte slice.
func (m defaultMarshaler) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes a byte slice back to its object type.
func (m defaultMarshaler) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Marshal is a generic helper that marshals values and passes through byte slices without copying.
func Marshal[T any](v T) ([]byte, error) {
	switch any(v).(type) {
	case []byte:
		var intf interface{} = v
		return intf.([]byte), nil
	}
	return DefaultMarshaler.Marshal(v)
}

// Unmarshal is a generic helper that unmarshals data into a value, passing through byte slices.
func Unmarshal[T any](data []byte, v *T) error {
	switch any(v).(type) {
	case *[]byte:
		var intf interface{} = v
		ba := intf.(*[]byte)
		*ba = data
		return nil
	}
	return DefaultMarshaler.Unmarshal(data, v)
}
