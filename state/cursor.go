package state

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Cursor positions are opaque JSON on the wire but stored as CBOR, which is roughly half
// the size for the small numeric objects editors send ({"x":..,"y":..}, offsets).
var cursorDecMode cbor.DecMode

func init() {
	var err error
	cursorDecMode, err = cbor.DecOptions{
		// JSON only has string keys; without this CBOR maps decode as map[interface{}]interface{}
		// which encoding/json refuses to marshal.
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// EncodeCursor converts an opaque JSON cursor into its stored CBOR form. A nil cursor
// encodes to nil (SQL NULL).
func EncodeCursor(cursor json.RawMessage) ([]byte, error) {
	if cursor == nil {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal(cursor, &v); err != nil {
		return nil, fmt.Errorf("cursor is not valid JSON: %w", err)
	}
	b, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cursor as CBOR: %w", err)
	}
	return b, nil
}

// DecodeCursor is the inverse of EncodeCursor.
func DecodeCursor(stored []byte) (json.RawMessage, error) {
	if stored == nil {
		return nil, nil
	}
	var v interface{}
	if err := cursorDecMode.Unmarshal(stored, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal CBOR cursor: %w", err)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cursor as JSON: %w", err)
	}
	return b, nil
}
