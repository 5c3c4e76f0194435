// Package codec provides the deterministic binary encoding used for
// every structure that is content addressed (data maps, graph entries,
// cache records). Determinism matters: the address of an encoded
// structure must be stable across processes and versions, so the
// encoder uses CBOR Core Deterministic Encoding (RFC 8949 §4.2).
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: encoder init failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Unknown fields are ignored so older readers accept records
		// written by newer versions.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: decoder init failed: " + err.Error())
	}
}

// Marshal encodes v deterministically. Same logical value, same bytes.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
