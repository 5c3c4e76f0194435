package model

import (
	"errors"
	"fmt"
)

// RecordKind is the one-byte frame prepended to every object a URI can
// point at directly. Chunks referenced through a DataMap are stored as
// bare ciphertext; only URI targets need the frame, because a
// downloader has to tell a literal payload apart from a data map.
type RecordKind byte

const (
	// RecordLiteral frames a payload stored whole, without splitting.
	RecordLiteral RecordKind = 0x00
	// RecordDataMap frames an encoded DataMap whose reassembly yields
	// the original payload.
	RecordDataMap RecordKind = 0x01
	// RecordNested frames an encoded DataMap whose reassembly yields
	// another framed record. Used when an encoded DataMap itself
	// exceeds ChunkMax and had to be split again.
	RecordNested RecordKind = 0x02
)

// ErrBadRecord is returned when stored bytes do not carry a known
// record frame.
var ErrBadRecord = errors.New("model: malformed record")

// EncodeRecord frames a payload for storage.
func EncodeRecord(kind RecordKind, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = byte(kind)
	copy(out[1:], payload)
	return out
}

// ParseRecord splits a stored record into its kind and payload.
func ParseRecord(record []byte) (RecordKind, []byte, error) {
	if len(record) == 0 {
		return 0, nil, fmt.Errorf("%w: empty", ErrBadRecord)
	}
	kind := RecordKind(record[0])
	switch kind {
	case RecordLiteral, RecordDataMap, RecordNested:
		return kind, record[1:], nil
	default:
		return 0, nil, fmt.Errorf("%w: unknown kind 0x%02x", ErrBadRecord, record[0])
	}
}
