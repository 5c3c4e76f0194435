// Package model defines the wire-level data structures of the
// distribution core: chunks, data maps, and version graph entries.
// Everything here is immutable once stored; the only mutable record in
// the system is the network-side pointer, which is just a named
// address and has no structure of its own.
package model

import (
	"github.com/antdist/antdist/pkg/address"
)

// ChunkMax is the maximum plaintext size of a single chunk. Data at or
// below this size is stored as one literal chunk; anything larger goes
// through self-encryption.
const ChunkMax = 1 << 20 // 1,048,576 bytes

// Chunk is an encrypted storage unit, addressed by the BLAKE3 digest
// of its ciphertext. The cleartext never touches the network.
type Chunk struct {
	Address address.Address
	Data    []byte
}

// ChunkRef describes one chunk inside a DataMap: where to fetch it and
// the plaintext digest that, combined with the sibling digests, yields
// the decryption key. A ChunkRef alone is useless without its
// siblings; that is the point of self-encryption.
type ChunkRef struct {
	Index       uint32          `cbor:"1,keyasint"`
	Address     address.Address `cbor:"2,keyasint"`
	PlainDigest [32]byte        `cbor:"3,keyasint"`
	PlainSize   uint64          `cbor:"4,keyasint"`
}

// DataMap lists the chunks of a split payload in original order,
// together with the total plaintext length and a whole-payload
// checksum. The DataMap is itself serialized and stored like data; its
// address is what callers get back as the URI.
type DataMap struct {
	Refs     []ChunkRef      `cbor:"1,keyasint"`
	Length   uint64          `cbor:"2,keyasint"`
	Checksum address.Address `cbor:"3,keyasint"`
}

// GraphEntry is an immutable node in the version history of an
// application. It references the manifest it was published with and
// the entries it succeeds. Zero parents means first version; more than
// one means a merge of mirrored histories. Parents always point at
// strictly earlier entries; publishers are trusted to respect
// causality, no runtime cycle check is performed.
type GraphEntry struct {
	Manifest address.Address   `cbor:"1,keyasint"`
	Parents  []address.Address `cbor:"2,keyasint"`
	Created  int64             `cbor:"3,keyasint"` // unix milliseconds
}
