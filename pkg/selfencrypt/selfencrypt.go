// Package selfencrypt implements the self-encryption transform used
// for chunked storage. A payload is split into fixed-size plaintext
// chunks; each chunk is compressed and sealed with key material
// derived from the digests of its sibling chunks. No chunk is ever
// stored in plaintext, and no chunk can be decrypted without the
// sibling digests recorded in the DataMap, so leaked chunks alone do
// not disclose the payload.
//
// The whole transform is a pure function of its input: the same bytes
// always produce byte-identical chunks and an identical DataMap. That
// is what makes uploads idempotent under content addressing.
package selfencrypt

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/ulikunitz/xz/lzma"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/antdist/antdist/pkg/address"
	"github.com/antdist/antdist/pkg/model"
)

// ErrCorrupt is returned when decryption or reassembly does not
// reproduce the bytes the DataMap promises.
var ErrCorrupt = errors.New("selfencrypt: corrupt content")

var hkdfInfo = []byte("antdist.selfencrypt.v1")

// Split partitions data into ceil(len/ChunkMax) plaintext chunks in
// order. The last chunk may be shorter.
func Split(data []byte) [][]byte {
	var chunks [][]byte
	for len(data) > model.ChunkMax {
		chunks = append(chunks, data[:model.ChunkMax])
		data = data[model.ChunkMax:]
	}
	return append(chunks, data)
}

// SplitCount returns the number of plaintext chunks Split would
// produce for a payload of the given length, without touching the
// payload.
func SplitCount(length int) int {
	if length <= 0 {
		return 1
	}
	return (length + model.ChunkMax - 1) / model.ChunkMax
}

// Encrypt splits data into chunks, seals each one, and returns the
// sealed chunks together with the DataMap needed to reverse the
// transform. Pure, no I/O.
func Encrypt(data []byte) (model.DataMap, []model.Chunk, error) {
	plain := Split(data)
	n := len(plain)

	digests := make([][32]byte, n)
	for i, p := range plain {
		digests[i] = blake3.Sum256(p)
	}

	dm := model.DataMap{
		Refs:     make([]model.ChunkRef, n),
		Length:   uint64(len(data)),
		Checksum: address.FromData(data),
	}
	chunks := make([]model.Chunk, n)

	for i, p := range plain {
		sealed, err := sealChunk(p, i, digests)
		if err != nil {
			return model.DataMap{}, nil, err
		}
		addr := address.FromData(sealed)
		chunks[i] = model.Chunk{Address: addr, Data: sealed}
		dm.Refs[i] = model.ChunkRef{
			Index:       uint32(i),
			Address:     addr,
			PlainDigest: digests[i],
			PlainSize:   uint64(len(p)),
		}
	}

	return dm, chunks, nil
}

// Decrypt reverses Encrypt. The sealed chunks must be given in
// DataMap ref order. It fails with ErrCorrupt when a chunk does not
// match its recorded address, a seal does not open, or the reassembled
// payload disagrees with the recorded length or checksum.
func Decrypt(dm model.DataMap, sealed [][]byte) ([]byte, error) {
	if len(sealed) != len(dm.Refs) {
		return nil, fmt.Errorf("%w: have %d chunks, data map lists %d", ErrCorrupt, len(sealed), len(dm.Refs))
	}

	digests := make([][32]byte, len(dm.Refs))
	for i, ref := range dm.Refs {
		digests[i] = ref.PlainDigest
	}

	out := make([]byte, 0, dm.Length)
	for i, ref := range dm.Refs {
		if !address.FromData(sealed[i]).Equal(ref.Address) {
			return nil, fmt.Errorf("%w: chunk %d does not match its address", ErrCorrupt, i)
		}

		plain, err := openChunk(sealed[i], i, digests)
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %d: %v", ErrCorrupt, i, err)
		}
		if blake3.Sum256(plain) != ref.PlainDigest {
			return nil, fmt.Errorf("%w: chunk %d plaintext digest mismatch", ErrCorrupt, i)
		}
		out = append(out, plain...)
	}

	if uint64(len(out)) != dm.Length {
		return nil, fmt.Errorf("%w: reassembled %d bytes, expected %d", ErrCorrupt, len(out), dm.Length)
	}
	if !address.FromData(out).Equal(dm.Checksum) {
		return nil, fmt.Errorf("%w: payload checksum mismatch", ErrCorrupt)
	}

	return out, nil
}

// sealChunk compresses and encrypts one plaintext chunk. The key and
// nonce come from the digests of the two following siblings (wrapping
// around), salted with the chunk's own digest, so the seal is
// deterministic per payload but unrecoverable without the DataMap.
func sealChunk(plain []byte, index int, digests [][32]byte) ([]byte, error) {
	key, nonce := deriveKey(index, digests)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("selfencrypt: cipher init: %w", err)
	}

	compressed, err := compress(plain)
	if err != nil {
		return nil, err
	}

	return aead.Seal(nil, nonce, compressed, nil), nil
}

func openChunk(sealed []byte, index int, digests [][32]byte) ([]byte, error) {
	key, nonce := deriveKey(index, digests)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("cipher init: %w", err)
	}

	compressed, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("seal did not open: %w", err)
	}

	return decompress(compressed)
}

func deriveKey(index int, digests [][32]byte) (key []byte, nonce []byte) {
	n := len(digests)
	secret := make([]byte, 0, 64)
	secret = append(secret, digests[(index+1)%n][:]...)
	secret = append(secret, digests[(index+2)%n][:]...)

	r := hkdf.New(sha256.New, secret, digests[index][:], hkdfInfo)

	key = make([]byte, chacha20poly1305.KeySize)
	nonce = make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(r, key); err != nil {
		panic("selfencrypt: hkdf: " + err.Error())
	}
	if _, err := io.ReadFull(r, nonce); err != nil {
		panic("selfencrypt: hkdf: " + err.Error())
	}
	return key, nonce
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("selfencrypt: compress: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("selfencrypt: compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("selfencrypt: compress: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return buf.Bytes(), nil
}
