// Package address implements content addressing for the distribution
// network. An Address is the BLAKE3 digest of the addressed bytes, so
// identical content always yields an identical address. The public
// string form is an ant:// URI carrying the lowercase hex digest.
package address

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Size is the digest length in bytes.
const Size = 32

// Scheme is the URI prefix for content addresses.
const Scheme = "ant://"

// ErrInvalidURI is returned when a URI does not carry a well-formed
// content address.
var ErrInvalidURI = errors.New("address: invalid uri")

// Address is a 32-byte BLAKE3 digest identifying immutable content.
type Address [Size]byte

// FromData computes the address of the given bytes.
func FromData(data []byte) Address {
	return blake3.Sum256(data)
}

// FromHex parses a lowercase or uppercase hex digest.
func FromHex(s string) (Address, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, fmt.Errorf("address: invalid hex %q: %w", s, err)
	}
	if len(raw) != Size {
		return Address{}, fmt.Errorf("address: expected %d bytes, got %d", Size, len(raw))
	}
	var a Address
	copy(a[:], raw)
	return a, nil
}

// Hex returns the lowercase hex encoding of the address.
func (a Address) Hex() string {
	return hex.EncodeToString(a[:])
}

// Bytes returns the raw digest.
func (a Address) Bytes() []byte {
	return a[:]
}

// IsZero reports whether the address is the zero value. The zero
// address is never a valid content address.
func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) String() string {
	return a.Hex()
}

// Equal reports whether two addresses are identical.
func (a Address) Equal(b Address) bool {
	return bytes.Equal(a[:], b[:])
}

// EncodeURI renders the address in its public ant:// form.
func EncodeURI(a Address) string {
	return Scheme + a.Hex()
}

// DecodeURI parses an ant:// URI back into an address. It fails with
// ErrInvalidURI when the scheme is missing, the remainder is not valid
// hex, or the decoded digest has the wrong length.
func DecodeURI(uri string) (Address, error) {
	if !strings.HasPrefix(uri, Scheme) {
		return Address{}, fmt.Errorf("%w: missing %q prefix in %q", ErrInvalidURI, Scheme, uri)
	}
	hexPart := uri[len(Scheme):]
	raw, err := hex.DecodeString(hexPart)
	if err != nil {
		return Address{}, fmt.Errorf("%w: bad hex in %q: %v", ErrInvalidURI, uri, err)
	}
	if len(raw) != Size {
		return Address{}, fmt.Errorf("%w: expected %d byte digest, got %d", ErrInvalidURI, Size, len(raw))
	}
	var a Address
	copy(a[:], raw)
	return a, nil
}
