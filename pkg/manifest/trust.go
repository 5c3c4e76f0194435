package manifest

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/antdist/antdist/pkg/address"
)

var (
	// ErrHashMismatch means content does not match its declared hash.
	ErrHashMismatch = errors.New("manifest: content hash mismatch")
	// ErrSignatureInvalid means the publisher signature did not
	// verify.
	ErrSignatureInvalid = errors.New("manifest: signature invalid")
)

// SignatureVerifier checks a detached signature over manifest bytes.
// The algorithm is pluggable; the call site never changes when signing
// becomes mandatory.
type SignatureVerifier func(data []byte, signature string, publisherKey string) bool

// AcceptAll is the current trust posture: signatures are carried but
// not enforced. Swapping this hook for a real verifier is the only
// change needed to turn enforcement on.
func AcceptAll([]byte, string, string) bool {
	return true
}

// VerifyIntegrity reports whether data hashes to expected, a lowercase
// hex BLAKE3 digest. An empty expected hash never verifies.
func VerifyIntegrity(data []byte, expected string) bool {
	if expected == "" {
		return false
	}
	got := address.FromData(data).Hex()
	return subtle.ConstantTimeCompare([]byte(got), []byte(strings.ToLower(expected))) == 1
}

// HostInfo identifies the machine a component would be loaded on.
type HostInfo struct {
	// Triple is the platform triple backend binaries must be built
	// for, e.g. "x86_64-unknown-linux-gnu".
	Triple string
	// OS is the frontend platform name: "iOS", "Android", or
	// "desktop".
	OS string
}

// CurrentHost derives the host description from the running process.
func CurrentHost() HostInfo {
	arch := runtime.GOARCH
	switch arch {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "aarch64"
	case "386":
		arch = "i686"
	}

	var sys, os string
	switch runtime.GOOS {
	case "linux":
		sys, os = "unknown-linux-gnu", PlatformDesktop
	case "darwin":
		sys, os = "apple-darwin", PlatformDesktop
	case "windows":
		sys, os = "pc-windows-msvc", PlatformDesktop
	case "android":
		sys, os = "linux-android", PlatformAndroid
	case "ios":
		sys, os = "apple-ios", PlatformIOS
	default:
		sys, os = runtime.GOOS, PlatformDesktop
	}

	return HostInfo{Triple: arch + "-" + sys, OS: os}
}

// LoadRefusedError means a component must not be loaded on this host.
// The message names the exact mismatched field so the user sees what
// is wrong, not just that something is.
type LoadRefusedError struct {
	ComponentID string
	Field       string // "target" or "platform"
	Want        string // what the component declares
	Got         string // what the host is
}

func (e *LoadRefusedError) Error() string {
	return fmt.Sprintf("manifest: component %q refused: %s %q does not match host %q",
		e.ComponentID, e.Field, e.Want, e.Got)
}

// CheckLoad decides whether a component may be loaded on the given
// host: a backend's target must equal the host triple, a frontend's
// platform must equal the host OS. Components that declare neither are
// loadable anywhere.
func CheckLoad(c Component, host HostInfo) error {
	switch c.Kind {
	case KindBackend:
		if c.Target != "" && c.Target != host.Triple {
			return &LoadRefusedError{ComponentID: c.ID, Field: "target", Want: c.Target, Got: host.Triple}
		}
	case KindFrontend:
		if c.Platform != "" && c.Platform != host.OS {
			return &LoadRefusedError{ComponentID: c.ID, Field: "platform", Want: c.Platform, Got: host.OS}
		}
	}
	return nil
}
