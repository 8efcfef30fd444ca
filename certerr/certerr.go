// Package certerr defines the error kinds shared by the repository, the
// client workflow and the signing orchestrator. Errors are wrapped with the
// failing operation's name and tested with errors.Is.
package certerr

import "errors"

var (
	// ErrNotFound is returned when a referenced CSR, certificate or key does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned on a name collision, or when a certificate is
	// published without a matching pending CSR.
	ErrConflict = errors.New("conflict")

	// ErrInvalid is returned for malformed CSRs, certificates or keys, and
	// when a CA key does not match its certificate.
	ErrInvalid = errors.New("invalid")

	// ErrUnavailable is returned when a required local prerequisite, such as
	// a private key or CA material, is missing.
	ErrUnavailable = errors.New("unavailable")

	// ErrTransport is returned for network or storage failures. Operations
	// failing with ErrTransport are always safe to retry.
	ErrTransport = errors.New("transport failure")
)

// Kind names used in API responses and CLI output.
const (
	KindNotFound    = "not_found"
	KindConflict    = "conflict"
	KindInvalid     = "invalid"
	KindUnavailable = "unavailable"
	KindTransport   = "transport"
	KindInternal    = "internal"
)

// KindOf reports the kind of err, or KindInternal when err carries none of
// the sentinel errors.
func KindOf(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrInvalid):
		return KindInvalid
	case errors.Is(err, ErrUnavailable):
		return KindUnavailable
	case errors.Is(err, ErrTransport):
		return KindTransport
	default:
		return KindInternal
	}
}

// FromKind returns the sentinel error for a kind name. Unknown kinds map to
// nil.
func FromKind(kind string) error {
	switch kind {
	case KindNotFound:
		return ErrNotFound
	case KindConflict:
		return ErrConflict
	case KindInvalid:
		return ErrInvalid
	case KindUnavailable:
		return ErrUnavailable
	case KindTransport:
		return ErrTransport
	default:
		return nil
	}
}
