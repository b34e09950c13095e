package auth

import "errors"

// Verification failure reasons. Verify wraps exactly one of these so callers
// can tell them apart with errors.Is; peers only ever see a generic rejection.
var (
	ErrMalformed      = errors.New("malformed token")
	ErrBadSignature   = errors.New("bad signature")
	ErrExpired        = errors.New("token expired")
	ErrMissingSubject = errors.New("missing subject")
)

// Reason returns a short label for a verification error, for logs.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrMissingSubject):
		return "missing_subject"
	}
	return "unknown"
}
