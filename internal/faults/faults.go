// Package faults defines the terminal error kinds shared by the envelope and
// the steganographic codec.
//
// Every kind matches its sentinel through errors.Is, and the concrete types
// can be recovered with errors.As when the caller needs the structured fields:
//
//	var capErr *faults.CapacityError
//	if errors.As(err, &capErr) {
//		log.Printf("need %d bits, have %d", capErr.Needed, capErr.Capacity)
//	}
//
// None of the kinds carry key material or plaintext.
package faults

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is() checks
var (
	// ErrFormat is matched by every *FormatError.
	ErrFormat = errors.New("malformed data")

	// ErrAuthentication is matched by every *AuthenticationError.
	ErrAuthentication = errors.New("wrong password or corrupted data")

	// ErrCapacity is matched by every *CapacityError.
	ErrCapacity = errors.New("payload exceeds image capacity")

	// ErrTruncation is matched by every *TruncationError.
	ErrTruncation = errors.New("image truncated")
)

// FormatError reports a malformed blob, header, magic or pad value.
type FormatError struct {
	Layer  string // envelope, stego, image or message
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s format error: %s", e.Layer, e.Reason)
}

func (e *FormatError) Is(target error) bool { return target == ErrFormat }

// AuthenticationError is returned when the MAC does not verify. It does not
// say whether the password was wrong or the data was altered.
type AuthenticationError struct{}

func (e *AuthenticationError) Error() string { return ErrAuthentication.Error() }

func (e *AuthenticationError) Is(target error) bool { return target == ErrAuthentication }

// CapacityError reports a payload that does not fit in the cover image.
type CapacityError struct {
	Needed   int // bits required, header included
	Capacity int // bits available
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("payload too large: need %d bits, capacity %d", e.Needed, e.Capacity)
}

func (e *CapacityError) Is(target error) bool { return target == ErrCapacity }

// TruncationError reports a declared payload length the image cannot supply.
type TruncationError struct {
	Declared  uint64 // bits the header promised
	Available int    // bits left in the image after the header
}

func (e *TruncationError) Error() string {
	return fmt.Sprintf("image truncated: header declares %d payload bits, only %d available",
		e.Declared, e.Available)
}

func (e *TruncationError) Is(target error) bool { return target == ErrTruncation }

// Classification strings returned by Classify.
const (
	ClassFormat         = "format"
	ClassAuthentication = "authentication"
	ClassCapacity       = "capacity"
	ClassTruncation     = "truncation"
	ClassInternal       = "internal"
)

// Classify maps err to a short string suitable for user-facing surfaces.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthentication):
		return ClassAuthentication
	case errors.Is(err, ErrFormat):
		return ClassFormat
	case errors.Is(err, ErrCapacity):
		return ClassCapacity
	case errors.Is(err, ErrTruncation):
		return ClassTruncation
	default:
		return ClassInternal
	}
}
