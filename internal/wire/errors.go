package wire

import (
	"errors"
	"fmt"
)

// Sentinel errors for wire decoding. Callers distinguish them with errors.Is.
var (
	ErrPayloadTooLarge  = errors.New("wire: payload exceeds maximum length")
	ErrUnexpectedType   = errors.New("wire: unexpected message type")
	ErrMalformedHeader  = errors.New("wire: malformed media header")
	ErrChecksumMismatch = errors.New("wire: checksum mismatch")
)

// ParseError indicates a failure to parse a control payload field. It records
// which field was being parsed when the error occurred.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("wire: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
