package packet

import (
	"errors"
	"fmt"
)

var (
	ErrTooShort          = errors.New("packet: too short")
	ErrInvalidIdentifier = errors.New("packet: invalid ACN packet identifier")
	ErrInvalidVector     = errors.New("packet: invalid vector")
	ErrOutOfRange        = errors.New("packet: field out of range")
	ErrInvalidSourceName = errors.New("packet: invalid source name")
)

// DecodeError reports why inbound bytes were rejected and where.
type DecodeError struct {
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("packet: decode failed at offset %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeError(offset int, err error) *DecodeError {
	return &DecodeError{Offset: offset, Err: err}
}
