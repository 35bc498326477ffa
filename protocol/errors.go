package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Mmx233/llproxy/protocol/template"
)

var (
	ErrTruncated         = errors.New("packet truncated")
	ErrInvalidZeroCoding = errors.New("invalid zero-coding")
	ErrBadAcks           = errors.New("malformed appended acks")
	ErrBadUnion          = errors.New("malformed tagged union")

	ErrUnknownBlock    = errors.New("unknown block")
	ErrUnknownVariable = errors.New("unknown variable")
	ErrMissingVariable = errors.New("missing variable")
	ErrTypeMismatch    = errors.New("value type mismatch")
	ErrSizeMismatch    = errors.New("value size mismatch")
	ErrValueRange      = errors.New("value out of range")
	ErrBlockCount      = errors.New("wrong block count")
	ErrTooManyAcks     = errors.New("too many appended acks")
	ErrNotUnion        = errors.New("variable is not a tagged union")
)

// location names where in a message an error happened.
type location struct {
	Message string
	Block   string
	Field   string
}

func (l location) String() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{l.Message, l.Block, l.Field} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}

// DecodeError reports a packet that could not be parsed. Only that packet is
// affected; callers drop it and carry on.
type DecodeError struct {
	location
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	if where := e.location.String(); where != "" {
		return fmt.Sprintf("decode %s at offset %d: %v", where, e.Offset, e.Err)
	}
	return fmt.Sprintf("decode at offset %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// EncodeError reports a message whose values do not fit its template.
// Nothing is sent for a failed encode.
type EncodeError struct {
	location
	Err error
}

func (e *EncodeError) Error() string {
	if where := e.location.String(); where != "" {
		return fmt.Sprintf("encode %s: %v", where, e.Err)
	}
	return fmt.Sprintf("encode: %v", e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// UnknownMessageError is returned for a packet whose message number has no
// template. The parsed packet header is kept so the caller can decide to
// pass the raw datagram through.
type UnknownMessageError struct {
	ID     template.WireID
	Header Header
}

func (e *UnknownMessageError) Error() string {
	return fmt.Sprintf("unknown message %s (seq %d)", e.ID, e.Header.Sequence)
}

func encodeErr(m, b, f string, err error) error {
	return &EncodeError{location: location{m, b, f}, Err: err}
}

func decodeErr(m, b, f string, off int, err error) error {
	return &DecodeError{location: location{m, b, f}, Offset: off, Err: err}
}
