package binread

import (
	"github.com/pkg/errors"
)

// Decoding distinguishes only two failure kinds. ErrUnexpectedEOF means a
// read, skip, or seek ran past the available bytes (or an offset addition
// overflowed); ErrMalformedInput means the bytes were there but the structure
// they describe is invalid. Errors returned from decoders wrap one of these,
// so match with errors.Is.
var (
	ErrUnexpectedEOF  = errors.New("unexpected end of input")
	ErrMalformedInput = errors.New("malformed input file")

	UnknownMagic = errors.New("could not identify file magic")
)

const maxInt = int(^uint(0) >> 1)

// toInt converts an on-disk unsigned value to a host int, failing with
// ErrMalformedInput when it doesn't fit.
func toInt(v uint64) (int, error) {
	if v > uint64(maxInt) {
		return 0, errors.WithStack(ErrMalformedInput)
	}
	return int(v), nil
}
