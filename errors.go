package mkimage

import (
	"github.com/pkg/errors"
)

// Error kinds. Every failure returned by this package wraps exactly one of
// them, so callers can classify with errors.Is or errors.Cause.
var (
	// ErrMalformed covers bad magic, wrong class, byte order or version and
	// truncated tables.
	ErrMalformed = errors.New("malformed ELF input")
	// ErrUnresolvedSymbol is a named symbol bound to the undefined section.
	ErrUnresolvedSymbol = errors.New("unresolved symbol")
	// ErrOutOfRange is a section index or relocation offset that points
	// outside of what the image describes.
	ErrOutOfRange = errors.New("reference out of range")
	// ErrNotImplemented is a relocation type the active architecture does
	// not handle.
	ErrNotImplemented = errors.New("not implemented")
	// ErrEncodingOverflow is a value that does not fit its encoding.
	ErrEncodingOverflow = errors.New("encoding overflow")
	// ErrMissingStructure is a required table or symbol that is absent.
	ErrMissingStructure = errors.New("missing required structure")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrMalformed, "malformed-input"},
	{ErrUnresolvedSymbol, "unresolved-symbol"},
	{ErrOutOfRange, "out-of-range-reference"},
	{ErrNotImplemented, "unsupported-relocation-type"},
	{ErrEncodingOverflow, "encoding-overflow"},
	{ErrMissingStructure, "missing-required-structure"},
}

// KindOf names the error kind err belongs to, or "unknown".
func KindOf(err error) string {
	cause := errors.Cause(err)
	for _, k := range kinds {
		if cause == k.err {
			return k.name
		}
	}
	return "unknown"
}

func malformedf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrMalformed, format, args...)
}

func outOfRangef(format string, args ...interface{}) error {
	return errors.Wrapf(ErrOutOfRange, format, args...)
}

func notImplemented(rtype uint32) error {
	return errors.Wrapf(ErrNotImplemented, "relocation 0x%x is not implemented yet", rtype)
}
