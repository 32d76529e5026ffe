package kurapayload

import "errors"

// Domain errors for the kurapayload package.
var (
	// ErrDecode is returned when a payload cannot be inflated or parsed.
	ErrDecode = errors.New("kurapayload: decode failed")

	// ErrUnknownKind is returned for a metric type that is not part of the
	// Kura value set.
	ErrUnknownKind = errors.New("kurapayload: unknown value kind")

	// ErrCoerce is returned when a value cannot be converted to the
	// requested kind.
	ErrCoerce = errors.New("kurapayload: cannot convert value")
)
