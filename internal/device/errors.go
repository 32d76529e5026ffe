package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrCorruptStore) {
//	    // the mapping on disk could not be parsed
//	}
var (
	// ErrCorruptStore is returned when persisted records cannot be parsed.
	ErrCorruptStore = errors.New("device: store corrupt")

	// ErrInvalidRecord is returned when saving a record without an id or account.
	ErrInvalidRecord = errors.New("device: invalid record")
)
