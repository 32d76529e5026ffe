package device

import (
	"context"
	"fmt"
)

// Record is a persisted device identity.
//
// The JSON names match the registered-devices file written by earlier
// gateway releases.
type Record struct {
	ID      string `json:"client_id"`
	Account string `json:"account_name"`
}

// Store persists the registered-device mapping as a whole.
//
// Load returns every record keyed by device id. A store that has never been
// written returns an empty map, not an error. Save replaces the persisted
// mapping with records.
type Store interface {
	Load(ctx context.Context) (map[string]Record, error)
	Save(ctx context.Context, records map[string]Record) error
}

// validate checks that every record is keyed by its own non-empty id.
func validate(records map[string]Record) error {
	for key, r := range records {
		if key == "" || r.ID != key {
			return fmt.Errorf("%w: key %q holds id %q", ErrInvalidRecord, key, r.ID)
		}
		if r.Account == "" {
			return fmt.Errorf("%w: %q has no account", ErrInvalidRecord, key)
		}
	}
	return nil
}
