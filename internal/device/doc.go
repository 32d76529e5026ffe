// Package device persists the set of Kura devices the gateway has seen.
//
// Each device announced on the broker is recorded as a Record (device id and
// account). The directory saves the full mapping whenever a new device is
// registered and replays it at startup, so sessions come back without waiting
// for fresh birth messages.
//
// Two Store implementations are provided:
//
//   - FileStore: a JSON object keyed by device id, written atomically
//     (temp file, fsync, rename). A missing file is an empty mapping.
//   - SQLiteStore: the registered_devices table, replaced within a single
//     transaction on every save.
//
// Both are safe for concurrent use.
package device
