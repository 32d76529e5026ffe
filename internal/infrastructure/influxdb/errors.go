package influxdb

import "errors"

// Sentinel errors, checked with errors.Is. Batch write failures are not
// returned; they arrive through SetOnError.
var (
	ErrNotConnected     = errors.New("influxdb: not connected")
	ErrConnectionFailed = errors.New("influxdb: connection failed")
	ErrDisabled         = errors.New("influxdb: disabled in configuration")
)
