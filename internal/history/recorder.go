// Package history records Kura channel values in InfluxDB.
package history

import (
	"time"

	"github.com/nerrad567/kura-gateway/internal/bridges/kura"
	"github.com/nerrad567/kura-gateway/internal/bridges/kura/kurapayload"
	"github.com/nerrad567/kura-gateway/internal/infrastructure/influxdb"
)

// Writer stores one channel sample. *influxdb.Client satisfies it.
type Writer interface {
	WriteChannelValue(deviceID, channel, class string, value any, timestamp time.Time)
}

var _ Writer = (*influxdb.Client)(nil)

// Recorder turns telemetry and attribute events into time-series points.
type Recorder struct {
	w Writer
}

// NewRecorder creates a recorder writing to w.
func NewRecorder(w Writer) *Recorder {
	return &Recorder{w: w}
}

// HandleEvent writes one point per value of a telemetry_changed or
// attribute_changed event. Status events and byte array values are skipped.
func (r *Recorder) HandleEvent(e kura.Event) {
	var class string
	switch e.Type {
	case kura.EventTelemetryChanged:
		class = kura.ClassTelemetry.String()
	case kura.EventAttributeChanged:
		class = kura.ClassAttribute.String()
	default:
		return
	}

	for channel, v := range e.Values {
		field := fieldValue(v)
		if field == nil {
			continue
		}
		r.w.WriteChannelValue(e.DeviceID, channel, class, field, e.Timestamp)
	}
}

// fieldValue converts v to an InfluxDB field value, or nil when v has no
// field representation. Line protocol cannot carry NaN or infinities.
func fieldValue(v kurapayload.Value) any {
	if !kurapayload.IsFinite(v) {
		return nil
	}
	switch x := v.(type) {
	case kurapayload.Float:
		return float64(x)
	case kurapayload.Int32:
		return int64(x)
	case kurapayload.Bytes:
		return nil
	default:
		return kurapayload.Native(v)
	}
}
