package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// ChannelMeasurement holds one point per Kura channel sample.
const ChannelMeasurement = "kura_channel"

// Tag and field keys of ChannelMeasurement.
const (
	tagDeviceID = "device_id"
	tagChannel  = "channel"
	tagClass    = "class"
	fieldValue  = "value"
)

// WriteChannelValue queues one channel sample.
//
// class is "telemetry" or "attribute". value must be a float, integer, bool
// or string. Samples written while the client is closed are dropped.
func (c *Client) WriteChannelValue(deviceID, channel, class string, value any, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(channelPoint(deviceID, channel, class, value, timestamp))
}

func channelPoint(deviceID, channel, class string, value any, timestamp time.Time) *write.Point {
	return write.NewPointWithMeasurement(ChannelMeasurement).
		AddTag(tagDeviceID, deviceID).
		AddTag(tagChannel, channel).
		AddTag(tagClass, class).
		AddField(fieldValue, value).
		SetTime(timestamp)
}
