// Package influxdb stores Kura channel history in InfluxDB v2.
//
// Every telemetry or attribute sample becomes one point in the kura_channel
// measurement, tagged with device_id, channel and class, with the sample in
// the value field:
//
//	kura_channel,device_id=gw-01,channel=temp,class=telemetry value=21.5 1700000000000000000
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	client.SetOnError(func(err error) { log.Error("influx write", "error", err) })
//
//	client.WriteChannelValue("gw-01", "temp", "telemetry", 21.5, ts)
package influxdb
