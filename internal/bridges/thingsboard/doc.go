// Package thingsboard forwards Kura device events to a ThingsBoard gateway.
//
// The bridge speaks the ThingsBoard gateway MQTT API. A device reaching the
// started state is connected, stopped or failed devices are disconnected,
// and telemetry and attribute changes are published for connected devices.
// Server-side RPC calls of the form getValue.<channel> and setValue.<channel>
// are answered from the Kura device directory.
package thingsboard
