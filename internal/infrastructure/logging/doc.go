// Package logging configures the gateway's log/slog output.
//
// Every record carries service=kuragw and the build version; components add
// component=<name> through Component:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
//	log := logging.New(cfg.Logging, version)
//	log.Component("kura").Info("device registered", "device_id", id)
//
// Access tokens and broker passwords are never logged.
package logging
