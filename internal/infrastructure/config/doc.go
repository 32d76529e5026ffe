// Package config loads the gateway's YAML configuration.
//
// Values are resolved in three layers: built-in defaults, the YAML file, then
// KURAGW_* environment variables. Validate reports every problem at once
// rather than stopping at the first.
//
// Broker passwords and the ThingsBoard access token are best supplied through
// KURAGW_MQTT_PASSWORD and KURAGW_THINGSBOARD_TOKEN so they stay out of the
// file.
//
// Watch follows the file with fsnotify and hands back each valid, changed
// configuration; cmd/kuragw restarts its components on every one:
//
//	err := config.Watch(ctx, path, cfg, func(next *config.Config) {
//	    reload <- next
//	}, func(err error) {
//	    log.Warn("ignoring config change", "error", err)
//	})
package config
