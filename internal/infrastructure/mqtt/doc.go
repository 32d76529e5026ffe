// Package mqtt is the gateway's broker client, a thin layer over
// eclipse/paho.mqtt.golang.
//
// The gateway opens two links from the same config.MQTTConfig shape:
//
//	Kura devices <-> device broker <-> kuragw <-> ThingsBoard broker
//
// What the wrapper adds over paho:
//   - filters are tracked and resubscribed after every reconnect
//   - handlers return errors, which are logged; panics are recovered
//   - delivery is unordered, so a handler may subscribe to a reply topic
//     and publish a request without stalling the router
//   - an optional retained status topic with an offline will
//   - Match and Levels for filter matching outside the broker
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe("$EDC/+/+/MQTT/BIRTH", 1,
//	    func(topic string, payload []byte) error {
//	        log.Info("device birth", "topic", topic, "bytes", len(payload))
//	        return nil
//	    })
package mqtt
