// Package kura bridges Eclipse Kura devices into the gateway.
//
// Kura devices announce themselves with a birth message and expose their data
// model through the ASSET-V1 cloud application. This package discovers that
// model, keeps a cached value per channel and classifies inbound metrics as
// telemetry or attributes for downstream consumers.
//
// # Architecture
//
//	┌──────────────┐   MQTT    ┌────────────────────────────┐   events   ┌─────────────┐
//	│ Kura devices │◄─────────►│ Directory ─► Session(s)    │──────────►│ subscribers │
//	└──────────────┘           │   Correlator, Registry     │◄──────────│ (read/write)│
//	                           └────────────────────────────┘            └─────────────┘
//
// # Session Lifecycle
//
// A Session walks Idle → Discovering → Syncing → Active. Discovering waits
// for the GET/assets reply, Syncing waits for the EXEC/read reply, and Active
// means the telemetry topic is subscribed. A birth for a known device
// restarts discovery without re-announcing the device. Stop moves the session
// to Stopped. When retries are enabled and a request exhausts them the session
// moves to Failed until the next birth.
//
// # Request/Reply
//
// Kura replies on a per-request topic that embeds the correlation id:
//
//	$EDC/{account}/{account}-{device}-requester/ASSET-V1/REPLY/{id}
//
// The Correlator subscribes to that topic before publishing the request and
// unsubscribes when the first reply arrives, so each reply is handled at most
// once.
//
// # Classification
//
// A metric whose channel mode is READ is telemetry. Any other known mode is an
// attribute. Metrics naming no discovered channel are logged and dropped.
//
// # Thread Safety
//
// All exported types are safe for concurrent use. Mutations of a single
// session are serialised; different devices proceed independently. Events
// are delivered synchronously, in subscription order, on the goroutine that
// produced them and after the session lock is released.
package kura
