package thingsboard

import "encoding/json"

// ThingsBoard gateway API topics.
const (
	TopicConnect    = "v1/gateway/connect"
	TopicDisconnect = "v1/gateway/disconnect"
	TopicTelemetry  = "v1/gateway/telemetry"
	TopicAttributes = "v1/gateway/attributes"
	TopicRPC        = "v1/gateway/rpc"
)

// RPC method prefixes.
const (
	methodGetValue = "getValue"
	methodSetValue = "setValue"
)

// deviceMessage is the body of connect and disconnect messages.
type deviceMessage struct {
	Device string `json:"device"`
}

// telemetryEntry is one timestamped set of values.
type telemetryEntry struct {
	TS     int64          `json:"ts"`
	Values map[string]any `json:"values"`
}

// RPCRequest is a server-side RPC delivered to the gateway.
type RPCRequest struct {
	Device string `json:"device"`
	Data   struct {
		ID     int             `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params,omitempty"`
	} `json:"data"`
}

// RPCReply answers an RPCRequest.
type RPCReply struct {
	Device string `json:"device"`
	ID     int    `json:"id"`
	Data   any    `json:"data"`
}

// valueResult is the data of a successful getValue reply.
type valueResult struct {
	Value any `json:"value"`
}

// writeResult is the data of a setValue reply.
type writeResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// errorResult is the data of a failed getValue or unknown method reply.
type errorResult struct {
	Error string `json:"error"`
}
