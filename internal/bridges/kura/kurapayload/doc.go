// Package kurapayload encodes and decodes Kura device payloads.
//
// A Kura payload is a protobuf message carrying an optional timestamp, a
// list of named, typed metrics, and an optional opaque body. Devices may
// gzip the serialized message before publishing it.
//
// # Values
//
// Metric values form a closed set of types, each implementing Value:
//
//	Double, Float, Int64, Int32, Bool, String, Bytes
//
// Switch on the concrete type (or on Kind) to handle every case:
//
//	switch v := value.(type) {
//	case kurapayload.Double:
//	    use(float64(v))
//	case kurapayload.Bytes:
//	    useRaw([]byte(v))
//	}
//
// # Codec
//
// Codec is a plain value with no shared state. Create one wherever it is
// needed or inject it:
//
//	codec := kurapayload.Codec{}
//	p, err := codec.Decode(raw)
//	if err != nil {
//	    return err
//	}
//	temp, ok := p.Values()["temp"]
package kurapayload
