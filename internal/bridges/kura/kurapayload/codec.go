package kurapayload

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/klauspost/compress/gzip"
	"google.golang.org/protobuf/encoding/protowire"
)

// KuraPayload field numbers.
const (
	fieldTimestamp protowire.Number = 1
	fieldMetric    protowire.Number = 5000
	fieldBody      protowire.Number = 5001
)

// KuraMetric field numbers.
const (
	metricName   protowire.Number = 1
	metricType   protowire.Number = 2
	metricDouble protowire.Number = 3
	metricFloat  protowire.Number = 4
	metricLong   protowire.Number = 5
	metricInt    protowire.Number = 6
	metricBool   protowire.Number = 7
	metricString protowire.Number = 8
	metricBytes  protowire.Number = 9
)

// maxInflatedSize bounds the size of a decompressed payload (16MB).
const maxInflatedSize = 16 << 20

// gzipMagic is the two-byte gzip member header.
var gzipMagic = []byte{0x1f, 0x8b}

// Metric is a single named value inside a payload.
type Metric struct {
	Name  string
	Value Value
}

// Payload is a decoded Kura message.
type Payload struct {
	// Timestamp is the device-side time of the message; zero when absent.
	Timestamp time.Time

	// Metrics in wire order.
	Metrics []Metric

	// Body is the opaque body (asset replies carry JSON here).
	Body []byte
}

// Values returns the metrics as a name→value map. Later metrics with a
// duplicate name win.
func (p *Payload) Values() map[string]Value {
	values := make(map[string]Value, len(p.Metrics))
	for _, m := range p.Metrics {
		values[m.Name] = m.Value
	}
	return values
}

// Metric returns the value of the named metric.
func (p *Payload) Metric(name string) (Value, bool) {
	for _, m := range p.Metrics {
		if m.Name == name {
			return m.Value, true
		}
	}
	return nil, false
}

// Codec converts between Payload and transport bytes.
// The zero value encodes uncompressed protobuf.
type Codec struct {
	// Compress gzips encoded payloads.
	Compress bool
}

// Encode serialises p.
func (c Codec) Encode(p *Payload) ([]byte, error) {
	var b []byte
	if !p.Timestamp.IsZero() {
		b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.Timestamp.UnixMilli()))
	}
	for _, m := range p.Metrics {
		mb, err := appendMetric(nil, m)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldMetric, protowire.BytesType)
		b = protowire.AppendBytes(b, mb)
	}
	if p.Body != nil {
		b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Body)
	}

	if !c.Compress {
		return b, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		zw.Close() //nolint:errcheck // Write error already being returned
		return nil, fmt.Errorf("compressing payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing payload: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeMetrics is a convenience for payloads made only of metrics.
func (c Codec) EncodeMetrics(metrics ...Metric) ([]byte, error) {
	return c.Encode(&Payload{Metrics: metrics})
}

// Decode parses raw, inflating it first when it is gzip-framed.
// Any framing or wire error is reported as ErrDecode.
func (Codec) Decode(raw []byte) (*Payload, error) {
	data := raw
	if bytes.HasPrefix(raw, gzipMagic) {
		inflated, err := inflate(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecode, err)
		}
		data = inflated
	}

	p, err := parsePayload(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return p, nil
}

func inflate(raw []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("gzip header: %w", err)
	}
	defer zr.Close() //nolint:errcheck // Read-only stream

	out, err := io.ReadAll(io.LimitReader(zr, maxInflatedSize+1))
	if err != nil {
		return nil, fmt.Errorf("gzip stream: %w", err)
	}
	if len(out) > maxInflatedSize {
		return nil, fmt.Errorf("inflated payload exceeds %d bytes", maxInflatedSize)
	}
	return out, nil
}

func appendMetric(b []byte, m Metric) ([]byte, error) {
	if m.Value == nil {
		return nil, fmt.Errorf("metric %q: nil value", m.Name)
	}

	b = protowire.AppendTag(b, metricName, protowire.BytesType)
	b = protowire.AppendString(b, m.Name)
	b = protowire.AppendTag(b, metricType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Value.Kind()))

	switch v := m.Value.(type) {
	case Double:
		b = protowire.AppendTag(b, metricDouble, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(float64(v)))
	case Float:
		b = protowire.AppendTag(b, metricFloat, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(float32(v)))
	case Int64:
		b = protowire.AppendTag(b, metricLong, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(v)))
	case Int32:
		b = protowire.AppendTag(b, metricInt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(v)))
	case Bool:
		b = protowire.AppendTag(b, metricBool, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(bool(v)))
	case String:
		b = protowire.AppendTag(b, metricString, protowire.BytesType)
		b = protowire.AppendString(b, string(v))
	case Bytes:
		b = protowire.AppendTag(b, metricBytes, protowire.BytesType)
		b = protowire.AppendBytes(b, v)
	default:
		return nil, fmt.Errorf("metric %q: %w", m.Name, ErrUnknownKind)
	}
	return b, nil
}

func parsePayload(b []byte) (*Payload, error) {
	p := &Payload{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			p.Timestamp = time.UnixMilli(int64(v))
			b = b[n:]
		case num == fieldMetric && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m, err := parseMetric(raw)
			if err != nil {
				return nil, err
			}
			p.Metrics = append(p.Metrics, m)
			b = b[n:]
		case num == fieldBody && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			p.Body = append([]byte(nil), raw...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return p, nil
}

// parseMetric decodes a KuraMetric. The value is taken from the field that
// matches the declared type; a metric whose typed field is absent carries
// the zero value of its kind, as proto2 optional fields do.
func parseMetric(b []byte) (Metric, error) {
	var (
		m       Metric
		kind    Kind
		hasType bool
		fields  = make(map[protowire.Number]uint64)
		str     string
		raw     []byte
	)

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			if num == metricType {
				kind = Kind(v)
				hasType = true
			} else {
				fields[num] = v
			}
			b = b[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			fields[num] = v
			b = b[n:]
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			fields[num] = uint64(v)
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			switch num {
			case metricName:
				m.Name = string(v)
			case metricString:
				str = string(v)
			case metricBytes:
				raw = append([]byte(nil), v...)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}

	if m.Name == "" {
		return m, fmt.Errorf("metric without name")
	}
	if !hasType || !kind.Valid() {
		return m, fmt.Errorf("metric %q: %w", m.Name, ErrUnknownKind)
	}

	switch kind {
	case KindDouble:
		m.Value = Double(math.Float64frombits(fields[metricDouble]))
	case KindFloat:
		m.Value = Float(math.Float32frombits(uint32(fields[metricFloat])))
	case KindInt64:
		m.Value = Int64(int64(fields[metricLong]))
	case KindInt32:
		m.Value = Int32(int32(int64(fields[metricInt])))
	case KindBool:
		m.Value = Bool(protowire.DecodeBool(fields[metricBool]))
	case KindString:
		m.Value = String(str)
	case KindBytes:
		m.Value = Bytes(raw)
	}
	return m, nil
}
