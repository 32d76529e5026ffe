package kura

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nerrad567/kura-gateway/internal/bridges/kura/kurapayload"
)

// Request and reply metric names used by the ASSET-V1 application.
const (
	metricRequestID    = "request.id"
	metricRequesterID  = "requester.client.id"
	metricResponseCode = "response.code"

	// metricAssetName identifies the publishing asset in telemetry and is
	// never a channel.
	metricAssetName = "assetName"
)

// responseOK is the response.code of a successful request.
const responseOK = 200

// Mode is the access mode of a channel.
type Mode uint8

// Channel modes.
const (
	ModeRead Mode = iota + 1
	ModeWrite
	ModeReadWrite
)

// String returns the Kura name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "READ"
	case ModeWrite:
		return "WRITE"
	case ModeReadWrite:
		return "READ_WRITE"
	default:
		return fmt.Sprintf("MODE(%d)", uint8(m))
	}
}

// ParseMode converts a Kura channel mode name.
func ParseMode(name string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "READ":
		return ModeRead, nil
	case "WRITE":
		return ModeWrite, nil
	case "READ_WRITE":
		return ModeReadWrite, nil
	default:
		return 0, fmt.Errorf("%w: unknown channel mode %q", ErrInvalidBody, name)
	}
}

// Asset is a discovered asset and its channel definitions.
type Asset struct {
	Name     string
	Channels []ChannelDefinition
}

// ChannelDefinition describes one channel as reported by GET/assets.
type ChannelDefinition struct {
	Name string
	Kind kurapayload.Kind
	Mode Mode
}

// assetJSON is one element of a GET/assets reply body.
type assetJSON struct {
	Name     string `json:"name"`
	Channels []struct {
		Name string `json:"name"`
		Type string `json:"type"`
		Mode string `json:"mode"`
	} `json:"channels"`
}

// parseAssets decodes a GET/assets reply body. Channels with an unknown type
// or mode are left out and described in skipped.
func parseAssets(body []byte) (assets []Asset, skipped []string, err error) {
	var raw []assetJSON
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: assets: %w", ErrInvalidBody, err)
	}

	for _, a := range raw {
		if a.Name == "" {
			skipped = append(skipped, "asset without name")
			continue
		}
		asset := Asset{Name: a.Name}
		for _, ch := range a.Channels {
			kind, err := kurapayload.ParseKind(ch.Type)
			if err != nil {
				skipped = append(skipped, fmt.Sprintf("%s/%s: %v", a.Name, ch.Name, err))
				continue
			}
			mode, err := ParseMode(ch.Mode)
			if err != nil {
				skipped = append(skipped, fmt.Sprintf("%s/%s: %v", a.Name, ch.Name, err))
				continue
			}
			if ch.Name == "" {
				skipped = append(skipped, a.Name+": channel without name")
				continue
			}
			asset.Channels = append(asset.Channels, ChannelDefinition{Name: ch.Name, Kind: kind, Mode: mode})
		}
		assets = append(assets, asset)
	}
	return assets, skipped, nil
}

// ChannelValue is a raw channel value from an EXEC/read or EXEC/write reply.
// Value holds a JSON decoded value (json.Number for numbers).
type ChannelValue struct {
	Asset   string
	Channel string
	Value   any
	Error   string
}

// assetValuesJSON is one element of an EXEC/read or EXEC/write body.
type assetValuesJSON struct {
	Name     *string            `json:"name"`
	Channels []channelValueJSON `json:"channels"`
}

type channelValueJSON struct {
	Name  *string         `json:"name"`
	Type  string          `json:"type,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}

// parseChannelValues decodes an EXEC/read or EXEC/write reply body.
//
// An asset entry without a name ends processing of the remaining entries.
// Channel entries without a name are skipped, as are entries without a value
// unless they carry an error.
func parseChannelValues(body []byte) ([]ChannelValue, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	var raw []assetValuesJSON
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: channel values: %w", ErrInvalidBody, err)
	}

	var values []ChannelValue
	for _, a := range raw {
		if a.Name == nil {
			break
		}
		for _, ch := range a.Channels {
			if ch.Name == nil {
				continue
			}
			cv := ChannelValue{Asset: *a.Name, Channel: *ch.Name, Error: ch.Error}
			if len(ch.Value) == 0 || string(ch.Value) == "null" {
				if cv.Error == "" {
					continue
				}
			} else {
				dec := json.NewDecoder(bytes.NewReader(ch.Value))
				dec.UseNumber()
				if err := dec.Decode(&cv.Value); err != nil {
					return nil, fmt.Errorf("%w: value of %s/%s: %w", ErrInvalidBody, *a.Name, *ch.Name, err)
				}
			}
			values = append(values, cv)
		}
	}
	return values, nil
}

// encodeWriteBody builds the EXEC/write body for a single channel.
// Kura expects the value as a string formatted for the channel type.
func encodeWriteBody(asset string, ch ChannelDefinition, v kurapayload.Value) ([]byte, error) {
	value, err := json.Marshal(kurapayload.Format(v))
	if err != nil {
		return nil, err
	}
	body := []assetValuesJSON{{
		Name: &asset,
		Channels: []channelValueJSON{{
			Name:  &ch.Name,
			Type:  ch.Kind.String(),
			Value: value,
		}},
	}}
	return json.Marshal(body)
}

// checkWriteAck inspects an EXEC/write reply and returns ErrWriteRejected
// when the response code or any channel entry reports a failure.
func checkWriteAck(p *kurapayload.Payload) error {
	if v, ok := p.Metric(metricResponseCode); ok {
		code, err := kurapayload.Coerce(kurapayload.KindInt64, v)
		if err != nil {
			return fmt.Errorf("%w: response code %v", ErrWriteRejected, kurapayload.Native(v))
		}
		if code != kurapayload.Int64(responseOK) {
			return fmt.Errorf("%w: response code %d", ErrWriteRejected, code)
		}
	}

	values, err := parseChannelValues(p.Body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteRejected, err)
	}
	for _, cv := range values {
		if cv.Error != "" {
			return fmt.Errorf("%w: %s/%s: %s", ErrWriteRejected, cv.Asset, cv.Channel, cv.Error)
		}
	}
	return nil
}
