package codec

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// DecodeAdvertisement decodes a raw advertisement of the given device.
// It returns (nil, nil) when the advertisement carries no AD entry the model
// reads, and an error wrapping ErrMalformedPayload when the entry is too short.
// now is used as the reading timestamp.
func DecodeAdvertisement(profile DeviceProfile, raw RawAdvertisement, now time.Time) (*SensorReading, error) {
	switch profile.Model {
	case PlugModelA, PlugModelB:
		return decodePlug(profile, raw, now)
	case AmbientSensor:
		return decodeAmbient(profile, raw, now)
	case EnvSensor:
		return decodeRuuvi(profile, raw, now)
	default:
		return nil, fmt.Errorf("unknown model %d", int(profile.Model))
	}
}

// payload returns the decoded bytes of an AD entry, or nil when it is absent.
func payload(raw RawAdvertisement, code string) ([]byte, error) {
	h, ok := raw.Lookup(code)
	if !ok || h == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(h)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedPayload, "AD type %s: %v", code, err)
	}
	return b, nil
}

func checkLength(b []byte, layout []namedField, model Model) error {
	if need := minLength(layout); len(b) < need {
		return errors.Wrapf(ErrMalformedPayload, "%s advertisement: expected at least %d bytes, got %d", model, need, len(b))
	}
	return nil
}

func newReading(kind MeasurementKind, fields Fields, profile DeviceProfile, now time.Time) *SensorReading {
	return &SensorReading{
		Measurement: kind,
		Fields:      fields,
		Tags:        profile.Tags(),
		Timestamp:   now,
	}
}
