package codec

import (
	"time"

	"github.com/pkg/errors"
)

// H4 service data: bytes 0-1 carry the service UUID, the high nibble of
// byte 2 is the frame type. Only frame type 7 carries measurements.
var ambientLayout = []namedField{
	{"temperature", Field{Offset: 5, Width: 2, Signed: true, Scale: Tenths}},
	{"humidity", Field{Offset: 7, Width: 2, Scale: Tenths}},
	{"batteryVol", Field{Offset: 9, Width: 2}},
}

const (
	ambientFrameOffset = 2
	ambientFrameType   = 0x7
)

func decodeAmbient(profile DeviceProfile, raw RawAdvertisement, now time.Time) (*SensorReading, error) {
	adv, err := payload(raw, ADServiceData16)
	if err != nil || adv == nil {
		return nil, err
	}

	if len(adv) <= ambientFrameOffset {
		return nil, errors.Wrapf(ErrMalformedPayload, "%s advertisement: no frame type in %d bytes", profile.Model, len(adv))
	}
	if adv[ambientFrameOffset]>>4 != ambientFrameType {
		return nil, nil
	}

	if err := checkLength(adv, ambientLayout, profile.Model); err != nil {
		return nil, err
	}
	fields, err := readFields(adv, ambientLayout)
	if err != nil {
		return nil, err
	}

	return newReading(MeasurementAmbient, fields, profile, now), nil
}
