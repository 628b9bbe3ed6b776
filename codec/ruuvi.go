package codec

import (
	"time"

	"github.com/pkg/errors"
)

// Ruuvi data format 5 (RAWv2). Offsets include the company id bytes 0-1,
// byte 2 is the format.
var ruuviLayout = []namedField{
	// 0.005 degC steps
	{"temperature", Field{Offset: 3, Width: 2, Signed: true, Sentinel: Reserved(0x8000), Scale: Scale{Num: 1, Den: 200}}},
	// 0.0025 % steps
	{"humidity", Field{Offset: 5, Width: 2, Sentinel: Reserved(0xFFFF), Scale: Scale{Num: 1, Den: 400}}},
	// Pa offset by -50000, reported in hPa
	{"pressure", Field{Offset: 7, Width: 2, Sentinel: Reserved(0xFFFF), Bias: 50000, Scale: Hundredths}},
	{"accelX", Field{Offset: 9, Width: 2, Signed: true, Sentinel: Reserved(0x8000)}},
	{"accelY", Field{Offset: 11, Width: 2, Signed: true, Sentinel: Reserved(0x8000)}},
	{"accelZ", Field{Offset: 13, Width: 2, Signed: true, Sentinel: Reserved(0x8000)}},
	// top 11 bits, mV above 1600
	{"batteryVol", Field{Offset: 15, Width: 2, Shift: 5, Sentinel: Reserved(2047), Bias: 1600}},
	{"moveCounter", Field{Offset: 17, Width: 1, Sentinel: Reserved(0xFF)}},
}

const (
	ruuviFormatOffset = 2
	ruuviFormatRAWv2  = 5
)

func decodeRuuvi(profile DeviceProfile, raw RawAdvertisement, now time.Time) (*SensorReading, error) {
	adv, err := payload(raw, ADManufacturerData)
	if err != nil || adv == nil {
		return nil, err
	}

	if len(adv) <= ruuviFormatOffset {
		return nil, errors.Wrapf(ErrMalformedPayload, "%s advertisement: no data format in %d bytes", profile.Model, len(adv))
	}
	if adv[ruuviFormatOffset] != ruuviFormatRAWv2 {
		return nil, nil
	}

	if err := checkLength(adv, ruuviLayout, profile.Model); err != nil {
		return nil, err
	}
	fields, err := readFields(adv, ruuviLayout)
	if err != nil {
		return nil, err
	}

	return newReading(MeasurementAmbient, fields, profile, now), nil
}
