package codec

import (
	"fmt"
	"time"
)

// Manufacturer data layout of the plug models. Offsets include the two
// company id bytes that lead the AD entry.
//
// plug-116B (18 bytes):
//   - 4-5:   voltage, uint16, 0.1 V
//   - 6-9:   current, uint32, mA
//   - 10-13: power, uint32, 0.1 W
//   - 14-16: energy meter, uint24, 0.01 kWh
//   - 17:    status byte (bit 7 load, bit 6 overload, bit 5 switched on)
//
// plug-114B (14 bytes):
//   - 4-5:   voltage, uint16, 0.1 V
//   - 6-8:   current, uint24, mA
//   - 9-10:  power, uint16, 0.1 W
//   - 11-13: energy meter, uint24, 0.01 kWh
var plugLayouts = map[Model][]namedField{
	PlugModelA: {
		{"voltage", Field{Offset: 4, Width: 2, Scale: Tenths}},
		{"current", Field{Offset: 6, Width: 4}},
		{"power", Field{Offset: 10, Width: 4, Scale: Tenths}},
		{"meter", Field{Offset: 14, Width: 3, Scale: Hundredths}},
	},
	PlugModelB: {
		{"voltage", Field{Offset: 4, Width: 2, Scale: Tenths}},
		{"current", Field{Offset: 6, Width: 3}},
		{"power", Field{Offset: 9, Width: 2, Scale: Tenths}},
		{"meter", Field{Offset: 11, Width: 3, Scale: Hundredths}},
	},
}

const plugStatusOffset = 17

const (
	statusLoaded     = 0x80
	statusOverloaded = 0x40
	statusSwitchedOn = 0x20
)

func decodePlug(profile DeviceProfile, raw RawAdvertisement, now time.Time) (*SensorReading, error) {
	layout, ok := plugLayouts[profile.Model]
	if !ok {
		return nil, fmt.Errorf("no plug layout for model %s", profile.Model)
	}

	adv, err := payload(raw, ADManufacturerData)
	if err != nil || adv == nil {
		return nil, err
	}

	if profile.Model == PlugModelA {
		layout = append(layout[:len(layout):len(layout)], namedField{"status", Field{Offset: plugStatusOffset, Width: 1}})
	}
	if err := checkLength(adv, layout, profile.Model); err != nil {
		return nil, err
	}

	fields, err := readFields(adv, layout)
	if err != nil {
		return nil, err
	}

	if status, ok := fields["status"].Get(); ok {
		delete(fields, "status")
		b := byte(status)
		fields["loaded"] = flag(b, statusLoaded)
		fields["overloaded"] = flag(b, statusOverloaded)
		fields["switchedOn"] = flag(b, statusSwitchedOn)
	}

	return newReading(MeasurementEnergy, fields, profile, now), nil
}

func flag(b, mask byte) Value {
	if b&mask == mask {
		return Some(1)
	}
	return Some(0)
}
