package metrics

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mjasion/balena-home/blegateway/buffer"
	"github.com/mjasion/balena-home/blegateway/codec"
	"github.com/mjasion/balena-home/blegateway/types"
)

var baseTime = time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)

func testLogger(t *testing.T) *zap.Logger {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	t.Cleanup(func() { _ = logger.Sync() })
	return logger
}

func ruuviTags(address string) codec.Tags {
	return codec.Tags{Make: "ruuvi", Model: "ruuvi", Name: "Bedroom", Address: address}
}

func ambientReading(address string, ts time.Time, temperature codec.Value, rssi int16) *types.Reading {
	return types.NewAdvertisementReading(&codec.SensorReading{
		Measurement: codec.MeasurementAmbient,
		Fields: codec.Fields{
			"temperature": temperature,
			"batteryVol":  codec.Some(2977),
		},
		Tags:      ruuviTags(address),
		Timestamp: ts,
	}, rssi)
}

func logReading(address string, ts time.Time, field string, value float64) *types.Reading {
	return types.NewLogReading(codec.LogEntry{
		Measurement: codec.MeasurementAmbient,
		Timestamp:   ts,
		Fields:      map[string]float64{field: value},
		Tags:        ruuviTags(address),
	})
}

func newBuffer(t *testing.T, capacity int) *buffer.RingBuffer[*types.Reading] {
	return buffer.New[*types.Reading](capacity, testLogger(t))
}
