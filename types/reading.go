package types

import (
	"time"

	"github.com/mjasion/balena-home/blegateway/codec"
)

// ReadingType identifies where a buffered reading came from
type ReadingType string

const (
	ReadingTypeAdvertisement ReadingType = "advertisement"
	ReadingTypeLog           ReadingType = "log"
)

// Reading is a union type that can hold a live advertisement or a log entry
type Reading struct {
	Type          ReadingType
	Advertisement *AdvertisementReading
	Log           *codec.LogEntry
}

// AdvertisementReading is a decoded advertisement merged with the RSSI it was received at
type AdvertisementReading struct {
	codec.SensorReading
	RSSI int16 `json:"rssi"`
}

// NewAdvertisementReading wraps a decoded advertisement
func NewAdvertisementReading(r *codec.SensorReading, rssi int16) *Reading {
	return &Reading{
		Type:          ReadingTypeAdvertisement,
		Advertisement: &AdvertisementReading{SensorReading: *r, RSSI: rssi},
	}
}

// NewLogReading wraps a historical log entry
func NewLogReading(e codec.LogEntry) *Reading {
	return &Reading{
		Type: ReadingTypeLog,
		Log:  &e,
	}
}

// GetTimestamp returns the timestamp of the reading regardless of type
func (r *Reading) GetTimestamp() time.Time {
	switch r.Type {
	case ReadingTypeAdvertisement:
		return r.Advertisement.Timestamp
	case ReadingTypeLog:
		return r.Log.Timestamp
	default:
		return time.Time{}
	}
}

// GetTags returns the device tags of the reading
func (r *Reading) GetTags() codec.Tags {
	switch r.Type {
	case ReadingTypeAdvertisement:
		return r.Advertisement.Tags
	case ReadingTypeLog:
		return r.Log.Tags
	default:
		return codec.Tags{}
	}
}
