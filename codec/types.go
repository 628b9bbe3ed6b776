package codec

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Model identifies a supported device model.
type Model int

const (
	PlugModelA Model = iota + 1
	PlugModelB
	AmbientSensor
	EnvSensor
)

// Family groups models that share commands and make.
type Family int

const (
	FamilyPlug Family = iota + 1
	FamilyAmbient
	FamilyEnv
)

const (
	MakeMoko  = "moko"
	MakeRuuvi = "ruuvi"
)

// ParseModel maps a configured model name to a Model.
func ParseModel(s string) (Model, error) {
	switch strings.TrimSpace(s) {
	case "plug-116B":
		return PlugModelA, nil
	case "plug-114B":
		return PlugModelB, nil
	case "H4":
		return AmbientSensor, nil
	case "ruuvi":
		return EnvSensor, nil
	default:
		return 0, fmt.Errorf("unknown model %q", s)
	}
}

func (m Model) String() string {
	switch m {
	case PlugModelA:
		return "plug-116B"
	case PlugModelB:
		return "plug-114B"
	case AmbientSensor:
		return "H4"
	case EnvSensor:
		return "ruuvi"
	default:
		return fmt.Sprintf("model(%d)", int(m))
	}
}

// Family returns the device family of the model.
func (m Model) Family() (Family, error) {
	switch m {
	case PlugModelA, PlugModelB:
		return FamilyPlug, nil
	case AmbientSensor:
		return FamilyAmbient, nil
	case EnvSensor:
		return FamilyEnv, nil
	default:
		return 0, fmt.Errorf("unknown model %d", int(m))
	}
}

// Make returns the vendor tag of the model.
func (m Model) Make() string {
	if m == EnvSensor {
		return MakeRuuvi
	}
	return MakeMoko
}

// DeviceProfile is the identity of a physical device.
type DeviceProfile struct {
	Model   Model
	Name    string
	Address string
}

// Tags returns the reading tags for the device.
func (p DeviceProfile) Tags() Tags {
	return Tags{
		Make:    p.Model.Make(),
		Model:   p.Model.String(),
		Name:    p.Name,
		Address: p.Address,
	}
}

// ShortAddress returns the address without separators in lowercase.
func (p DeviceProfile) ShortAddress() string {
	return ShortAddress(p.Address)
}

// ShortAddress strips colons from a MAC address and lowercases it.
func ShortAddress(address string) string {
	return strings.ToLower(strings.ReplaceAll(address, ":", ""))
}

// AD type codes used in RawAdvertisement keys.
const (
	ADManufacturerData = "FF"
	ADServiceData16    = "16"
)

// RawAdvertisement maps an AD type code to its hex-encoded payload.
type RawAdvertisement map[string]string

// Lookup returns the payload for an AD type, matching the code case-insensitively.
func (r RawAdvertisement) Lookup(code string) (string, bool) {
	if v, ok := r[code]; ok {
		return v, true
	}
	for k, v := range r {
		if strings.EqualFold(k, code) {
			return v, true
		}
	}
	return "", false
}

// MeasurementKind is the measurement a reading belongs to.
type MeasurementKind string

const (
	MeasurementEnergy  MeasurementKind = "energy"
	MeasurementAmbient MeasurementKind = "ambient"
)

// Value is an optional numeric field value.
type Value struct {
	v  float64
	ok bool
}

// Some returns a present value.
func Some(v float64) Value {
	return Value{v: v, ok: true}
}

// None returns an absent value.
func None() Value {
	return Value{}
}

// Get returns the value and whether it is present.
func (v Value) Get() (float64, bool) {
	return v.v, v.ok
}

// Present reports whether the value is present.
func (v Value) Present() bool {
	return v.ok
}

func (v Value) String() string {
	if !v.ok {
		return "none"
	}
	return fmt.Sprintf("%g", v.v)
}

func (v Value) MarshalJSON() ([]byte, error) {
	if !v.ok {
		return []byte("null"), nil
	}
	return json.Marshal(v.v)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = None()
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*v = Some(f)
	return nil
}

// Fields holds every field of a reading; absent values are None, keys are never omitted.
type Fields map[string]Value

// Tags identify the device a reading came from.
type Tags struct {
	Make    string `json:"make"`
	Model   string `json:"model"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

// SensorReading is one decoded advertisement.
type SensorReading struct {
	Measurement MeasurementKind `json:"measurement"`
	Fields      Fields          `json:"fields"`
	Tags        Tags            `json:"tags"`
	Timestamp   time.Time       `json:"timestamp"`
}

// CommandRequest describes a GATT write/notify exchange for the gateway.
type CommandRequest struct {
	Address                    string `json:"address"`
	WriteCharacteristicHandle  string `json:"writeCharHandle"`
	NotifyCharacteristicHandle string `json:"notifyCharHandle"`
	WritePayload               string `json:"writeData"`
	MaxNotifications           uint   `json:"maxNotifications,omitempty"`
	WaitNotificationsMs        *uint  `json:"waitNotificationsMs,omitempty"`
	WaitConnectMs              *uint  `json:"waitConnectMs,omitempty"`
	TerminatorNotification     string `json:"lastNotification,omitempty"`
}

// CommandResponse is the gateway's answer to a CommandRequest.
type CommandResponse struct {
	StatusCode       uint
	Notifications    []string
	TimestampMillis  *uint64
	CorrelationToken string
	Reason           string
}

// LogEntry is one historical sample read from a device log.
type LogEntry struct {
	Measurement MeasurementKind    `json:"measurement"`
	Timestamp   time.Time          `json:"timestamp"`
	Fields      map[string]float64 `json:"fields"`
	Tags        Tags               `json:"tags"`
}

// OutcomeKind identifies the variant of an Outcome.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota + 1
	OutcomeError
	OutcomeLog
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeError:
		return "error"
	case OutcomeLog:
		return "log"
	default:
		return "unknown"
	}
}

// Outcome is the decoded result of a command response.
// Reason is set for OutcomeError, Measurements for OutcomeLog.
// MalformedEntries counts log notifications that were skipped as truncated.
type Outcome struct {
	Kind             OutcomeKind `json:"-"`
	StatusCode       uint        `json:"statusCode"`
	Reason           string      `json:"reason,omitempty"`
	Measurements     []LogEntry  `json:"measurements,omitempty"`
	MalformedEntries int         `json:"malformedEntries,omitempty"`
	Address          string      `json:"address"`
	Timestamp        *time.Time  `json:"timestamp,omitempty"`
	CorrelationToken string      `json:"correlationData,omitempty"`
}
