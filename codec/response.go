package codec

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	ackSwitchOK     = "B3030100"
	ackSwitchFailed = "B3030101"
)

// Reasons reported in error outcomes.
const (
	ReasonSwitchFailed    = "switch on/off unsuccessful"
	ReasonNoNotifications = "no notifications received"
	ReasonNoLogData       = "no log data received"
	ReasonMalformedLog    = "malformed log data received"
	ReasonBadRequest      = "bad request"
)

// Log entry opcodes (first three bytes of a notification).
var logOpcodes = map[string]string{
	"3A3010": "temperature",
	"3A3110": "humidity",
	"3A3210": "pressure",
}

const (
	logTimestampOffset = 3
	logValueOffset     = 7
	logEntryLength     = 11
)

// DecodeResponse interprets the gateway response to cmd sent to profile.
func DecodeResponse(cmd Command, resp CommandResponse, profile DeviceProfile) Outcome {
	out := Outcome{
		Address:          profile.Address,
		CorrelationToken: resp.CorrelationToken,
	}
	if resp.TimestampMillis != nil {
		ts := time.UnixMilli(int64(*resp.TimestampMillis))
		out.Timestamp = &ts
	}

	if resp.StatusCode >= 400 {
		return out.fail(resp.StatusCode, resp.Reason)
	}

	family, err := profile.Model.Family()
	if err != nil {
		return out.fail(400, ReasonBadRequest)
	}

	switch {
	case family == FamilyPlug && (cmd == CommandSwitchOn || cmd == CommandSwitchOff):
		return decodeSwitchAck(out, resp)
	case family == FamilyEnv && cmd == CommandFetchLog:
		return decodeLog(out, resp, profile)
	default:
		return out.fail(400, ReasonBadRequest)
	}
}

func (o Outcome) fail(status uint, reason string) Outcome {
	o.Kind = OutcomeError
	o.StatusCode = status
	o.Reason = reason
	return o
}

func decodeSwitchAck(out Outcome, resp CommandResponse) Outcome {
	if len(resp.Notifications) != 1 {
		return out.fail(500, ReasonNoNotifications)
	}

	ack := strings.ToUpper(strings.TrimSpace(resp.Notifications[0]))
	switch ack {
	case ackSwitchOK:
		out.Kind = OutcomeSuccess
		out.StatusCode = resp.StatusCode
		return out
	case ackSwitchFailed:
		return out.fail(500, ReasonSwitchFailed)
	default:
		return out.fail(500, "unexpected acknowledgement "+ack)
	}
}

func decodeLog(out Outcome, resp CommandResponse, profile DeviceProfile) Outcome {
	tags := profile.Tags()
	var entries []LogEntry
	malformed := 0
	for _, n := range resp.Notifications {
		entry, err := DecodeLogEntry(n)
		if err != nil {
			malformed++
			continue
		}
		if entry == nil {
			continue
		}
		entry.Tags = tags
		entries = append(entries, *entry)
	}

	if len(entries) == 0 {
		if malformed > 0 {
			return out.fail(500, ReasonMalformedLog)
		}
		return out.fail(404, ReasonNoLogData)
	}

	out.Kind = OutcomeLog
	out.StatusCode = 200
	out.Measurements = entries
	out.MalformedEntries = malformed
	return out
}

// DecodeLogEntry decodes one log notification. It returns (nil, nil) for a
// notification without a log opcode, and an error wrapping ErrMalformedPayload
// when the opcode is known but the body is not a complete entry.
func DecodeLogEntry(notification string) (*LogEntry, error) {
	n := strings.TrimSpace(notification)
	if len(n) < 6 {
		return nil, nil
	}
	field, ok := logOpcodes[strings.ToUpper(n[:6])]
	if !ok {
		return nil, nil
	}

	b, err := hex.DecodeString(n)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedPayload, "%s log entry: %v", field, err)
	}
	if len(b) < logEntryLength {
		return nil, errors.Wrapf(ErrMalformedPayload, "%s log entry: expected %d bytes, got %d", field, logEntryLength, len(b))
	}

	ts, err := ReadUint(b, logTimestampOffset, 4)
	if err != nil {
		return nil, err
	}
	raw, err := ReadInt(b, logValueOffset, 4)
	if err != nil {
		return nil, err
	}

	return &LogEntry{
		Measurement: MeasurementAmbient,
		Timestamp:   time.Unix(int64(ts), 0).UTC(),
		Fields:      map[string]float64{field: Hundredths.Apply(float64(raw))},
	}, nil
}
