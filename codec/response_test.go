package codec

import (
	"errors"
	"testing"
	"time"
)

func millis(v uint64) *uint64 {
	return &v
}

func TestDecodeResponse_SwitchAck(t *testing.T) {
	tests := []struct {
		name           string
		notifications  []string
		expectedKind   OutcomeKind
		expectedStatus uint
		expectedReason string
	}{
		{"success", []string{"B3030100"}, OutcomeSuccess, 200, ""},
		{"success lowercase", []string{"b3030100"}, OutcomeSuccess, 200, ""},
		{"unsuccessful", []string{"B3030101"}, OutcomeError, 500, "switch on/off unsuccessful"},
		{"no notifications", nil, OutcomeError, 500, "no notifications received"},
		{"too many notifications", []string{"B3030100", "B3030100"}, OutcomeError, 500, "no notifications received"},
		{"unexpected ack", []string{"B3030199"}, OutcomeError, 500, "unexpected acknowledgement B3030199"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := CommandResponse{
				StatusCode:       200,
				Notifications:    tt.notifications,
				TimestampMillis:  millis(1700000000123),
				CorrelationToken: "corr-1",
			}

			out := DecodeResponse(CommandSwitchOn, resp, profile(PlugModelA))

			if out.Kind != tt.expectedKind {
				t.Errorf("Expected kind %s, got %s", tt.expectedKind, out.Kind)
			}
			if out.StatusCode != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, out.StatusCode)
			}
			if out.Reason != tt.expectedReason {
				t.Errorf("Expected reason %q, got %q", tt.expectedReason, out.Reason)
			}
			if out.CorrelationToken != "corr-1" {
				t.Errorf("Expected correlation token to be echoed, got %q", out.CorrelationToken)
			}
			if out.Address != "AA:BB:CC:DD:EE:FF" {
				t.Errorf("Unexpected address %s", out.Address)
			}
			if out.Timestamp == nil || out.Timestamp.UnixMilli() != 1700000000123 {
				t.Errorf("Expected timestamp 1700000000123 ms, got %v", out.Timestamp)
			}
		})
	}
}

func TestDecodeResponse_EncodeThenDecode(t *testing.T) {
	p := profile(PlugModelB)
	if _, ok := EncodeCommand(p, CommandSwitchOff, nil, fixedNow); !ok {
		t.Fatal("Expected switch-off request")
	}

	out := DecodeResponse(CommandSwitchOff, CommandResponse{StatusCode: 200, Notifications: []string{"B3030100"}}, p)
	if out.Kind != OutcomeSuccess {
		t.Errorf("Expected success, got %s (%s)", out.Kind, out.Reason)
	}
	if out.Timestamp != nil {
		t.Errorf("Expected no timestamp, got %v", out.Timestamp)
	}
}

func TestDecodeResponse_DeviceError(t *testing.T) {
	tests := []struct {
		name   string
		cmd    Command
		model  Model
		status uint
	}{
		{"404 on switch", CommandSwitchOn, PlugModelA, 404},
		{"404 on fetch-log", CommandFetchLog, EnvSensor, 404},
		{"504 on fetch-log", CommandFetchLog, EnvSensor, 504},
		{"400 on unknown command", Command("reboot"), PlugModelB, 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := CommandResponse{
				StatusCode: tt.status,
				// a valid ack must not be interpreted
				Notifications:   []string{"B3030100", "3a3010" + "6553f100" + "00000913"},
				TimestampMillis: millis(42),
				Reason:          "device not connected",
			}

			out := DecodeResponse(tt.cmd, resp, profile(tt.model))

			if out.Kind != OutcomeError {
				t.Errorf("Expected error outcome, got %s", out.Kind)
			}
			if out.StatusCode != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, out.StatusCode)
			}
			if out.Reason != "device not connected" {
				t.Errorf("Expected reason to pass through, got %q", out.Reason)
			}
			if len(out.Measurements) != 0 {
				t.Errorf("Expected no measurements, got %d", len(out.Measurements))
			}
			if out.Timestamp == nil || out.Timestamp.UnixMilli() != 42 {
				t.Errorf("Expected timestamp to pass through, got %v", out.Timestamp)
			}
		})
	}
}

func TestDecodeResponse_FetchLog(t *testing.T) {
	resp := CommandResponse{
		StatusCode: 200,
		Notifications: []string{
			"3A3010" + "6553f100" + "00000913", // temperature 23.23
			"DEADBEEF00112233445566",
			"3a3110" + "6553f10a" + "00001194", // humidity 45.00
			"3a3210" + "6553f114" + "00018bcd", // pressure 1013.25
			"3a3010" + "6553f11e" + "fffffc18", // temperature -10.00
			"3a3a10ffffffffffffffff",
		},
		CorrelationToken: "log-1",
	}

	out := DecodeResponse(CommandFetchLog, resp, profile(EnvSensor))

	if out.Kind != OutcomeLog {
		t.Fatalf("Expected log outcome, got %s (%s)", out.Kind, out.Reason)
	}
	if out.StatusCode != 200 {
		t.Errorf("Expected status 200, got %d", out.StatusCode)
	}
	if len(out.Measurements) != 4 {
		t.Fatalf("Expected 4 entries, got %d", len(out.Measurements))
	}

	expected := []struct {
		field string
		value float64
		ts    int64
	}{
		{"temperature", 23.23, 1700000000},
		{"humidity", 45, 1700000010},
		{"pressure", 1013.25, 1700000020},
		{"temperature", -10, 1700000030},
	}
	for i, want := range expected {
		entry := out.Measurements[i]
		if got, ok := entry.Fields[want.field]; !ok || got != want.value {
			t.Errorf("Entry %d: expected %s=%v, got %v", i, want.field, want.value, entry.Fields)
		}
		if len(entry.Fields) != 1 {
			t.Errorf("Entry %d: expected a single field, got %v", i, entry.Fields)
		}
		if !entry.Timestamp.Equal(time.Unix(want.ts, 0)) {
			t.Errorf("Entry %d: expected timestamp %d, got %v", i, want.ts, entry.Timestamp)
		}
		if entry.Tags.Make != "ruuvi" || entry.Tags.Address != "AA:BB:CC:DD:EE:FF" {
			t.Errorf("Entry %d: unexpected tags %+v", i, entry.Tags)
		}
	}
}

func TestDecodeResponse_FetchLogDropsUnknown(t *testing.T) {
	resp := CommandResponse{
		StatusCode: 200,
		Notifications: []string{
			"3A3010" + "6553f100" + "00000913",
			"DEADBEEF",
		},
	}

	out := DecodeResponse(CommandFetchLog, resp, profile(EnvSensor))

	if out.Kind != OutcomeLog {
		t.Fatalf("Expected log outcome, got %s", out.Kind)
	}
	if len(out.Measurements) != 1 {
		t.Errorf("Expected exactly 1 entry, got %d", len(out.Measurements))
	}
}

func TestDecodeResponse_FetchLogEmpty(t *testing.T) {
	tests := []struct {
		name          string
		notifications []string
	}{
		{"no notifications", nil},
		{"only unknown opcodes", []string{"DEADBEEF", "3a3a10ffffffffffffffff"}},
		{"too short for an opcode", []string{"3a30"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := DecodeResponse(CommandFetchLog, CommandResponse{StatusCode: 200, Notifications: tt.notifications}, profile(EnvSensor))
			if out.Kind != OutcomeError {
				t.Errorf("Expected error outcome, got %s", out.Kind)
			}
			if out.StatusCode != 404 {
				t.Errorf("Expected status 404, got %d", out.StatusCode)
			}
			if out.Reason != "no log data received" {
				t.Errorf("Unexpected reason %q", out.Reason)
			}
		})
	}
}

func TestDecodeResponse_FetchLogMalformed(t *testing.T) {
	tests := []struct {
		name          string
		notifications []string
	}{
		{"truncated entry", []string{"3a3010" + "6553f100" + "0009"}},
		{"invalid hex", []string{"3a3010zz"}},
		{"truncated and unknown", []string{"DEADBEEF", "3a3110" + "6553f1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := DecodeResponse(CommandFetchLog, CommandResponse{StatusCode: 200, Notifications: tt.notifications}, profile(EnvSensor))
			if out.Kind != OutcomeError {
				t.Fatalf("Expected error outcome, got %s", out.Kind)
			}
			if out.StatusCode != 500 {
				t.Errorf("Expected status 500, got %d", out.StatusCode)
			}
			if out.Reason != ReasonMalformedLog {
				t.Errorf("Expected reason %q, got %q", ReasonMalformedLog, out.Reason)
			}
		})
	}
}

func TestDecodeResponse_FetchLogCountsMalformed(t *testing.T) {
	resp := CommandResponse{
		StatusCode: 200,
		Notifications: []string{
			"3A3010" + "6553f100" + "00000913",
			"3A3010" + "6553f10a" + "0009",
			"DEADBEEF",
		},
	}

	out := DecodeResponse(CommandFetchLog, resp, profile(EnvSensor))

	if out.Kind != OutcomeLog {
		t.Fatalf("Expected log outcome, got %s (%s)", out.Kind, out.Reason)
	}
	if len(out.Measurements) != 1 {
		t.Errorf("Expected 1 entry, got %d", len(out.Measurements))
	}
	if out.MalformedEntries != 1 {
		t.Errorf("Expected 1 malformed entry, got %d", out.MalformedEntries)
	}
}

func TestDecodeResponse_WrongFamily(t *testing.T) {
	tests := []struct {
		name  string
		cmd   Command
		model Model
	}{
		{"fetch-log from plug", CommandFetchLog, PlugModelA},
		{"switch-on from ruuvi", CommandSwitchOn, EnvSensor},
		{"switch-off from ambient", CommandSwitchOff, AmbientSensor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := DecodeResponse(tt.cmd, CommandResponse{StatusCode: 200, Notifications: []string{"B3030100"}}, profile(tt.model))
			if out.Kind != OutcomeError || out.StatusCode != 400 {
				t.Errorf("Expected 400 error outcome, got %s %d", out.Kind, out.StatusCode)
			}
		})
	}
}

func TestDecodeLogEntry(t *testing.T) {
	entry, err := DecodeLogEntry("3a3110" + "6553f100" + "0000157c")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if entry == nil {
		t.Fatal("Expected humidity entry")
	}
	if got := entry.Fields["humidity"]; got != 55 {
		t.Errorf("Expected humidity 55, got %v", got)
	}
	if entry.Timestamp.Unix() != 1700000000 {
		t.Errorf("Expected timestamp 1700000000, got %d", entry.Timestamp.Unix())
	}
}

func TestDecodeLogEntry_Ignored(t *testing.T) {
	for _, n := range []string{"3a30", "DEADBEEF", "3a3a10ffffffffffffffff"} {
		entry, err := DecodeLogEntry(n)
		if err != nil || entry != nil {
			t.Errorf("%s: expected no entry and no error, got %v, %v", n, entry, err)
		}
	}
}

func TestDecodeLogEntry_Malformed(t *testing.T) {
	for _, n := range []string{"3a3010" + "6553f100" + "0009", "3a3210zz"} {
		entry, err := DecodeLogEntry(n)
		if !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("%s: expected ErrMalformedPayload, got %v", n, err)
		}
		if entry != nil {
			t.Errorf("%s: expected no entry, got %+v", n, entry)
		}
	}
}
