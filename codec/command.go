package codec

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"strings"
	"time"
)

// Command is an abstract device command.
type Command string

const (
	CommandSwitchOn  Command = "switch-on"
	CommandSwitchOff Command = "switch-off"
	CommandFetchLog  Command = "fetch-log"
)

// ParseCommand normalizes a command name. The camelCase names used by older
// flows are accepted as aliases.
func ParseCommand(s string) (Command, bool) {
	switch strings.TrimSpace(s) {
	case "switch-on", "switchOn":
		return CommandSwitchOn, true
	case "switch-off", "switchOff":
		return CommandSwitchOff, true
	case "fetch-log", "getLog":
		return CommandFetchLog, true
	default:
		return "", false
	}
}

// Args carries command arguments as decoded from JSON.
type Args map[string]any

// Argument names understood by EncodeCommand.
const (
	ArgIntervalSeconds     = "intervalSeconds"
	ArgWaitNotificationsMs = "waitNotificationsMs"
	ArgWaitConnectMs       = "waitConnectMs"
)

// Number returns a numeric argument.
func (a Args) Number(name string) (float64, bool) {
	v, ok := a[name]
	if !ok {
		return 0, false
	}
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func (a Args) millis(name string) *uint {
	f, ok := a.Number(name)
	if !ok || f < 0 {
		return nil
	}
	ms := uint(f)
	return &ms
}

// GATT characteristics and opcodes per family.
const (
	plugWriteHandle  = "0019"
	plugNotifyHandle = "0019"
	plugSwitchOn     = "b2030101"
	plugSwitchOff    = "b2030100"

	envWriteHandle    = "0019"
	envNotifyHandle   = "001b"
	envFetchLogOpcode = "3a3a11"
	envLogTerminator  = "3a3a10ffffffffffffffff"
)

// EncodeCommand builds the request for a command addressed to a device.
// It returns false when the command does not apply to the device family or
// its arguments are missing or invalid. now is the clock used by fetch-log.
func EncodeCommand(profile DeviceProfile, cmd Command, args Args, now time.Time) (CommandRequest, bool) {
	family, err := profile.Model.Family()
	if err != nil {
		return CommandRequest{}, false
	}

	switch family {
	case FamilyPlug:
		return encodePlugCommand(profile.Address, cmd, args)
	case FamilyEnv:
		return encodeEnvCommand(profile.Address, cmd, args, now)
	case FamilyAmbient:
		return CommandRequest{}, false
	default:
		return CommandRequest{}, false
	}
}

func encodePlugCommand(address string, cmd Command, args Args) (CommandRequest, bool) {
	var data string
	switch cmd {
	case CommandSwitchOn:
		data = plugSwitchOn
	case CommandSwitchOff:
		data = plugSwitchOff
	default:
		return CommandRequest{}, false
	}

	return CommandRequest{
		Address:                    address,
		WriteCharacteristicHandle:  plugWriteHandle,
		NotifyCharacteristicHandle: plugNotifyHandle,
		WritePayload:               data,
		MaxNotifications:           1,
		WaitNotificationsMs:        args.millis(ArgWaitNotificationsMs),
		WaitConnectMs:              args.millis(ArgWaitConnectMs),
	}, true
}

func encodeEnvCommand(address string, cmd Command, args Args, now time.Time) (CommandRequest, bool) {
	if cmd != CommandFetchLog {
		return CommandRequest{}, false
	}

	interval, ok := args.Number(ArgIntervalSeconds)
	if !ok || interval < 0 {
		return CommandRequest{}, false
	}
	end := now.Unix()
	start := end - int64(interval)
	if end > math.MaxUint32 || start < 0 {
		return CommandRequest{}, false
	}

	var window [8]byte
	binary.BigEndian.PutUint32(window[0:4], uint32(end))
	binary.BigEndian.PutUint32(window[4:8], uint32(start))

	return CommandRequest{
		Address:                    address,
		WriteCharacteristicHandle:  envWriteHandle,
		NotifyCharacteristicHandle: envNotifyHandle,
		WritePayload:               envFetchLogOpcode + hex.EncodeToString(window[:]),
		WaitNotificationsMs:        args.millis(ArgWaitNotificationsMs),
		WaitConnectMs:              args.millis(ArgWaitConnectMs),
		TerminatorNotification:     envLogTerminator,
	}, true
}
