package scanner

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"github.com/mjasion/balena-home/blegateway/bridge"
	"github.com/mjasion/balena-home/blegateway/codec"
)

// AdvertisementSink receives advertisements of configured devices
type AdvertisementSink interface {
	ProcessAdvertisement(ctx context.Context, address string, msg bridge.AdvertisementMessage) error
}

// Scanner listens for advertisements on the local BLE adapter
type Scanner struct {
	adapter *bluetooth.Adapter
	devices map[string]string // MAC address to device name
	sink    AdvertisementSink
	logger  *zap.Logger
}

// New creates a scanner for the given devices
func New(devices []codec.DeviceProfile, sink AdvertisementSink, logger *zap.Logger) *Scanner {
	macs := make(map[string]string, len(devices))
	for _, d := range devices {
		macs[strings.ToUpper(strings.TrimSpace(d.Address))] = d.Name
	}

	return &Scanner{
		adapter: bluetooth.DefaultAdapter,
		devices: macs,
		sink:    sink,
		logger:  logger,
	}
}

// Start enables the adapter and scans until ctx is done or Stop is called
func (s *Scanner) Start(ctx context.Context) error {
	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("failed to enable BLE adapter: %w", err)
	}

	s.logger.Info("starting BLE scan", zap.Int("device_count", len(s.devices)))

	err := s.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		select {
		case <-ctx.Done():
			_ = adapter.StopScan()
			return
		default:
		}

		s.handle(ctx, result.Address.String(), result.RSSI, result.ManufacturerData(), result.ServiceData())
	})
	if err != nil {
		return fmt.Errorf("failed to start BLE scan: %w", err)
	}
	return nil
}

// Stop stops the BLE scan
func (s *Scanner) Stop() error {
	s.logger.Info("stopping BLE scan")
	if err := s.adapter.StopScan(); err != nil {
		return fmt.Errorf("failed to stop BLE scan: %w", err)
	}
	return nil
}

func (s *Scanner) handle(ctx context.Context, address string, rssi int16, mfg []bluetooth.ManufacturerDataElement, svc []bluetooth.ServiceDataElement) {
	mac := strings.ToUpper(address)
	name, ok := s.devices[mac]
	if !ok {
		return
	}

	msg := bridge.AdvertisementMessage{RSSI: rssi, AdvData: rawAdvertisement(mfg, svc)}
	if len(msg.AdvData) == 0 {
		return
	}

	if err := s.sink.ProcessAdvertisement(ctx, mac, msg); err != nil {
		s.logger.Warn("failed to process advertisement",
			zap.String("device", name),
			zap.String("mac", mac),
			zap.Error(err),
		)
	}
}

// rawAdvertisement rebuilds the AD structures the codec reads from the parsed
// scan result. Manufacturer data becomes "FF" (company id little-endian, then
// data) and 16-bit service data becomes "16" (UUID little-endian, then data).
// The first element of each type wins.
func rawAdvertisement(mfg []bluetooth.ManufacturerDataElement, svc []bluetooth.ServiceDataElement) codec.RawAdvertisement {
	raw := make(codec.RawAdvertisement)

	if len(mfg) > 0 {
		b := binary.LittleEndian.AppendUint16(nil, mfg[0].CompanyID)
		raw[codec.ADManufacturerData] = strings.ToUpper(hex.EncodeToString(append(b, mfg[0].Data...)))
	}

	for _, sd := range svc {
		if !sd.UUID.Is16Bit() {
			continue
		}
		b := binary.LittleEndian.AppendUint16(nil, sd.UUID.Get16Bit())
		raw[codec.ADServiceData16] = strings.ToUpper(hex.EncodeToString(append(b, sd.Data...)))
		break
	}

	return raw
}
