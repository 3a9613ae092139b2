package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"ble-sensor-hub/internal/gatt"
)

// Adapter is the production Transport backed by the host's Bluetooth stack.
//
// The underlying library addresses devices by the opaque Address values it
// hands out during scans, so the adapter remembers every address it has seen.
// Connecting to a device that never appeared in a scan fails with
// ErrUnknownDevice.
type Adapter struct {
	adapter *bluetooth.Adapter
	logger  *slog.Logger

	mu   sync.Mutex
	seen map[string]bluetooth.Address
}

// NewAdapter enables the default Bluetooth adapter.
func NewAdapter(logger *slog.Logger) (*Adapter, error) {
	a := bluetooth.DefaultAdapter
	if err := a.Enable(); err != nil {
		return nil, fmt.Errorf("enable bluetooth adapter: %w", err)
	}
	return &Adapter{
		adapter: a,
		logger:  logger.With("component", "ble"),
		seen:    make(map[string]bluetooth.Address),
	}, nil
}

// Scan runs one discovery sweep for the given duration.
func (a *Adapter) Scan(ctx context.Context, timeout time.Duration, found func(Advertisement)) error {
	done := make(chan error, 1)
	go func() {
		done <- a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			a.remember(result.Address)

			mfg := make(map[uint16][]byte)
			for _, el := range result.ManufacturerData() {
				data := make([]byte, len(el.Data))
				copy(data, el.Data)
				mfg[el.CompanyID] = data
			}

			// The library reports 0 when the backend supplies no
			// reading, so a genuine 0 dBm frame is treated as absent
			// and ranks weakest.
			found(Advertisement{
				Address:          strings.ToUpper(result.Address.String()),
				Name:             result.LocalName(),
				RSSI:             result.RSSI,
				HasRSSI:          result.RSSI != 0,
				ManufacturerData: mfg,
			})
		})
	}()

	select {
	case <-time.After(timeout):
	case <-ctx.Done():
		if err := a.adapter.StopScan(); err != nil {
			a.logger.Debug("stop scan", "err", err)
		}
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}

	if err := a.adapter.StopScan(); err != nil {
		a.logger.Debug("stop scan", "err", err)
	}
	return <-done
}

// Connect opens a link to a previously scanned device.
func (a *Adapter) Connect(ctx context.Context, address string) (Conn, error) {
	target, ok := a.lookup(address)
	if !ok {
		return nil, fmt.Errorf("%s: %w", address, ErrUnknownDevice)
	}

	var params bluetooth.ConnectionParams
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			params.ConnectionTimeout = bluetooth.NewDuration(remaining)
		}
	}

	device, err := a.adapter.Connect(target, params)
	if err != nil {
		return nil, err
	}
	return &deviceConn{device: device}, nil
}

func (a *Adapter) remember(addr bluetooth.Address) {
	a.mu.Lock()
	a.seen[strings.ToUpper(addr.String())] = addr
	a.mu.Unlock()
}

func (a *Adapter) lookup(address string) (bluetooth.Address, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	addr, ok := a.seen[strings.ToUpper(address)]
	return addr, ok
}

// deviceConn adapts a connected bluetooth.Device to the Conn interface.
type deviceConn struct {
	device bluetooth.Device
}

func (c *deviceConn) DiscoverEndpoint(ep gatt.Endpoint) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(ep.Service)
	if err != nil {
		return nil, fmt.Errorf("parse service uuid: %w", err)
	}
	chUUID, err := bluetooth.ParseUUID(ep.Characteristic)
	if err != nil {
		return nil, fmt.Errorf("parse characteristic uuid: %w", err)
	}

	services, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("discover services: %w", err)
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("service %s not present on device", ep.Service)
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{chUUID})
	if err != nil {
		return nil, fmt.Errorf("discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("characteristic %s not in service %s", ep.Characteristic, ep.Service)
	}
	return &deviceCharacteristic{ch: chars[0]}, nil
}

func (c *deviceConn) Disconnect() error {
	return c.device.Disconnect()
}

type deviceCharacteristic struct {
	ch bluetooth.DeviceCharacteristic
}

func (d *deviceCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, 512)
	n, err := d.ch.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (d *deviceCharacteristic) Write(p []byte) error {
	_, err := d.ch.WriteWithoutResponse(p)
	return err
}
