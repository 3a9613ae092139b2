package ble

import (
	"context"
	"errors"
	"time"

	"ble-sensor-hub/internal/gatt"
)

// Advertisement is one observation from a discovery sweep.
type Advertisement struct {
	Address          string
	Name             string
	RSSI             int16
	HasRSSI          bool
	ManufacturerData map[uint16][]byte
}

// Characteristic is a located endpoint on a connected device, ready for I/O.
type Characteristic interface {
	Read() ([]byte, error)
	Write(p []byte) error
}

// Conn is an open link to one device. Endpoint lookup goes through the
// device's service table: a characteristic UUID alone is not a valid address
// because UUIDs may repeat across services.
type Conn interface {
	// DiscoverEndpoint locates the characteristic within its declaring
	// service. An endpoint absent from its service is an error.
	DiscoverEndpoint(ep gatt.Endpoint) (Characteristic, error)
	Disconnect() error
}

// Transport abstracts the physical BLE layer so the pipeline and its tests do
// not depend on a radio being present.
type Transport interface {
	// Scan runs one bounded discovery sweep, invoking found for every
	// observed advertisement. It returns once the timeout elapses or the
	// context is cancelled.
	Scan(ctx context.Context, timeout time.Duration, found func(Advertisement)) error

	// Connect opens a link to the device at address. The context bounds the
	// connection attempt.
	Connect(ctx context.Context, address string) (Conn, error)
}

// ErrUnknownDevice is returned by Connect when the address has not been seen
// in a scan and the transport cannot address it directly.
var ErrUnknownDevice = errors.New("device not seen in any scan")
