package etekcity

import (
	"context"

	"github.com/fako1024/btfitscale/pkg/scale"
)

const (

	// CharNotify denotes the characteristic the scale sends its frames on
	CharNotify = "fff1"

	// CharWrite denotes the characteristic commands are written to
	CharWrite = "fff2"

	// CharHWRevision denotes the hardware revision characteristic (device information service)
	CharHWRevision = "2a27"

	// CharSWRevision denotes the software revision characteristic (device information service)
	CharSWRevision = "2a28"
)

// Advertisement denotes a single advertisement as seen by the transport
type Advertisement struct {
	Address string
	Name    string
	RSSI    int

	// ManufacturerData contains the raw manufacturer specific data, including
	// the leading (little-endian) company identifier
	ManufacturerData []byte
}

// Transport denotes the BLE stack used to reach a scale
type Transport interface {

	// Scan starts scanning, calling fn for each advertisement until StopScan is called
	Scan(ctx context.Context, fn func(Advertisement)) error

	// StopScan stops an ongoing scan
	StopScan() error

	// Connect connects to the device with the given address. The onDisconnect
	// function is called (at most once) if the link drops
	Connect(ctx context.Context, address string, onDisconnect func(error)) (Link, error)
}

// Link denotes an established connection to a device
type Link interface {
	Subscribe(ctx context.Context, char string, fn func([]byte)) error
	Write(ctx context.Context, char string, data []byte) error
	Read(ctx context.Context, char string) ([]byte, error)
	Disconnect() error
}

// Recorder denotes a sink for raw payloads (e.g. a capture file)
type Recorder interface {
	Record(p scale.RawPayload, address string) error
}
