// Package gattble provides a BLE transport for scale sessions based on the
// HCI / GATT stack of github.com/fako1024/gatt
package gattble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fako1024/btfitscale/pkg/etekcity"
	"github.com/fako1024/btfitscale/pkg/etekcity/codec"
	"github.com/fako1024/btfitscale/pkg/scale"
	"github.com/fako1024/gatt"
)

const mtu = 500

// ErrUnknownPeripheral denotes a connection attempt to a device that was not discovered
var ErrUnknownPeripheral = errors.New("peripheral has not been discovered")

// Transport denotes a BLE transport backed by a local HCI device
type Transport struct {
	btDevice gatt.Device
	logger   scale.Logger

	ready     chan struct{}
	readyOnce sync.Once

	mu          sync.Mutex
	scanFn      func(etekcity.Advertisement)
	peripherals map[string]gatt.Peripheral
	connecting  map[string]chan error
	links       map[string]*link
}

var _ etekcity.Transport = (*Transport)(nil)

// New instantiates a new Transport, executing functional options, if any
func New(options ...func(*Transport)) (*Transport, error) {

	t := &Transport{
		logger:      &scale.NullLogger{},
		ready:       make(chan struct{}),
		peripherals: make(map[string]gatt.Peripheral),
		connecting:  make(map[string]chan error),
		links:       make(map[string]*link),
	}

	// Execute functional options (if any)
	for _, option := range options {
		option(t)
	}

	// Initialize a new GATT device (if not provided as option)
	if t.btDevice == nil {
		btDevice, err := gatt.NewDevice(defaultBTClientOptions...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize bluetooth device: %w", err)
		}
		t.btDevice = btDevice
	}

	// Register handlers
	t.btDevice.Handle(
		gatt.AddPeripheralDiscovered(t.onPeriphDiscovered),
		gatt.AddPeripheralConnected(t.onPeriphConnected),
		gatt.AddPeripheralDisconnected(t.onPeriphDisconnected),
	)

	// Initialize the device
	if err := t.btDevice.Init(t.onStateChanged); err != nil {
		return nil, fmt.Errorf("failed to initialize bluetooth device: %w", err)
	}

	return t, nil
}

// WithDevice sets the Bluetooth device
func WithDevice(btDevice gatt.Device) func(*Transport) {
	return func(t *Transport) {
		t.btDevice = btDevice
	}
}

// WithLogger sets a logger
func WithLogger(logger scale.Logger) func(*Transport) {
	return func(t *Transport) {
		t.logger = logger
	}
}

// Scan starts scanning (once the device is powered on)
func (t *Transport) Scan(ctx context.Context, fn func(etekcity.Advertisement)) error {
	select {
	case <-t.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	t.mu.Lock()
	t.scanFn = fn
	t.mu.Unlock()

	// Duplicates are required, advertisement frames carry changing payloads
	return t.btDevice.Scan([]gatt.UUID{}, true)
}

// StopScan stops scanning
func (t *Transport) StopScan() error {
	t.mu.Lock()
	t.scanFn = nil
	t.mu.Unlock()

	return t.btDevice.StopScanning()
}

// Connect connects to a previously discovered peripheral and discovers its
// characteristics
func (t *Transport) Connect(ctx context.Context, address string, onDisconnect func(error)) (etekcity.Link, error) {
	id := codec.NormalizeAddress(address)

	t.mu.Lock()
	p, ok := t.peripherals[id]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: `%s`", ErrUnknownPeripheral, address)
	}
	connected := make(chan error, 1)
	t.connecting[id] = connected
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.connecting, id)
		t.mu.Unlock()
	}()

	t.logger.Debugf("connecting device `%s/%s`", p.Name(), p.ID())
	if err := t.btDevice.Connect(p); err != nil {
		return nil, fmt.Errorf("failed to connect device `%s/%s`: %w", p.Name(), p.ID(), err)
	}

	select {
	case err := <-connected:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		t.btDevice.CancelConnection(p)
		return nil, ctx.Err()
	}

	l := &link{
		transport:    t,
		p:            p,
		onDisconnect: onDisconnect,
	}
	if err := withContext(ctx, l.discover); err != nil {
		t.btDevice.CancelConnection(p)
		return nil, err
	}

	t.mu.Lock()
	t.links[id] = l
	t.mu.Unlock()

	return l, nil
}

// Close stops scanning and releases the device
func (t *Transport) Close() error {
	_ = t.btDevice.StopScanning()
	return t.btDevice.RemoveAllServices()
}

////////////////////////////////////////////////////////////////////////////////

func (t *Transport) onStateChanged(d gatt.Device, s gatt.State) {
	t.logger.Debugf("bluetooth device state changed to `%s`", s)

	switch s {
	case gatt.StatePoweredOn:
		t.readyOnce.Do(func() { close(t.ready) })
	default:
		if err := d.StopScanning(); err != nil {
			t.logger.Warnf("failed to stop scanning: %s", err)
		}
	}
}

func (t *Transport) onPeriphDiscovered(p gatt.Peripheral, a *gatt.Advertisement, rssi int) {
	id := codec.NormalizeAddress(p.ID())

	t.mu.Lock()
	t.peripherals[id] = p
	fn := t.scanFn
	t.mu.Unlock()

	if fn == nil || a == nil {
		return
	}

	name := a.LocalName
	if name == "" {
		name = p.Name()
	}
	fn(etekcity.Advertisement{
		Address:          id,
		Name:             name,
		RSSI:             rssi,
		ManufacturerData: a.ManufacturerData,
	})
}

func (t *Transport) onPeriphConnected(p gatt.Peripheral, err error) {
	id := codec.NormalizeAddress(p.ID())

	t.mu.Lock()
	connected, ok := t.connecting[id]
	t.mu.Unlock()

	if !ok {
		return
	}
	t.logger.Debugf("connected peripheral `%s/%s`", p.Name(), p.ID())

	select {
	case connected <- err:
	default:
	}
}

func (t *Transport) onPeriphDisconnected(p gatt.Peripheral, err error) {
	id := codec.NormalizeAddress(p.ID())

	t.mu.Lock()
	l, ok := t.links[id]
	delete(t.links, id)
	t.mu.Unlock()

	t.logger.Debugf("disconnected peripheral `%s/%s`", p.Name(), p.ID())
	if ok {
		l.disconnected(err)
	}
}

func (t *Transport) release(l *link) {
	id := codec.NormalizeAddress(l.p.ID())

	t.mu.Lock()
	if t.links[id] == l {
		delete(t.links, id)
	}
	t.mu.Unlock()
}

// withContext runs a blocking GATT operation, giving up once ctx is done (the
// operation itself cannot be interrupted)
func withContext(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	go func() {
		res <- fn()
	}()

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
