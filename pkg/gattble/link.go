package gattble

import (
	"context"
	"fmt"
	"sync"

	"github.com/fako1024/gatt"
)

// link denotes an established connection to a peripheral
type link struct {
	transport *Transport
	p         gatt.Peripheral

	mu              sync.Mutex
	characteristics map[string]*gatt.Characteristic
	closed          bool
	onDisconnect    func(error)
}

// Subscribe enables notifications for the given characteristic
func (l *link) Subscribe(ctx context.Context, char string, fn func([]byte)) error {
	c, err := l.characteristic(char)
	if err != nil {
		return err
	}

	return withContext(ctx, func() error {

		// Discover descriptors (required to locate the client configuration descriptor)
		if _, err := l.p.DiscoverDescriptors(nil, c); err != nil {
			return fmt.Errorf("failed to discover descriptors: %w", err)
		}

		if err := l.p.SetNotifyValue(c, func(_ *gatt.Characteristic, data []byte, err error) {
			if err != nil {
				l.transport.logger.Debugf("notification error on `%s`: %s", char, err)
				return
			}
			fn(data)
		}); err != nil {
			return fmt.Errorf("failed to subscribe characteristic: %w", err)
		}

		return nil
	})
}

// Write writes to the given characteristic (with response)
func (l *link) Write(ctx context.Context, char string, data []byte) error {
	c, err := l.characteristic(char)
	if err != nil {
		return err
	}

	return withContext(ctx, func() error {
		return l.p.WriteCharacteristic(c, data, false)
	})
}

// Read reads the value of the given characteristic
func (l *link) Read(ctx context.Context, char string) ([]byte, error) {
	c, err := l.characteristic(char)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = withContext(ctx, func() (rerr error) {
		data, rerr = l.p.ReadCharacteristic(c)
		return
	})

	return data, err
}

// Disconnect terminates the connection
func (l *link) Disconnect() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.transport.release(l)
	l.transport.btDevice.CancelConnection(l.p)

	return nil
}

////////////////////////////////////////////////////////////////////////////////

// discover locates all characteristics of the peripheral
func (l *link) discover() error {

	// Set connection MTU
	if err := l.p.SetMTU(mtu); err != nil {
		return fmt.Errorf("failed to set MTU: %w", err)
	}

	// Discover services
	ss, err := l.p.DiscoverServices(nil)
	if err != nil {
		return fmt.Errorf("failed to discover services: %w", err)
	}

	chars := make(map[string]*gatt.Characteristic)
	for _, s := range ss {

		// Discover characteristics
		cs, err := l.p.DiscoverCharacteristics(nil, s)
		if err != nil {
			return fmt.Errorf("failed to discover characteristics of service `%s`: %w", s.UUID(), err)
		}
		for _, c := range cs {
			chars[c.UUID().String()] = c
		}
	}

	l.mu.Lock()
	l.characteristics = chars
	l.mu.Unlock()

	return nil
}

func (l *link) characteristic(char string) (*gatt.Characteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, fmt.Errorf("link to `%s` is closed", l.p.ID())
	}

	c, ok := l.characteristics[char]
	if !ok {
		return nil, fmt.Errorf("characteristic `%s` not found on `%s`", char, l.p.ID())
	}
	return c, nil
}

func (l *link) disconnected(err error) {
	l.mu.Lock()
	wasClosed := l.closed
	l.closed = true
	l.mu.Unlock()

	// Only report disconnects not initiated by Disconnect()
	if !wasClosed && l.onDisconnect != nil {
		l.onDisconnect(err)
	}
}
