package scale

import (
	"context"
	"time"
)

// Basic denotes a basic fitness scale session
type Basic interface {

	// Start starts the session (scanning / listening for the scale)
	Start(ctx context.Context) error

	// Stop terminates the session, no handler is called after it returned
	Stop() error

	// ConnectionStatus returns the current connection status of the scale device
	ConnectionStatus() ConnectionStatus

	// SetStateChangeHandler defines a handler function that is called upon state change
	SetStateChangeHandler(fn func(status ConnectionStatus))

	// SetStateChangeChannel defines a channel that receives state changes
	SetStateChangeChannel(ch chan ConnectionStatus)

	// SetDataHandler defines a handler function that is called upon each finalized measurement
	SetDataHandler(fn func(data ScaleData))

	// SetDataChannel defines a channel that receives each finalized measurement
	SetDataChannel(ch chan ScaleData)

	// LastMeasurement returns the most recent finalized measurement, if any
	LastMeasurement() (ScaleData, bool)
}

// Versioned denotes access to the device versions, available once reported
type Versioned interface {

	// HWVersion returns the hardware version of the scale
	HWVersion() (string, bool)

	// SWVersion returns the software version of the scale
	SWVersion() (string, bool)
}

// UnitSetter denotes display unit functionality
type UnitSetter interface {

	// DisplayUnit returns the unit last echoed by the scale (UnitUnknown before)
	DisplayUnit() WeightUnit

	// SetDisplayUnit requests a display unit and waits for the scale to echo it
	SetDisplayUnit(ctx context.Context, unit WeightUnit) error
}

// Timer denotes connection duration functionality
type Timer interface {

	// ConnectedFor returns for how long the scale has been connected
	ConnectedFor() time.Duration
}

// Scale denotes the "default" scale containing all functionality
type Scale interface {
	Basic
	Versioned
	UnitSetter
	Timer
}
