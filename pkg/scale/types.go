package scale

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (

	// WeightKey denotes the measurement key of the weight (always in kilograms)
	WeightKey = "weight"

	// ImpedanceKey denotes the measurement key of the bioelectrical impedance (in ohms)
	ImpedanceKey = "impedance"
)

// WeightUnit denotes the unit the scale shows on its own display
type WeightUnit int

const (

	// UnitUnknown denotes an unknown / not yet reported unit
	UnitUnknown WeightUnit = iota - 1

	// UnitKilograms denotes metric units
	UnitKilograms

	// UnitPounds denotes imperial units
	UnitPounds

	// UnitStone denotes stone units
	UnitStone
)

// String returns a short, human-readable representation of the unit
func (u WeightUnit) String() string {
	switch u {
	case UnitKilograms:
		return "kg"
	case UnitPounds:
		return "lb"
	case UnitStone:
		return "st"
	default:
		return "--"
	}
}

// Valid returns if the unit is one the device can display
func (u WeightUnit) Valid() bool {
	return u == UnitKilograms || u == UnitPounds || u == UnitStone
}

// ParseWeightUnit parses a unit from its short or long name
func ParseWeightUnit(s string) (WeightUnit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "kg", "kilograms", "kilogram":
		return UnitKilograms, nil
	case "lb", "lbs", "pounds", "pound":
		return UnitPounds, nil
	case "st", "stone", "stones":
		return UnitStone, nil
	}

	return UnitUnknown, fmt.Errorf("unsupported weight unit `%s`", s)
}

// Origin denotes the path a raw payload was received on
type Origin int

const (

	// OriginNotification denotes a GATT notification of a connected device
	OriginNotification Origin = iota

	// OriginAdvertisement denotes a broadcast advertisement frame
	OriginAdvertisement
)

// String returns the name of the origin
func (o Origin) String() string {
	if o == OriginAdvertisement {
		return "advertisement"
	}
	return "notification"
}

// RawPayload denotes an opaque byte payload as received from the transport
type RawPayload struct {
	Origin Origin
	Data   []byte
}

// State denotes a session state
type State int

const (

	// StateIdle is active before the session has been started
	StateIdle State = iota

	// StateScanning is active while scanning for the bluetooth device
	StateScanning

	// StateConnecting is active while a connection attempt is in flight
	StateConnecting

	// StateConnected is active once connected, before notifications are enabled
	StateConnected

	// StateSubscribed is active while receiving notifications from the scale
	StateSubscribed

	// StateAdvertisementListening is active while decoding advertisements only
	StateAdvertisementListening

	// StateDisconnected is active after being disconnected from the scale
	StateDisconnected

	// StateFailed is active after a failed connection attempt
	StateFailed
)

// String returns the name of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateAdvertisementListening:
		return "advertisement-listening"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ConnectionStatus denotes the current status of the bluetooth device
type ConnectionStatus struct {
	Error error
	State
}

// ScaleData denotes one finalized measurement of a weigh-in, together with
// the attributes of the scale it was taken on
type ScaleData struct {
	ID        uuid.UUID
	TimeStamp time.Time

	Name      string
	Address   string
	HWVersion string
	SWVersion string

	DisplayUnit  WeightUnit
	Measurements map[string]float64
}

// Weight returns the weight in kilograms, if present
func (d ScaleData) Weight() (float64, bool) {
	v, ok := d.Measurements[WeightKey]
	return v, ok
}

// Impedance returns the impedance in ohms, if present
func (d ScaleData) Impedance() (float64, bool) {
	v, ok := d.Measurements[ImpedanceKey]
	return v, ok
}

// Clone returns a deep copy of the data
func (d ScaleData) Clone() ScaleData {
	c := d
	c.Measurements = make(map[string]float64, len(d.Measurements))
	for k, v := range d.Measurements {
		c.Measurements[k] = v
	}
	return c
}
