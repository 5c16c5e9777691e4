package etekcity

import (
	"time"

	"github.com/fako1024/btfitscale/pkg/bodymetrics"
	"github.com/fako1024/btfitscale/pkg/etekcity/stabilizer"
	"github.com/fako1024/btfitscale/pkg/scale"
)

// Mode denotes the way measurements are obtained from the scale
type Mode int

const (

	// ModeConnect connects to the scale and subscribes to its notifications
	ModeConnect Mode = iota

	// ModeAdvertisement decodes measurements from broadcast advertisements only
	ModeAdvertisement
)

// String returns the name of the mode
func (m Mode) String() string {
	if m == ModeAdvertisement {
		return "advertisement"
	}
	return "connect"
}

// WithDeviceName sets the Bluetooth device name (used if no address is set)
func WithDeviceName(deviceName string) func(*Scale) {
	return func(s *Scale) {
		s.deviceName = deviceName
	}
}

// WithMode sets the operation mode
func WithMode(mode Mode) func(*Scale) {
	return func(s *Scale) {
		s.mode = mode
	}
}

// WithDisplayUnit sets the display unit to enforce upon each connection
func WithDisplayUnit(unit scale.WeightUnit) func(*Scale) {
	return func(s *Scale) {
		s.initialUnit = unit
	}
}

// WithStabilizerConfig overrides the measurement stabilization parameters
func WithStabilizerConfig(cfg stabilizer.Config) func(*Scale) {
	return func(s *Scale) {
		s.stabilizerCfg = cfg
	}
}

// WithRetryPolicy overrides the connection retry policy
func WithRetryPolicy(policy RetryPolicy) func(*Scale) {
	return func(s *Scale) {
		s.retry = policy
	}
}

// WithUnitAckTimeout sets how long to wait for the scale to echo a new display unit
func WithUnitAckTimeout(timeout time.Duration) func(*Scale) {
	return func(s *Scale) {
		s.unitAckTimeout = timeout
	}
}

// WithProfile enables body metrics for all measurements
func WithProfile(profile bodymetrics.Profile) func(*Scale) {
	return func(s *Scale) {
		s.profile = &profile
	}
}

// WithLogger sets a logger
func WithLogger(logger scale.Logger) func(*Scale) {
	return func(s *Scale) {
		s.logger = logger
	}
}

// WithCapture records all raw payloads received from the scale
func WithCapture(rec Recorder) func(*Scale) {
	return func(s *Scale) {
		s.recorder = rec
	}
}

// WithClock overrides the time source used for timestamps and deadlines
func WithClock(now func() time.Time) func(*Scale) {
	return func(s *Scale) {
		s.now = now
	}
}
