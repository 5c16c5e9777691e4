// Package stabilizer turns a stream of weight / impedance samples into one
// finalized measurement per weigh-in
package stabilizer

import (
	"errors"
	"fmt"
	"time"

	"github.com/fako1024/btfitscale/pkg/etekcity/codec"
)

const (
	defaultMinSamples        = 3
	defaultWindowSize        = 5
	defaultEpsilonKg         = 0.05
	defaultMinLoadKg         = 1.
	defaultPairingGrace      = 5 * time.Second
	defaultInactivityTimeout = 15 * time.Second
)

// Config denotes the tuning parameters of the stabilizer
type Config struct {

	// MinSamples is the number of consecutive samples within EpsilonKg required
	// to declare a weight stable (if the device does not report stability)
	MinSamples int

	// WindowSize is the number of recent samples kept
	WindowSize int

	// EpsilonKg is the noise floor below which samples are considered equal
	EpsilonKg float64

	// MinLoadKg is the weight below which the scale is considered empty
	MinLoadKg float64

	// PairingGrace is how long a stable weight waits for an impedance sample
	PairingGrace time.Duration

	// InactivityTimeout discards an in-progress reading after this long without samples
	InactivityTimeout time.Duration
}

// DefaultConfig returns the default stabilizer configuration
func DefaultConfig() Config {
	return Config{
		MinSamples:        defaultMinSamples,
		WindowSize:        defaultWindowSize,
		EpsilonKg:         defaultEpsilonKg,
		MinLoadKg:         defaultMinLoadKg,
		PairingGrace:      defaultPairingGrace,
		InactivityTimeout: defaultInactivityTimeout,
	}
}

// Validate checks the configuration for consistency
func (c Config) Validate() error {
	if c.MinSamples < 1 {
		return fmt.Errorf("invalid minimum number of samples: %d", c.MinSamples)
	}
	if c.WindowSize < c.MinSamples {
		return fmt.Errorf("window size %d is smaller than the minimum number of samples %d", c.WindowSize, c.MinSamples)
	}
	if c.EpsilonKg <= 0 {
		return fmt.Errorf("invalid epsilon: %v", c.EpsilonKg)
	}
	if c.MinLoadKg < 0 {
		return fmt.Errorf("invalid minimum load: %v", c.MinLoadKg)
	}
	if c.PairingGrace < 0 {
		return fmt.Errorf("invalid pairing grace period: %v", c.PairingGrace)
	}
	if c.InactivityTimeout <= c.PairingGrace {
		return errors.New("inactivity timeout must exceed the pairing grace period")
	}
	return nil
}

// Measurement denotes a finalized measurement of a weigh-in
type Measurement struct {
	Time time.Time

	WeightKg  float64
	HasWeight bool

	Impedance    float64
	HasImpedance bool
}

type phase int

const (
	phaseIdle phase = iota
	phaseSettling
	phaseAwaitingImpedance
	phaseLatched
)

type sample struct {
	kg float64
	at time.Time
}

// Stabilizer denotes the stabilization state of a single scale. It is not safe
// for concurrent use, all samples of a scale are expected to be fed from one
// goroutine
type Stabilizer struct {
	cfg Config

	phase      phase
	window     []sample
	lastSample time.Time

	pending          Measurement
	settledAt        time.Time
	latchedImpedance bool
}

// New instantiates a new Stabilizer
func New(cfg Config) (*Stabilizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Stabilizer{
		cfg:    cfg,
		window: make([]sample, 0, cfg.WindowSize),
	}, nil
}

// AddWeight feeds a weight sample, returning a measurement if one was finalized
func (s *Stabilizer) AddWeight(w codec.WeightSample, now time.Time) (Measurement, bool) {
	s.lastSample = now
	kg := w.Kilograms()

	// An empty scale ends the current weigh-in
	if kg < s.cfg.MinLoadKg {
		m, ok := s.flush()
		s.Reset()
		return m, ok
	}

	switch s.phase {
	case phaseLatched, phaseAwaitingImpedance:
		return Measurement{}, false
	}

	s.phase = phaseSettling
	if len(s.window) == s.cfg.WindowSize {
		s.window = append(s.window[:0], s.window[1:]...)
	}
	s.window = append(s.window, sample{kg: kg, at: now})

	if !s.settled(w.Stability) {
		return Measurement{}, false
	}

	s.pending.Time = now
	s.pending.WeightKg = kg
	s.pending.HasWeight = true
	s.settledAt = now
	s.window = s.window[:0]

	// Impedance may already have been reported during settling
	if s.pending.HasImpedance || s.cfg.PairingGrace == 0 {
		return s.emit()
	}

	s.phase = phaseAwaitingImpedance
	return Measurement{}, false
}

// AddImpedance feeds an impedance sample, returning a measurement if one was finalized
func (s *Stabilizer) AddImpedance(i codec.ImpedanceSample, now time.Time) (Measurement, bool) {
	s.lastSample = now

	switch s.phase {
	case phaseSettling:
		s.pending.Impedance = i.Ohms()
		s.pending.HasImpedance = true
		return Measurement{}, false

	case phaseAwaitingImpedance:
		s.pending.Impedance = i.Ohms()
		s.pending.HasImpedance = true
		return s.emit()

	case phaseLatched:
		if s.latchedImpedance {
			return Measurement{}, false
		}

		// The weight of this weigh-in was already reported on its own
		s.latchedImpedance = true
		return impedanceOnly(i, now), true
	}

	return impedanceOnly(i, now), true
}

// Tick handles expired deadlines, returning a measurement if one was finalized
func (s *Stabilizer) Tick(now time.Time) (Measurement, bool) {
	if s.phase == phaseAwaitingImpedance && !now.Before(s.settledAt.Add(s.cfg.PairingGrace)) {
		return s.emit()
	}

	if s.phase != phaseIdle && !now.Before(s.lastSample.Add(s.cfg.InactivityTimeout)) {
		s.Reset()
	}

	return Measurement{}, false
}

// Deadline returns the point in time Tick has to be called at (if any)
func (s *Stabilizer) Deadline() (time.Time, bool) {
	switch s.phase {
	case phaseIdle:
		return time.Time{}, false
	case phaseAwaitingImpedance:
		return s.settledAt.Add(s.cfg.PairingGrace), true
	}

	return s.lastSample.Add(s.cfg.InactivityTimeout), true
}

// Reset discards all state, including any in-progress reading
func (s *Stabilizer) Reset() {
	s.phase = phaseIdle
	s.window = s.window[:0]
	s.pending = Measurement{}
	s.settledAt = time.Time{}
	s.latchedImpedance = false
}

////////////////////////////////////////////////////////////////////////////////

func (s *Stabilizer) settled(st codec.Stability) bool {
	switch st {
	case codec.StabilitySettled:
		return true
	case codec.StabilityUnsettled:
		return false
	}

	if len(s.window) < s.cfg.MinSamples {
		return false
	}

	recent := s.window[len(s.window)-s.cfg.MinSamples:]
	lo, hi := recent[0].kg, recent[0].kg
	for _, smp := range recent[1:] {
		if smp.kg < lo {
			lo = smp.kg
		}
		if smp.kg > hi {
			hi = smp.kg
		}
	}

	return hi-lo < s.cfg.EpsilonKg
}

func (s *Stabilizer) emit() (Measurement, bool) {
	m := s.pending
	s.pending = Measurement{}
	s.window = s.window[:0]
	s.phase = phaseLatched
	s.latchedImpedance = m.HasImpedance

	return m, true
}

func (s *Stabilizer) flush() (Measurement, bool) {
	if s.phase != phaseAwaitingImpedance {
		return Measurement{}, false
	}
	return s.emit()
}

func impedanceOnly(i codec.ImpedanceSample, now time.Time) Measurement {
	return Measurement{
		Time:         now,
		Impedance:    i.Ohms(),
		HasImpedance: true,
	}
}
