package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fako1024/btfitscale/pkg/bodymetrics"
	"github.com/fako1024/btfitscale/pkg/scale"
	"github.com/fatih/stopwatch"
	"github.com/google/uuid"
)

const (
	defaultDeviceName = "Mock Scale"
	defaultAddress    = "00:00:00:00:00:00"
	defaultHWVersion  = "mock-hw"
	defaultSWVersion  = "mock-sw"
)

// ErrNotRunning denotes an operation on a mock session that was not started
var ErrNotRunning = errors.New("mock scale is not running")

// Mock denotes a Mock bluetooth fitness scale, acknowledging unit changes
// immediately and emitting measurements on request
type Mock struct {
	deviceName string
	profile    *bodymetrics.Profile

	mu               sync.RWMutex
	connectionStatus scale.ConnectionStatus
	unit             scale.WeightUnit
	lastMeasurement  *scale.ScaleData

	timer *stopwatch.Stopwatch

	stateChangeHandler func(status scale.ConnectionStatus)
	stateChangeChan    chan scale.ConnectionStatus

	dataHandler func(data scale.ScaleData)
	dataChan    chan scale.ScaleData
}

var _ scale.Scale = (*Mock)(nil)

// New instantiates a new Mock struct
func New(options ...func(*Mock)) *Mock {

	// Initialize a new instance of a Mock scale
	m := &Mock{
		deviceName: defaultDeviceName,
		unit:       scale.UnitUnknown,
	}

	// Execute functional options (if any)
	for _, option := range options {
		option(m)
	}

	return m
}

// WithDeviceName sets the name reported for the mock scale
func WithDeviceName(deviceName string) func(*Mock) {
	return func(m *Mock) {
		m.deviceName = deviceName
	}
}

// WithProfile enables body metrics for all emitted measurements
func WithProfile(profile bodymetrics.Profile) func(*Mock) {
	return func(m *Mock) {
		m.profile = &profile
	}
}

// Start starts the mock session
func (m *Mock) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.connectionStatus.State == scale.StateSubscribed {
		m.mu.Unlock()
		return errors.New("mock scale already started")
	}
	if m.timer == nil {
		m.timer = stopwatch.Start(0)
	} else {
		m.timer.Reset()
		m.timer.Start(0)
	}
	m.mu.Unlock()

	m.setStatus(scale.ConnectionStatus{State: scale.StateSubscribed})
	return nil
}

// Stop terminates the mock session
func (m *Mock) Stop() error {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.mu.Unlock()

	m.setStatus(scale.ConnectionStatus{State: scale.StateDisconnected})
	return nil
}

// ConnectionStatus returns the current status of the bluetooth device
func (m *Mock) ConnectionStatus() scale.ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.connectionStatus
}

// HWVersion returns the hardware version of the scale
func (m *Mock) HWVersion() (string, bool) {
	if !m.running() {
		return "", false
	}
	return defaultHWVersion, true
}

// SWVersion returns the software version of the scale
func (m *Mock) SWVersion() (string, bool) {
	if !m.running() {
		return "", false
	}
	return defaultSWVersion, true
}

// DisplayUnit returns the current display unit
func (m *Mock) DisplayUnit() scale.WeightUnit {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.unit
}

// SetDisplayUnit changes the display unit (acknowledged immediately)
func (m *Mock) SetDisplayUnit(ctx context.Context, unit scale.WeightUnit) error {
	if !unit.Valid() {
		return fmt.Errorf("invalid display unit `%s`", unit)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !m.running() {
		return ErrNotRunning
	}

	m.mu.Lock()
	m.unit = unit
	m.mu.Unlock()

	return nil
}

// ConnectedFor returns for how long the mock scale has been running
func (m *Mock) ConnectedFor() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.timer != nil && m.connectionStatus.State == scale.StateSubscribed {
		return m.timer.ElapsedTime()
	}

	return 0
}

// LastMeasurement returns the most recent measurement, if any
func (m *Mock) LastMeasurement() (scale.ScaleData, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.lastMeasurement == nil {
		return scale.ScaleData{}, false
	}
	return m.lastMeasurement.Clone(), true
}

// SetStateChangeHandler defines a handler function that is called upon state change
func (m *Mock) SetStateChangeHandler(fn func(status scale.ConnectionStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stateChangeHandler = fn
}

// SetStateChangeChannel defines a channel that receives state changes
func (m *Mock) SetStateChangeChannel(ch chan scale.ConnectionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stateChangeChan = ch
}

// SetDataHandler defines a handler function that is called upon retrieval of data
func (m *Mock) SetDataHandler(fn func(data scale.ScaleData)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dataHandler = fn
}

// SetDataChannel defines a channel that receives all measurements
func (m *Mock) SetDataChannel(ch chan scale.ScaleData) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dataChan = ch
}

// Emit simulates a finalized weigh-in (impedance is omitted if zero)
func (m *Mock) Emit(weightKg, impedance float64) error {
	if !m.running() {
		return ErrNotRunning
	}

	now := time.Now()
	data := scale.ScaleData{
		ID:           uuid.New(),
		TimeStamp:    now,
		Name:         m.deviceName,
		Address:      defaultAddress,
		HWVersion:    defaultHWVersion,
		SWVersion:    defaultSWVersion,
		DisplayUnit:  m.DisplayUnit(),
		Measurements: map[string]float64{scale.WeightKey: weightKg},
	}
	if impedance > 0 {
		data.Measurements[scale.ImpedanceKey] = impedance
	}
	if err := m.enrich(data.Measurements, weightKg, impedance, now); err != nil {
		return err
	}

	m.mu.Lock()
	last := data.Clone()
	m.lastMeasurement = &last
	handler, ch := m.dataHandler, m.dataChan
	m.mu.Unlock()

	if handler != nil {
		handler(data.Clone())
	}
	if ch != nil {
		ch <- data
	}

	return nil
}

////////////////////////////////////////////////////////////////////////////////

func (m *Mock) running() bool {
	return m.ConnectionStatus().State == scale.StateSubscribed
}

func (m *Mock) enrich(measurements map[string]float64, weightKg, impedance float64, now time.Time) error {
	if m.profile == nil {
		return nil
	}

	var res map[string]float64
	if impedance > 0 {
		metrics, err := bodymetrics.Compute(m.profile.Input(weightKg, impedance, now))
		if err != nil {
			return err
		}
		res = metrics.AsMap()
	} else {
		a, err := bodymetrics.ComputeAnthropometrics(weightKg, m.profile.HeightM, m.profile.Sex)
		if err != nil {
			return err
		}
		res = a.AsMap()
	}

	for k, v := range res {
		measurements[k] = v
	}
	return nil
}

func (m *Mock) setStatus(status scale.ConnectionStatus) {
	m.mu.Lock()
	m.connectionStatus = status
	handler, ch := m.stateChangeHandler, m.stateChangeChan
	m.mu.Unlock()

	if handler != nil {
		handler(status)
	}
	if ch != nil {
		select {
		case ch <- status:
		default:
		}
	}
}
