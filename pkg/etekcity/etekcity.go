// Package etekcity implements a session with an Etekcity smart fitness scale,
// either connected (subscribing to its notifications) or passively listening
// to its advertisements
package etekcity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fako1024/btfitscale/pkg/bodymetrics"
	"github.com/fako1024/btfitscale/pkg/etekcity/codec"
	"github.com/fako1024/btfitscale/pkg/etekcity/stabilizer"
	"github.com/fako1024/btfitscale/pkg/scale"
	"github.com/fatih/stopwatch"
)

const (
	defaultUnitAckTimeout = 5 * time.Second
	eventQueueSize        = 64
)

var (

	// ErrRetriesExhausted denotes that the scale could not be (re-)connected
	ErrRetriesExhausted = errors.New("connection retries exhausted")

	// ErrNotConnected denotes that the session is not running
	ErrNotConnected = errors.New("scale session is not running")

	// ErrAlreadyStarted denotes that the session is already running
	ErrAlreadyStarted = errors.New("scale session already started")

	// ErrUnsupported denotes an operation the current mode does not support
	ErrUnsupported = errors.New("operation not supported in advertisement mode")

	errConnectionLost = errors.New("connection to scale lost")
)

// Scale denotes a session with a single Etekcity fitness scale
type Scale struct {
	address    string
	deviceName string
	mode       Mode
	transport  Transport

	initialUnit    scale.WeightUnit
	stabilizerCfg  stabilizer.Config
	retry          RetryPolicy
	unitAckTimeout time.Duration
	profile        *bodymetrics.Profile
	recorder       Recorder
	now            func() time.Time

	mu               sync.RWMutex
	connectionStatus scale.ConnectionStatus
	hwVersion        string
	swVersion        string
	displayUnit      scale.WeightUnit
	lastMeasurement  *scale.ScaleData
	timer            *stopwatch.Stopwatch

	stateChangeHandler func(status scale.ConnectionStatus)
	stateChangeChan    chan scale.ConnectionStatus

	dataHandler func(data scale.ScaleData)
	dataChan    chan scale.ScaleData

	events chan event
	cancel context.CancelFunc
	done   chan struct{}

	logger scale.Logger
}

var _ scale.Scale = (*Scale)(nil)

// New instantiates a new session for the scale with the given address (either
// the address reported by the transport or the MAC embedded in its
// advertisements), executing functional options, if any
func New(address string, transport Transport, options ...func(*Scale)) (*Scale, error) {

	if transport == nil {
		return nil, errors.New("no transport provided")
	}

	// Initialize a new instance of an Etekcity scale
	s := &Scale{
		address:        codec.NormalizeAddress(address),
		transport:      transport,
		initialUnit:    scale.UnitUnknown,
		stabilizerCfg:  stabilizer.DefaultConfig(),
		retry:          DefaultRetryPolicy(),
		unitAckTimeout: defaultUnitAckTimeout,
		now:            time.Now,
		displayUnit:    scale.UnitUnknown,
		logger:         &scale.NullLogger{},
	}

	// Execute functional options (if any), see options.go for implementation
	for _, option := range options {
		option(s)
	}

	if s.mode == ModeConnect && s.address == "" && s.deviceName == "" {
		return nil, errors.New("either an address or a device name is required to connect")
	}
	if s.initialUnit != scale.UnitUnknown && !s.initialUnit.Valid() {
		return nil, fmt.Errorf("invalid display unit `%s`", s.initialUnit)
	}
	if s.unitAckTimeout <= 0 {
		return nil, fmt.Errorf("invalid unit acknowledgment timeout: %v", s.unitAckTimeout)
	}
	if err := s.stabilizerCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stabilizer configuration: %w", err)
	}
	if err := s.retry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	if s.profile != nil && s.profile.HeightM <= 0 {
		return nil, fmt.Errorf("invalid profile height: %v", s.profile.HeightM)
	}

	return s, nil
}

// Address returns the (normalized) address of the scale
func (s *Scale) Address() string {
	return s.address
}

// Start starts the session, scanning for the scale (or listening to its
// advertisements). The session ends when Stop is called or ctx is cancelled
func (s *Scale) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		select {
		case <-s.done:
		default:
			return ErrAlreadyStarted
		}
	}

	l, err := s.newLoop()
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	l.ctx, l.cancel = loopCtx, cancel
	s.events, s.cancel, s.done = l.events, cancel, l.done

	go l.run()

	return nil
}

// Stop terminates the session, disconnecting from the scale. It is safe to call
// in any state and no handler is called once it has returned
func (s *Scale) Stop() error {
	s.mu.RLock()
	cancel, done := s.cancel, s.done
	s.mu.RUnlock()

	if cancel == nil {
		return nil
	}

	cancel()
	<-done

	return nil
}

// ConnectionStatus returns the current status of the bluetooth device
func (s *Scale) ConnectionStatus() scale.ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.connectionStatus
}

// HWVersion returns the hardware version of the scale (once reported)
func (s *Scale) HWVersion() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.hwVersion, s.hwVersion != ""
}

// SWVersion returns the software version of the scale (once reported)
func (s *Scale) SWVersion() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.swVersion, s.swVersion != ""
}

// DisplayUnit returns the unit last echoed by the scale
func (s *Scale) DisplayUnit() scale.WeightUnit {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.displayUnit
}

// SetDisplayUnit requests the scale to show the given unit and waits until it
// acknowledges the change. If the scale is not connected, the request is sent
// upon the next connection (bounded by ctx)
func (s *Scale) SetDisplayUnit(ctx context.Context, u scale.WeightUnit) error {
	if s.mode == ModeAdvertisement {
		return ErrUnsupported
	}

	s.mu.RLock()
	events, done := s.events, s.done
	s.mu.RUnlock()
	if done == nil {
		return ErrNotConnected
	}

	reply := make(chan unitReply, 1)
	select {
	case events <- unitRequestEvent{unit: u, reply: reply}:
	case <-done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}

	var r unitReply
	select {
	case r = <-reply:
	case <-done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
	if r.err != nil {
		return r.err
	}

	select {
	case <-r.req.Done():
		return r.req.Err()
	case <-done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnectedFor returns for how long the scale has been subscribed to
func (s *Scale) ConnectedFor() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.timer == nil || s.connectionStatus.State != scale.StateSubscribed {
		return 0
	}
	return s.timer.ElapsedTime()
}

// LastMeasurement returns the most recent measurement, if any
func (s *Scale) LastMeasurement() (scale.ScaleData, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.lastMeasurement == nil {
		return scale.ScaleData{}, false
	}
	return s.lastMeasurement.Clone(), true
}

// SetStateChangeHandler defines a handler function that is called upon state change
func (s *Scale) SetStateChangeHandler(fn func(status scale.ConnectionStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stateChangeHandler = fn
}

// SetStateChangeChannel defines a channel that receives state changes (dropped if full)
func (s *Scale) SetStateChangeChannel(ch chan scale.ConnectionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stateChangeChan = ch
}

// SetDataHandler defines a handler function that is called upon each measurement
func (s *Scale) SetDataHandler(fn func(data scale.ScaleData)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dataHandler = fn
}

// SetDataChannel defines a channel that receives each measurement
func (s *Scale) SetDataChannel(ch chan scale.ScaleData) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dataChan = ch
}

////////////////////////////////////////////////////////////////////////////////

func (s *Scale) setStatus(state scale.State, err error) {
	s.mu.Lock()
	s.connectionStatus = scale.ConnectionStatus{
		State: state,
		Error: err,
	}
	status, handler, ch := s.connectionStatus, s.stateChangeHandler, s.stateChangeChan
	s.mu.Unlock()

	// Call handler function, if any
	if handler != nil {
		handler(status)
	}

	// Put state change on channel, if any
	if ch != nil {
		select {
		case ch <- status:
		default:
		}
	}
}

func (s *Scale) publish(ctx context.Context, data scale.ScaleData) {
	s.mu.Lock()
	last := data.Clone()
	s.lastMeasurement = &last
	handler, ch := s.dataHandler, s.dataChan
	s.mu.Unlock()

	// Call handler function, if any
	if handler != nil {
		handler(data.Clone())
	}

	// Put measurement on channel, if any
	if ch != nil {
		select {
		case ch <- data:
		case <-ctx.Done():
		}
	}
}

func (s *Scale) setVersions(hw, sw string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if hw != "" {
		s.hwVersion = hw
	}
	if sw != "" {
		s.swVersion = sw
	}
}

func (s *Scale) setDisplayUnit(u scale.WeightUnit) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.displayUnit = u
}

func (s *Scale) startTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer == nil {
		s.timer = stopwatch.Start(0)
		return
	}
	s.timer.Reset()
	s.timer.Start(0)
}

func (s *Scale) stopTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
}
