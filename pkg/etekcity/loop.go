package etekcity

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fako1024/btfitscale/pkg/bodymetrics"
	"github.com/fako1024/btfitscale/pkg/etekcity/codec"
	"github.com/fako1024/btfitscale/pkg/etekcity/stabilizer"
	"github.com/fako1024/btfitscale/pkg/etekcity/unit"
	"github.com/fako1024/btfitscale/pkg/scale"
	"github.com/google/uuid"
)

type event interface{}

type (
	advertisementEvent struct {
		adv Advertisement
	}
	connectedEvent struct {
		gen  uint64
		link Link
		err  error
	}
	subscribedEvent struct {
		gen uint64
		err error
	}
	notificationEvent struct {
		gen  uint64
		data []byte
	}
	disconnectedEvent struct {
		gen uint64
		err error
	}
	versionsEvent struct {
		gen    uint64
		hw, sw string
	}
	writtenEvent struct {
		gen uint64
		err error
	}
	unitRequestEvent struct {
		unit  scale.WeightUnit
		reply chan unitReply
	}
)

type unitReply struct {
	req *unit.Request
	err error
}

type peer struct {
	name    string
	address string
}

// loop denotes the state of a single run of a session. All of its fields are
// owned by the goroutine executing run()
type loop struct {
	*Scale

	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	done   chan struct{}
	wake   *time.Timer

	postMu sync.Mutex
	closed bool

	stab  *stabilizer.Stabilizer
	units *unit.Negotiator

	state    scale.State
	peer     peer
	link     Link
	gen      uint64
	failures int
	retryAt  time.Time
	retrying bool
	finished bool
}

func (s *Scale) newLoop() (*loop, error) {
	stab, err := stabilizer.New(s.stabilizerCfg)
	if err != nil {
		return nil, err
	}

	units := unit.New(s.unitAckTimeout)
	if s.initialUnit.Valid() {
		if err := units.SetDesired(s.initialUnit); err != nil {
			return nil, err
		}
	}

	return &loop{
		Scale:  s,
		events: make(chan event, eventQueueSize),
		done:   make(chan struct{}),
		stab:   stab,
		units:  units,
		state:  scale.StateIdle,
		peer:   peer{address: s.address},
	}, nil
}

func (l *loop) run() {
	defer close(l.done)
	defer l.drain()

	l.wake = time.NewTimer(time.Hour)
	defer l.wake.Stop()

	l.scan()
	for !l.finished {
		select {
		case <-l.ctx.Done():
			l.shutdown(scale.StateDisconnected, nil)
			return
		case ev := <-l.events:
			l.handle(ev)
		case <-l.resetTimer():
			l.tick()
		}
	}
}

// post hands an event from a transport callback to the loop, returning false
// if the session has ended
func (l *loop) post(ev event) bool {
	l.postMu.Lock()
	defer l.postMu.Unlock()

	if l.closed || l.ctx.Err() != nil {
		return false
	}
	select {
	case l.events <- ev:
		return true
	case <-l.ctx.Done():
		return false
	}
}

// drain refuses all further events and releases any link that was handed
// over after the loop stopped reading
func (l *loop) drain() {
	l.cancel()

	l.postMu.Lock()
	l.closed = true
	l.postMu.Unlock()

	for {
		select {
		case ev := <-l.events:
			if e, ok := ev.(connectedEvent); ok && e.link != nil {
				if err := e.link.Disconnect(); err != nil {
					l.logger.Warnf("failed to disconnect stale link: %s", err)
				}
			}
		default:
			return
		}
	}
}

func (l *loop) handle(ev event) {
	switch e := ev.(type) {
	case advertisementEvent:
		l.onAdvertisement(e.adv)
	case connectedEvent:
		l.onConnected(e)
	case subscribedEvent:
		l.onSubscribed(e)
	case notificationEvent:
		if e.gen == l.gen && l.link != nil {
			l.process(scale.RawPayload{Origin: scale.OriginNotification, Data: e.data})
		}
	case versionsEvent:
		if e.gen == l.gen {
			l.setVersions(e.hw, e.sw)
		}
	case writtenEvent:
		l.onWritten(e)
	case disconnectedEvent:
		l.onDisconnected(e)
	case unitRequestEvent:
		req, err := l.units.Request(e.unit)
		e.reply <- unitReply{req: req, err: err}

		// Without a new write, the request waits for the echo of an earlier command
		if err == nil && !l.writeUnit() && l.units.Awaiting() {
			l.units.Arm(l.now())
		}
	}
}

func (l *loop) tick() {
	now := l.now()

	if m, ok := l.stab.Tick(now); ok {
		l.emit(m)
	}
	l.units.Expire(now)

	if l.retrying && !now.Before(l.retryAt) {
		l.retrying = false
		l.scan()
	}
}

// resetTimer arms the timer for the earliest pending deadline, returning its
// channel (or nil if there is none)
func (l *loop) resetTimer() <-chan time.Time {
	if !l.wake.Stop() {
		select {
		case <-l.wake.C:
		default:
		}
	}

	var (
		deadline time.Time
		armed    bool
	)
	earliest := func(t time.Time, ok bool) {
		if ok && (!armed || t.Before(deadline)) {
			deadline, armed = t, true
		}
	}
	earliest(l.stab.Deadline())
	earliest(l.units.Deadline())
	earliest(l.retryAt, l.retrying)

	if !armed {
		return nil
	}

	l.wake.Reset(deadline.Sub(l.now()))
	return l.wake.C
}

func (l *loop) setState(state scale.State, err error) {
	l.state = state
	l.setStatus(state, err)
}

////////////////////////////////////////////////////////////////////////////////

func (l *loop) scan() {
	if err := l.transport.Scan(l.ctx, func(adv Advertisement) {
		l.post(advertisementEvent{adv: adv})
	}); err != nil {
		l.transportFailure(fmt.Errorf("failed to start scanning: %w", err))
		return
	}

	if l.mode == ModeAdvertisement {
		l.logger.Debugf("listening to advertisements of `%s`", l.target())
		l.setState(scale.StateAdvertisementListening, nil)
		return
	}

	l.logger.Debugf("scanning for `%s`", l.target())
	l.setState(scale.StateScanning, nil)
}

func (l *loop) onAdvertisement(adv Advertisement) {
	if !l.matches(adv) {
		return
	}

	if l.mode == ModeAdvertisement {
		if l.state != scale.StateAdvertisementListening {
			return
		}

		companyID, payload, ok := codec.SplitManufacturerData(adv.ManufacturerData)
		if !ok || companyID != codec.CompanyID {
			return
		}
		l.peer = peer{name: adv.Name, address: l.advertisedAddress(adv)}
		l.process(scale.RawPayload{Origin: scale.OriginAdvertisement, Data: payload})
		return
	}

	if l.state != scale.StateScanning {
		return
	}

	l.logger.Debugf("discovered device `%s/%s`", adv.Name, adv.Address)
	if err := l.transport.StopScan(); err != nil {
		l.logger.Warnf("failed to stop scanning: %s", err)
	}

	l.gen++
	gen := l.gen
	l.peer = peer{name: adv.Name, address: codec.NormalizeAddress(adv.Address)}
	l.setState(scale.StateConnecting, nil)

	// At most one connection attempt is in flight, its result is handed back
	// to the loop (and discarded if the session ended in the meantime)
	go func() {
		link, err := l.transport.Connect(l.ctx, adv.Address, func(err error) {
			l.post(disconnectedEvent{gen: gen, err: err})
		})
		if !l.post(connectedEvent{gen: gen, link: link, err: err}) && link != nil {
			_ = link.Disconnect()
		}
	}()
}

func (l *loop) onConnected(e connectedEvent) {
	if e.gen != l.gen || l.state != scale.StateConnecting {
		if e.link != nil {
			_ = e.link.Disconnect()
		}
		return
	}
	if e.err != nil {
		l.transportFailure(fmt.Errorf("failed to connect to `%s`: %w", l.peer.address, e.err))
		return
	}

	l.logger.Debugf("connected peripheral `%s/%s`", l.peer.name, l.peer.address)
	l.link = e.link
	l.setState(scale.StateConnected, nil)

	link, gen := l.link, l.gen
	go func() {
		err := link.Subscribe(l.ctx, CharNotify, func(data []byte) {
			l.post(notificationEvent{gen: gen, data: bytes.Clone(data)})
		})
		l.post(subscribedEvent{gen: gen, err: err})
	}()
}

func (l *loop) onSubscribed(e subscribedEvent) {
	if e.gen != l.gen || l.link == nil {
		return
	}
	if e.err != nil {
		l.dropLink()
		l.transportFailure(fmt.Errorf("failed to subscribe to notifications: %w", e.err))
		return
	}

	l.failures = 0
	l.setState(scale.StateSubscribed, nil)
	l.startTimer()

	l.readVersions()
	l.writeUnit()
}

func (l *loop) onWritten(e writtenEvent) {
	if e.gen != l.gen || l.link == nil {
		return
	}
	if e.err != nil {
		err := fmt.Errorf("failed to write display unit: %w", e.err)
		l.units.Abandon(err)
		l.dropLink()
		l.transportFailure(err)
		return
	}

	l.units.Arm(l.now())
}

func (l *loop) onDisconnected(e disconnectedEvent) {
	if e.gen != l.gen || l.link == nil {
		return
	}

	l.logger.Debugf("disconnected peripheral `%s/%s`", l.peer.name, l.peer.address)
	l.dropLink()

	err := errConnectionLost
	if e.err != nil {
		err = fmt.Errorf("%w: %w", errConnectionLost, e.err)
	}
	l.transportFailure(err)
}

// transportFailure schedules a new attempt after backoff or ends the session
// once the retry policy is exhausted
func (l *loop) transportFailure(err error) {
	l.failures++

	if l.retry.Exhausted(l.failures) {
		l.logger.Errorf("%s, giving up", err)
		l.shutdown(scale.StateFailed, exhaustedError(err, l.target(), l.failures))
		return
	}

	backoff := l.retry.Backoff(l.failures)
	l.logger.Warnf("%s, retrying in %v (attempt %d/%d)", err, backoff, l.failures+1, l.retry.MaxAttempts)
	l.setState(scale.StateDisconnected, err)

	l.retryAt = l.now().Add(backoff)
	l.retrying = true
}

func (l *loop) dropLink() {
	if l.link == nil {
		return
	}

	// Invalidate all callbacks of the dropped link
	l.gen++

	if err := l.link.Disconnect(); err != nil {
		l.logger.Warnf("failed to disconnect: %s", err)
	}
	l.link = nil
	l.stopTimer()

	// The unit may be changed on the device while disconnected
	l.units.Invalidate()
}

func (l *loop) shutdown(state scale.State, err error) {
	l.finished = true
	l.retrying = false
	l.units.Abandon(ErrNotConnected)

	switch l.state {
	case scale.StateScanning, scale.StateAdvertisementListening:
		if serr := l.transport.StopScan(); serr != nil {
			l.logger.Warnf("failed to stop scanning: %s", serr)
		}
	}
	l.dropLink()

	// Discard results of operations still in flight
	l.gen++

	l.setState(state, err)
}

func (l *loop) readVersions() {
	link, gen := l.link, l.gen
	go func() {
		hw, err := link.Read(l.ctx, CharHWRevision)
		if err != nil {
			l.logger.Debugf("failed to read hardware revision: %s", err)
		}
		sw, err := link.Read(l.ctx, CharSWRevision)
		if err != nil {
			l.logger.Debugf("failed to read software revision: %s", err)
		}
		if len(hw) > 0 || len(sw) > 0 {
			l.post(versionsEvent{gen: gen, hw: revision(hw), sw: revision(sw)})
		}
	}()
}

// writeUnit sends the desired unit to the scale if required, returning if a
// command was sent
func (l *loop) writeUnit() bool {
	if l.link == nil || l.state != scale.StateSubscribed || !l.units.NeedsWrite() {
		return false
	}

	cmd, err := l.units.Command()
	if err != nil {
		l.logger.Warnf("failed to encode display unit command: %s", err)
		return false
	}

	l.logger.Debugf("requesting display unit `%s`", l.units.Desired())
	link, gen := l.link, l.gen
	go func() {
		l.post(writtenEvent{gen: gen, err: link.Write(l.ctx, CharWrite, cmd)})
	}()

	return true
}

////////////////////////////////////////////////////////////////////////////////

func (l *loop) process(p scale.RawPayload) {
	if l.recorder != nil {
		if err := l.recorder.Record(p, l.peer.address); err != nil {
			l.logger.Warnf("failed to record payload: %s", err)
		}
	}

	frames, err := codec.Decode(p)
	if err != nil {
		l.logger.Debugf("dropping frame: %s", err)
		return
	}

	now := l.now()
	for _, f := range frames {
		switch frame := f.(type) {
		case codec.WeightSample:
			if m, ok := l.stab.AddWeight(frame, now); ok {
				l.emit(m)
			}
		case codec.ImpedanceSample:
			if m, ok := l.stab.AddImpedance(frame, now); ok {
				l.emit(m)
			}
		case codec.UnitAck:
			l.setDisplayUnit(frame.Unit)
			l.units.Ack(frame.Unit)

			// An earlier command may have overridden a newer request
			l.writeUnit()
		case codec.VersionInfo:
			l.setVersions(frame.HW, frame.SW)
		case codec.Unrecognized:
			l.logger.Debugf("ignoring unrecognized command %08x", frame.Command)
		}
	}
}

func (l *loop) emit(m stabilizer.Measurement) {
	hw, _ := l.HWVersion()
	sw, _ := l.SWVersion()

	data := scale.ScaleData{
		ID:           uuid.New(),
		TimeStamp:    m.Time,
		Name:         l.peer.name,
		Address:      l.peer.address,
		HWVersion:    hw,
		SWVersion:    sw,
		DisplayUnit:  l.units.Current(),
		Measurements: make(map[string]float64),
	}
	if m.HasWeight {
		data.Measurements[scale.WeightKey] = m.WeightKg
	}
	if m.HasImpedance {
		data.Measurements[scale.ImpedanceKey] = m.Impedance
	}
	l.enrich(data.Measurements, m)

	l.logger.Debugf("measurement %s: %v", data.ID, data.Measurements)
	l.publish(l.ctx, data)
}

// enrich adds body metrics to the measurements if a profile is set
func (l *loop) enrich(measurements map[string]float64, m stabilizer.Measurement) {
	if l.profile == nil || !m.HasWeight {
		return
	}

	var res map[string]float64
	if m.HasImpedance {
		metrics, err := bodymetrics.Compute(l.profile.Input(m.WeightKg, m.Impedance, m.Time))
		if err == nil {
			res = metrics.AsMap()
		} else {
			l.logger.Warnf("failed to compute body metrics: %s", err)
		}
	}
	if res == nil {
		a, err := bodymetrics.ComputeAnthropometrics(m.WeightKg, l.profile.HeightM, l.profile.Sex)
		if err != nil {
			l.logger.Warnf("failed to compute body mass index: %s", err)
			return
		}
		res = a.AsMap()
	}

	for k, v := range res {
		measurements[k] = v
	}
}

func (l *loop) matches(adv Advertisement) bool {
	if l.address != "" {
		return l.advertisedAddress(adv) == l.address
	}
	if l.deviceName != "" {
		return strings.EqualFold(adv.Name, l.deviceName)
	}

	// Without any filter, advertisement mode accepts any scale
	return l.mode == ModeAdvertisement
}

// advertisedAddress returns the address an advertisement is matched by: the
// MAC embedded in the payload if it equals the configured one, the transport
// address otherwise
func (l *loop) advertisedAddress(adv Advertisement) string {
	if companyID, payload, ok := codec.SplitManufacturerData(adv.ManufacturerData); ok && companyID == codec.CompanyID {
		if mac, ok := codec.AdvertisedMAC(payload); ok && (l.address == "" || mac == l.address) {
			return mac
		}
	}
	return codec.NormalizeAddress(adv.Address)
}

func (l *loop) target() string {
	if l.address != "" {
		return l.address
	}
	if l.deviceName != "" {
		return l.deviceName
	}
	return "any scale"
}

func revision(b []byte) string {
	return strings.TrimSpace(strings.TrimRight(string(b), "\x00"))
}
