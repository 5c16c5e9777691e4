package etekcity

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fako1024/btfitscale/pkg/bodymetrics"
	"github.com/fako1024/btfitscale/pkg/etekcity/codec"
	"github.com/fako1024/btfitscale/pkg/etekcity/stabilizer"
	"github.com/fako1024/btfitscale/pkg/etekcity/unit"
	"github.com/fako1024/btfitscale/pkg/scale"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAddress = "CF:E6:02:03:2A:1B"
	testTimeout = 2 * time.Second
)

var (
	testAdvertisement = Advertisement{
		Address: "cf-e6-02-03-2a-1b",
		Name:    "Etekcity Fitness Scale",
	}
	errTestConnect = errors.New("connection refused")
)

type fakeLink struct {
	mu       sync.Mutex
	notifyFn func([]byte)
	writes   [][]byte

	onDisconnect func(error)
	disconnected bool
	ackWrites    bool
}

func (l *fakeLink) Subscribe(_ context.Context, char string, fn func([]byte)) error {
	if char != CharNotify {
		return errors.New("unexpected characteristic")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.notifyFn = fn
	return nil
}

func (l *fakeLink) Write(_ context.Context, char string, data []byte) error {
	if char != CharWrite {
		return errors.New("unexpected characteristic")
	}
	l.mu.Lock()
	l.writes = append(l.writes, data)
	ack := l.ackWrites
	l.mu.Unlock()

	// The scale echoes the unit command once applied
	if ack {
		l.notify(data)
	}
	return nil
}

func (l *fakeLink) Read(_ context.Context, char string) ([]byte, error) {
	switch char {
	case CharHWRevision:
		return []byte("V1.0\x00"), nil
	case CharSWRevision:
		return []byte("2.1.3"), nil
	}
	return nil, errors.New("unknown characteristic")
}

func (l *fakeLink) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.disconnected = true
	return nil
}

func (l *fakeLink) notify(data []byte) {
	l.mu.Lock()
	fn := l.notifyFn
	l.mu.Unlock()

	if fn != nil {
		fn(data)
	}
}

func (l *fakeLink) drop(err error) {
	l.onDisconnect(err)
}

func (l *fakeLink) isDisconnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.disconnected
}

func (l *fakeLink) written() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([][]byte(nil), l.writes...)
}

type fakeTransport struct {
	mu       sync.Mutex
	scanFn   func(Advertisement)
	scanning bool
	links    []*fakeLink

	autoAdvertise *Advertisement
	connectErr    error
	blockConnect  bool
	lateConnect   bool
	ackWrites     bool
	connects      int32
}

func (t *fakeTransport) Scan(_ context.Context, fn func(Advertisement)) error {
	t.mu.Lock()
	t.scanFn, t.scanning = fn, true
	adv := t.autoAdvertise
	t.mu.Unlock()

	if adv != nil {
		go fn(*adv)
	}
	return nil
}

func (t *fakeTransport) StopScan() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.scanning = false
	return nil
}

func (t *fakeTransport) Connect(ctx context.Context, _ string, onDisconnect func(error)) (Link, error) {
	atomic.AddInt32(&t.connects, 1)

	if t.blockConnect {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if t.lateConnect {
		<-ctx.Done()
	}
	if t.connectErr != nil {
		return nil, t.connectErr
	}

	link := &fakeLink{
		onDisconnect: onDisconnect,
		ackWrites:    t.ackWrites,
	}
	t.mu.Lock()
	t.links = append(t.links, link)
	t.mu.Unlock()

	return link, nil
}

func (t *fakeTransport) advertise(adv Advertisement) {
	t.mu.Lock()
	fn, scanning := t.scanFn, t.scanning
	t.mu.Unlock()

	if scanning && fn != nil {
		fn(adv)
	}
}

func (t *fakeTransport) isScanning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.scanning
}

func (t *fakeTransport) link(tb testing.TB, i int) *fakeLink {
	tb.Helper()

	var l *fakeLink
	require.Eventually(tb, func() bool {
		t.mu.Lock()
		defer t.mu.Unlock()
		if len(t.links) > i {
			l = t.links[i]
			return true
		}
		return false
	}, testTimeout, time.Millisecond)

	return l
}

func measurementFrame(grams uint32, ohms uint16, settled bool, u scale.WeightUnit) []byte {
	f := make([]byte, 22)
	f[0], f[1], f[2] = 0xA5, 0x02, 0x01
	binary.LittleEndian.PutUint16(f[3:5], uint16(len(f)-6))
	binary.BigEndian.PutUint32(f[6:10], codec.CmdMeasurement)
	f[10], f[11], f[12] = byte(grams), byte(grams>>8), byte(grams>>16)
	binary.LittleEndian.PutUint16(f[13:15], ohms)
	if settled {
		f[19] = 1
	}
	if ohms != 0 {
		f[20] = 1
	}
	f[21] = byte(u)
	f[5] = codec.Checksum(f)

	return f
}

func advertisementPayload(mac [6]byte, grams uint32, ohms uint16) []byte {
	data := []byte{0xD0, 0x06, 0x01}
	for i := 5; i >= 0; i-- {
		data = append(data, mac[i])
	}
	data = append(data, 0xC0, 0xA8, 0x01, byte(grams), byte(grams>>8), byte(grams>>16))
	data = binary.LittleEndian.AppendUint16(data, ohms)
	return append(data, 0, 0, 0, 0, 0)
}

type testSession struct {
	*Scale
	transport *fakeTransport
	states    chan scale.ConnectionStatus
	data      chan scale.ScaleData
}

func newTestSession(t *testing.T, transport *fakeTransport, options ...func(*Scale)) *testSession {
	s, err := New(testAddress, transport, append([]func(*Scale){
		WithRetryPolicy(RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			Multiplier:     2,
		}),
	}, options...)...)
	require.NoError(t, err)

	ts := &testSession{
		Scale:     s,
		transport: transport,
		states:    make(chan scale.ConnectionStatus, 256),
		data:      make(chan scale.ScaleData, 16),
	}
	s.SetStateChangeChannel(ts.states)
	s.SetDataChannel(ts.data)

	t.Cleanup(func() {
		require.NoError(t, s.Stop())
	})

	return ts
}

func (ts *testSession) awaitState(t *testing.T, state scale.State) scale.ConnectionStatus {
	t.Helper()

	timeout := time.After(testTimeout)
	for {
		select {
		case st := <-ts.states:
			if st.State == state {
				return st
			}
		case <-timeout:
			t.Fatalf("timeout waiting for state `%s` (current: `%s`)", state, ts.ConnectionStatus().State)
		}
	}
}

func (ts *testSession) awaitData(t *testing.T) scale.ScaleData {
	t.Helper()

	select {
	case data := <-ts.data:
		return data
	case <-time.After(testTimeout):
		t.Fatalf("timeout waiting for measurement")
	}
	return scale.ScaleData{}
}

func (ts *testSession) connect(t *testing.T) *fakeLink {
	t.Helper()

	require.NoError(t, ts.Start(context.Background()))
	ts.awaitState(t, scale.StateScanning)
	ts.transport.advertise(testAdvertisement)
	ts.awaitState(t, scale.StateSubscribed)

	return ts.transport.link(t, 0)
}

func TestNew(t *testing.T) {
	_, err := New(testAddress, nil)
	assert.Error(t, err)

	_, err = New("", &fakeTransport{})
	assert.Error(t, err)

	_, err = New("", &fakeTransport{}, WithMode(ModeAdvertisement))
	assert.NoError(t, err)

	_, err = New("", &fakeTransport{}, WithDeviceName("Etekcity Fitness Scale"))
	assert.NoError(t, err)

	_, err = New(testAddress, &fakeTransport{}, WithRetryPolicy(RetryPolicy{}))
	assert.Error(t, err)

	_, err = New(testAddress, &fakeTransport{}, WithDisplayUnit(scale.WeightUnit(5)))
	assert.Error(t, err)

	s, err := New("cf-e6-02-03-2a-1b", &fakeTransport{})
	require.NoError(t, err)
	assert.Equal(t, testAddress, s.Address())
	assert.Equal(t, scale.StateIdle, s.ConnectionStatus().State)
	assert.Equal(t, scale.UnitUnknown, s.DisplayUnit())
	assert.Equal(t, time.Duration(0), s.ConnectedFor())
	_, ok := s.HWVersion()
	assert.False(t, ok)
	assert.NoError(t, s.Stop())
}

func TestConnectAndMeasure(t *testing.T) {
	ts := newTestSession(t, &fakeTransport{}, WithProfile(bodymetrics.Profile{
		Sex:       bodymetrics.Male,
		Birthdate: time.Now().AddDate(-30, 0, -1),
		HeightM:   1.75,
	}))

	// Other devices are ignored
	require.NoError(t, ts.Start(context.Background()))
	ts.awaitState(t, scale.StateScanning)
	ts.transport.advertise(Advertisement{Address: "11:22:33:44:55:66"})
	ts.transport.advertise(testAdvertisement)
	ts.awaitState(t, scale.StateSubscribed)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ts.transport.connects))
	assert.False(t, ts.transport.isScanning())

	link := ts.transport.link(t, 0)
	require.Eventually(t, func() bool {
		hw, hwOK := ts.HWVersion()
		sw, swOK := ts.SWVersion()
		return hwOK && swOK && hw == "V1.0" && sw == "2.1.3"
	}, testTimeout, time.Millisecond)

	// Unsettled samples followed by the final, settled one
	link.notify(measurementFrame(12345, 0, false, scale.UnitKilograms))
	link.notify(measurementFrame(69870, 0, false, scale.UnitKilograms))
	link.notify(measurementFrame(70000, 500, true, scale.UnitKilograms))

	data := ts.awaitData(t)
	weight, ok := data.Weight()
	require.True(t, ok)
	assert.Equal(t, 70., weight)
	imp, ok := data.Impedance()
	require.True(t, ok)
	assert.Equal(t, 500., imp)
	assert.Equal(t, testAddress, data.Address)
	assert.Equal(t, "Etekcity Fitness Scale", data.Name)
	assert.Equal(t, "V1.0", data.HWVersion)
	assert.Equal(t, scale.UnitKilograms, data.DisplayUnit)
	assert.InDelta(t, 22.85, data.Measurements["body_mass_index"], 0.001)
	assert.InDelta(t, 14.9, data.Measurements["body_fat_percentage"], 0.001)
	assert.InDelta(t, 26, data.Measurements["metabolic_age"], 0.001)

	assert.Equal(t, scale.UnitKilograms, ts.DisplayUnit())
	last, ok := ts.LastMeasurement()
	require.True(t, ok)
	assert.Equal(t, data.ID, last.ID)
	assert.Greater(t, ts.ConnectedFor(), time.Duration(0))

	// The final reading is repeated by the scale, but reported only once
	link.notify(measurementFrame(70000, 500, true, scale.UnitKilograms))
	select {
	case d := <-ts.data:
		t.Fatalf("unexpected measurement: %v", d)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, ts.Stop())
	assert.Equal(t, scale.StateDisconnected, ts.ConnectionStatus().State)
	assert.True(t, link.isDisconnected())
	assert.Equal(t, time.Duration(0), ts.ConnectedFor())
}

func TestWeightOnlyEnrichment(t *testing.T) {
	ts := newTestSession(t, &fakeTransport{},
		WithStabilizerConfig(stabilizer.Config{
			MinSamples:        3,
			WindowSize:        5,
			EpsilonKg:         0.05,
			MinLoadKg:         1,
			InactivityTimeout: time.Minute,
		}),
		WithProfile(bodymetrics.Profile{
			Sex:       bodymetrics.Female,
			Birthdate: time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC),
			HeightM:   1.64,
		}))
	link := ts.connect(t)

	link.notify(measurementFrame(58400, 0, true, scale.UnitKilograms))
	data := ts.awaitData(t)
	_, ok := data.Impedance()
	assert.False(t, ok)
	assert.InDelta(t, 21.71, data.Measurements["body_mass_index"], 0.001)
	assert.Len(t, data.Measurements, 4)
}

func TestDecodeErrorsAreDropped(t *testing.T) {
	ts := newTestSession(t, &fakeTransport{})
	link := ts.connect(t)

	corrupt := measurementFrame(80000, 450, true, scale.UnitKilograms)
	corrupt[11] ^= 0x10
	cutShort := measurementFrame(80000, 450, true, scale.UnitKilograms)[:15]
	cutShort[5] = codec.Checksum(cutShort)
	_, err := codec.Decode(scale.RawPayload{Data: cutShort})
	require.ErrorIs(t, err, codec.ErrTruncated)

	link.notify(corrupt)
	link.notify([]byte{0xA5, 0x02})
	link.notify(cutShort)
	link.notify(measurementFrame(80000, 450, true, scale.UnitKilograms))

	data := ts.awaitData(t)
	weight, _ := data.Weight()
	assert.Equal(t, 80., weight)
	assert.Equal(t, scale.StateSubscribed, ts.ConnectionStatus().State)
}

func TestStartTwice(t *testing.T) {
	ts := newTestSession(t, &fakeTransport{})

	require.NoError(t, ts.Start(context.Background()))
	assert.True(t, errors.Is(ts.Start(context.Background()), ErrAlreadyStarted))

	// Restarting after a stop is permitted
	require.NoError(t, ts.Stop())
	require.NoError(t, ts.Start(context.Background()))
	ts.awaitState(t, scale.StateScanning)
}

func TestStopWhileConnecting(t *testing.T) {
	ts := newTestSession(t, &fakeTransport{blockConnect: true})

	var calls int32
	ts.SetDataHandler(func(scale.ScaleData) { atomic.AddInt32(&calls, 1) })
	ts.SetStateChangeHandler(func(scale.ConnectionStatus) { atomic.AddInt32(&calls, 1) })

	require.NoError(t, ts.Start(context.Background()))
	ts.awaitState(t, scale.StateScanning)
	ts.transport.advertise(testAdvertisement)
	ts.awaitState(t, scale.StateConnecting)

	require.NoError(t, ts.Stop())
	assert.Equal(t, scale.StateDisconnected, ts.ConnectionStatus().State)
	assert.NoError(t, ts.ConnectionStatus().Error)

	after := atomic.LoadInt32(&calls)
	ts.transport.advertise(testAdvertisement)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&calls))

	// Stopping is idempotent
	require.NoError(t, ts.Stop())
}

func TestStopReleasesLateConnection(t *testing.T) {
	ts := newTestSession(t, &fakeTransport{lateConnect: true})

	require.NoError(t, ts.Start(context.Background()))
	ts.awaitState(t, scale.StateScanning)
	ts.transport.advertise(testAdvertisement)
	ts.awaitState(t, scale.StateConnecting)

	// The link is only established while the session is stopping
	require.NoError(t, ts.Stop())
	assert.Equal(t, scale.StateDisconnected, ts.ConnectionStatus().State)

	require.Eventually(t, func() bool {
		ts.transport.mu.Lock()
		defer ts.transport.mu.Unlock()
		return len(ts.transport.links) == 1
	}, time.Second, time.Millisecond)

	ts.transport.mu.Lock()
	link := ts.transport.links[0]
	ts.transport.mu.Unlock()
	require.Eventually(t, link.isDisconnected, time.Second, time.Millisecond)
	assert.Equal(t, scale.StateDisconnected, ts.ConnectionStatus().State)
}

func TestCancelledContextEndsSession(t *testing.T) {
	ts := newTestSession(t, &fakeTransport{})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, ts.Start(ctx))
	ts.awaitState(t, scale.StateScanning)

	cancel()
	ts.awaitState(t, scale.StateDisconnected)
	assert.False(t, ts.transport.isScanning())
}

func TestRetriesExhausted(t *testing.T) {
	adv := testAdvertisement
	ts := newTestSession(t, &fakeTransport{
		autoAdvertise: &adv,
		connectErr:    errTestConnect,
	})

	require.NoError(t, ts.Start(context.Background()))

	st := ts.awaitState(t, scale.StateDisconnected)
	assert.True(t, errors.Is(st.Error, errTestConnect))

	st = ts.awaitState(t, scale.StateFailed)
	assert.True(t, errors.Is(st.Error, ErrRetriesExhausted))
	assert.True(t, errors.Is(st.Error, errTestConnect))
	assert.Equal(t, int32(3), atomic.LoadInt32(&ts.transport.connects))

	assert.True(t, errors.Is(ts.SetDisplayUnit(context.Background(), scale.UnitPounds), ErrNotConnected))

	// A failed session can be restarted
	require.NoError(t, ts.Start(context.Background()))
	ts.awaitState(t, scale.StateScanning)
}

func TestReconnectAfterDrop(t *testing.T) {
	adv := testAdvertisement
	ts := newTestSession(t, &fakeTransport{autoAdvertise: &adv})

	require.NoError(t, ts.Start(context.Background()))
	ts.awaitState(t, scale.StateSubscribed)
	first := ts.transport.link(t, 0)

	first.drop(errors.New("supervision timeout"))
	st := ts.awaitState(t, scale.StateDisconnected)
	assert.True(t, errors.Is(st.Error, errConnectionLost))
	assert.True(t, first.isDisconnected())

	ts.awaitState(t, scale.StateScanning)
	ts.awaitState(t, scale.StateSubscribed)
	second := ts.transport.link(t, 1)
	assert.Equal(t, int32(2), atomic.LoadInt32(&ts.transport.connects))

	// Frames of the dropped link are discarded
	first.notify(measurementFrame(70000, 500, true, scale.UnitKilograms))
	second.notify(measurementFrame(71000, 510, true, scale.UnitKilograms))
	data := ts.awaitData(t)
	weight, _ := data.Weight()
	assert.Equal(t, 71., weight)
}

func TestSetDisplayUnit(t *testing.T) {
	ts := newTestSession(t, &fakeTransport{ackWrites: true})
	link := ts.connect(t)

	require.NoError(t, ts.SetDisplayUnit(context.Background(), scale.UnitPounds))
	assert.Equal(t, scale.UnitPounds, ts.DisplayUnit())

	writes := link.written()
	require.Len(t, writes, 1)
	frames, err := codec.Decode(scale.RawPayload{Data: writes[0]})
	require.NoError(t, err)
	assert.Equal(t, []codec.Frame{codec.UnitAck{Unit: scale.UnitPounds}}, frames)

	// Already displayed, nothing to write
	require.NoError(t, ts.SetDisplayUnit(context.Background(), scale.UnitPounds))
	assert.Len(t, link.written(), 1)

	assert.Error(t, ts.SetDisplayUnit(context.Background(), scale.UnitUnknown))
}

func TestSetDisplayUnitSupersededBackToDisplayed(t *testing.T) {
	ts := newTestSession(t, &fakeTransport{})
	link := ts.connect(t)

	setUnit := func(u scale.WeightUnit) <-chan error {
		res := make(chan error, 1)
		go func() {
			res <- ts.SetDisplayUnit(context.Background(), u)
		}()
		return res
	}
	awaitResult := func(res <-chan error) error {
		select {
		case err := <-res:
			return err
		case <-time.After(testTimeout):
			t.Fatalf("timeout waiting for display unit change")
		}
		return nil
	}
	awaitWrites := func(n int) [][]byte {
		require.Eventually(t, func() bool {
			return len(link.written()) == n
		}, testTimeout, time.Millisecond)
		return link.written()
	}

	echo, err := codec.EncodeSetUnit(scale.UnitKilograms, 0x40)
	require.NoError(t, err)
	link.notify(echo)
	require.Eventually(t, func() bool {
		return ts.DisplayUnit() == scale.UnitKilograms
	}, testTimeout, time.Millisecond)

	first := setUnit(scale.UnitPounds)
	writes := awaitWrites(1)

	// Switching back before the scale applied pounds supersedes the first request
	second := setUnit(scale.UnitKilograms)
	require.NoError(t, awaitResult(first))
	select {
	case err := <-second:
		t.Fatalf("request resolved before the pending command was echoed: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	assert.Len(t, link.written(), 1)

	// The scale applies the stale pounds command, kilograms is sent again
	link.notify(writes[0])
	writes = awaitWrites(2)
	frames, err := codec.Decode(scale.RawPayload{Data: writes[1]})
	require.NoError(t, err)
	assert.Equal(t, []codec.Frame{codec.UnitAck{Unit: scale.UnitKilograms}}, frames)

	link.notify(writes[1])
	require.NoError(t, awaitResult(second))
	assert.Equal(t, scale.UnitKilograms, ts.DisplayUnit())
	assert.Len(t, link.written(), 2)
}

func TestSetDisplayUnitTimeout(t *testing.T) {
	ts := newTestSession(t, &fakeTransport{}, WithUnitAckTimeout(20*time.Millisecond))
	link := ts.connect(t)

	err := ts.SetDisplayUnit(context.Background(), scale.UnitStone)
	assert.True(t, errors.Is(err, unit.ErrAckTimeout))
	assert.Equal(t, scale.UnitUnknown, ts.DisplayUnit())
	assert.Len(t, link.written(), 1)
	assert.Equal(t, scale.StateSubscribed, ts.ConnectionStatus().State)

	// Bounded by the caller context as well
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()
	assert.True(t, errors.Is(ts.SetDisplayUnit(ctx, scale.UnitPounds), context.DeadlineExceeded))
}

func TestInitialDisplayUnit(t *testing.T) {
	ts := newTestSession(t, &fakeTransport{ackWrites: true}, WithDisplayUnit(scale.UnitStone))
	link := ts.connect(t)

	require.Eventually(t, func() bool {
		return ts.DisplayUnit() == scale.UnitStone
	}, testTimeout, time.Millisecond)
	require.Len(t, link.written(), 1)
	assert.Equal(t, byte(scale.UnitStone), link.written()[0][10])
}

func TestAdvertisementMode(t *testing.T) {
	ts := newTestSession(t, &fakeTransport{}, WithMode(ModeAdvertisement))
	mac := [6]byte{0xCF, 0xE6, 0x02, 0x03, 0x2A, 0x1B}

	require.NoError(t, ts.Start(context.Background()))
	ts.awaitState(t, scale.StateAdvertisementListening)

	// The OS address differs from the embedded MAC (e.g. on macOS)
	ts.transport.advertise(Advertisement{
		Address:          "5C1E5F0A-6E4B-4C7A-9E3D-2B1F0A9C8D7E",
		ManufacturerData: advertisementPayload([6]byte{1, 2, 3, 4, 5, 6}, 66000, 300),
	})
	ts.transport.advertise(Advertisement{
		Address:          "5C1E5F0A-6E4B-4C7A-9E3D-2B1F0A9C8D7E",
		Name:             "Fit 8S",
		ManufacturerData: advertisementPayload(mac, 66000, 300),
	})

	data := ts.awaitData(t)
	weight, _ := data.Weight()
	imp, _ := data.Impedance()
	assert.Equal(t, 66., weight)
	assert.Equal(t, 300., imp)
	assert.Equal(t, testAddress, data.Address)
	assert.Equal(t, scale.UnitUnknown, data.DisplayUnit)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ts.transport.connects))

	assert.True(t, errors.Is(ts.SetDisplayUnit(context.Background(), scale.UnitPounds), ErrUnsupported))

	require.NoError(t, ts.Stop())
	assert.False(t, ts.transport.isScanning())
}

func TestRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	require.NoError(t, p.Validate())

	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 16*time.Second, p.Backoff(5))
	assert.Equal(t, 30*time.Second, p.Backoff(6))
	assert.Equal(t, 30*time.Second, p.Backoff(100))

	assert.False(t, p.Exhausted(4))
	assert.True(t, p.Exhausted(5))

	for name, policy := range map[string]RetryPolicy{
		"no attempts":      {MaxAttempts: 0, InitialBackoff: time.Second, MaxBackoff: time.Second, Multiplier: 1},
		"inverted range":   {MaxAttempts: 1, InitialBackoff: time.Second, MaxBackoff: time.Millisecond, Multiplier: 1},
		"small multiplier": {MaxAttempts: 1, InitialBackoff: time.Second, MaxBackoff: time.Second, Multiplier: 0.5},
	} {
		assert.Error(t, policy.Validate(), name)
	}
}
