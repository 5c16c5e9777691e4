package mock

import (
	"context"
	"testing"
	"time"

	"github.com/fako1024/btfitscale/pkg/bodymetrics"
	"github.com/fako1024/btfitscale/pkg/scale"
	"github.com/stretchr/testify/require"
)

func TestLifecycle(t *testing.T) {
	m := New(WithDeviceName("Bathroom"))

	stateChan := make(chan scale.ConnectionStatus, 4)
	m.SetStateChangeChannel(stateChan)

	_, ok := m.HWVersion()
	require.False(t, ok)
	require.Zero(t, m.ConnectedFor())
	require.ErrorIs(t, m.Emit(70, 0), ErrNotRunning)

	require.NoError(t, m.Start(context.Background()))
	require.Error(t, m.Start(context.Background()))
	require.Equal(t, scale.StateSubscribed, (<-stateChan).State)

	hw, ok := m.HWVersion()
	require.True(t, ok)
	require.Equal(t, defaultHWVersion, hw)

	time.Sleep(5 * time.Millisecond)
	require.Greater(t, m.ConnectedFor(), time.Duration(0))

	require.NoError(t, m.Stop())
	require.Equal(t, scale.StateDisconnected, (<-stateChan).State)
	require.Zero(t, m.ConnectedFor())

	// Restart
	require.NoError(t, m.Start(context.Background()))
	require.Equal(t, scale.StateSubscribed, (<-stateChan).State)
}

func TestDisplayUnit(t *testing.T) {
	m := New()
	require.Equal(t, scale.UnitUnknown, m.DisplayUnit())
	require.ErrorIs(t, m.SetDisplayUnit(context.Background(), scale.UnitPounds), ErrNotRunning)

	require.NoError(t, m.Start(context.Background()))
	require.Error(t, m.SetDisplayUnit(context.Background(), scale.UnitUnknown))
	require.NoError(t, m.SetDisplayUnit(context.Background(), scale.UnitPounds))
	require.Equal(t, scale.UnitPounds, m.DisplayUnit())
}

func TestEmit(t *testing.T) {
	m := New(WithProfile(bodymetrics.Profile{
		Sex:       bodymetrics.Male,
		Birthdate: time.Now().AddDate(-30, 0, -1),
		HeightM:   1.75,
	}))

	var handled []scale.ScaleData
	m.SetDataHandler(func(data scale.ScaleData) {
		handled = append(handled, data)
	})
	dataChan := make(chan scale.ScaleData, 2)
	m.SetDataChannel(dataChan)

	_, ok := m.LastMeasurement()
	require.False(t, ok)

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Emit(70, 500))
	require.NoError(t, m.Emit(70, 0))

	require.Len(t, handled, 2)
	full := <-dataChan
	require.Equal(t, defaultDeviceName, full.Name)
	require.Len(t, full.Measurements, 18)
	require.InDelta(t, 22.85, full.Measurements["body_mass_index"], 0.011)
	require.InDelta(t, 14.9, full.Measurements["body_fat_percentage"], 0.011)

	weightOnly := <-dataChan
	require.Len(t, weightOnly.Measurements, 4)

	last, ok := m.LastMeasurement()
	require.True(t, ok)
	require.Equal(t, weightOnly.ID, last.ID)
}
