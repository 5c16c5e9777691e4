package scale

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWeightUnit(t *testing.T) {
	for input, expected := range map[string]WeightUnit{
		"kg":     UnitKilograms,
		" KG ":   UnitKilograms,
		"lb":     UnitPounds,
		"pounds": UnitPounds,
		"st":     UnitStone,
		"Stone":  UnitStone,
	} {
		unit, err := ParseWeightUnit(input)
		require.NoError(t, err, input)
		assert.Equal(t, expected, unit, input)
	}

	unit, err := ParseWeightUnit("oz")
	require.Error(t, err)
	assert.Equal(t, UnitUnknown, unit)
}

func TestWeightUnitZeroValue(t *testing.T) {
	var u WeightUnit
	assert.Equal(t, UnitKilograms, u)
	assert.False(t, UnitUnknown.Valid())
	assert.Equal(t, "--", UnitUnknown.String())
	assert.Equal(t, "st", UnitStone.String())
}

func TestScaleDataClone(t *testing.T) {
	d := ScaleData{
		Name:         "Etekcity Scale",
		Measurements: map[string]float64{WeightKey: 70.1, ImpedanceKey: 500},
	}

	c := d.Clone()
	c.Measurements[WeightKey] = 80

	w, ok := d.Weight()
	require.True(t, ok)
	assert.Equal(t, 70.1, w)

	imp, ok := c.Impedance()
	require.True(t, ok)
	assert.Equal(t, 500., imp)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "advertisement-listening", StateAdvertisementListening.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "state(42)", State(42).String())
}
