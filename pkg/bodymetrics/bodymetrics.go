// Package bodymetrics derives body composition estimates from a weight /
// impedance reading and the profile of the person standing on the scale
package bodymetrics

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrValidation denotes that the inputs of a computation are out of range
var ErrValidation = errors.New("invalid body metrics input")

// ValidationError denotes an invalid input parameter
type ValidationError struct {
	Field string
	Value interface{}
}

// Error returns a human-readable description of the error
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s = %v", ErrValidation, e.Field, e.Value)
}

// Is allows matching against ErrValidation via errors.Is()
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Sex denotes the sex of a person (used to select regression coefficients)
type Sex int

const (

	// Male denotes the male regression set
	Male Sex = iota

	// Female denotes the female regression set
	Female
)

// String returns the lowercase name of the sex
func (s Sex) String() string {
	switch s {
	case Male:
		return "male"
	case Female:
		return "female"
	}
	return "unknown"
}

// ParseSex parses a sex from its string representation
func ParseSex(s string) (Sex, error) {
	switch s {
	case "male", "m":
		return Male, nil
	case "female", "f":
		return Female, nil
	}
	return -1, &ValidationError{Field: "sex", Value: s}
}

func (s Sex) valid() bool {
	return s == Male || s == Female
}

// Profile denotes the static attributes of the person using the scale
type Profile struct {
	Sex       Sex
	Birthdate time.Time
	HeightM   float64
}

// Input denotes the inputs for a full body composition computation
type Input struct {
	WeightKg  float64
	HeightM   float64
	Age       int
	Sex       Sex
	Impedance float64
}

// Input assembles the computation input for a reading taken at the given time
func (p Profile) Input(weightKg, impedance float64, at time.Time) Input {
	return Input{
		WeightKg:  weightKg,
		HeightM:   p.HeightM,
		Age:       AgeAt(p.Birthdate, at),
		Sex:       p.Sex,
		Impedance: impedance,
	}
}

// Anthropometrics denotes the metrics that can be derived without impedance
type Anthropometrics struct {
	BMI         float64
	WeightScore int
	BMIScore    int
}

// Metrics denotes the full set of body composition metrics
type Metrics struct {
	Anthropometrics

	BodyFatPercentage         float64
	FatFreeWeight             float64
	SubcutaneousFatPercentage float64
	VisceralFatValue          int
	BodyWaterPercentage       float64
	BasalMetabolicRate        int
	SkeletalMusclePercentage  float64
	MuscleMass                float64
	BoneMass                  float64
	ProteinPercentage         float64
	FatScore                  int
	HealthScore               int
	MetabolicAge              int
}

// BMI computes the body mass index (truncated to two decimals)
func BMI(weightKg, heightM float64) (float64, error) {
	if err := validatePositive("weight_kg", weightKg); err != nil {
		return 0, err
	}
	if err := validatePositive("height_m", heightM); err != nil {
		return 0, err
	}
	return bmi(weightKg, heightM), nil
}

// ComputeAnthropometrics computes the metrics available for a reading without impedance
func ComputeAnthropometrics(weightKg, heightM float64, sex Sex) (Anthropometrics, error) {
	b, err := BMI(weightKg, heightM)
	if err != nil {
		return Anthropometrics{}, err
	}
	if !sex.valid() {
		return Anthropometrics{}, &ValidationError{Field: "sex", Value: int(sex)}
	}

	return Anthropometrics{
		BMI:         b,
		WeightScore: weightScore(weightKg, heightM, sex),
		BMIScore:    bmiScore(b),
	}, nil
}

// Compute computes all body composition metrics
func Compute(in Input) (Metrics, error) {
	a, err := ComputeAnthropometrics(in.WeightKg, in.HeightM, in.Sex)
	if err != nil {
		return Metrics{}, err
	}
	if err := validatePositive("impedance", in.Impedance); err != nil {
		return Metrics{}, err
	}
	if in.Age <= 0 {
		return Metrics{}, &ValidationError{Field: "age", Value: in.Age}
	}

	var (
		m   = Metrics{Anthropometrics: a}
		sex = in.Sex
		w   = in.WeightKg
	)

	m.BodyFatPercentage = clamp(
		floorTo((bfpAgeFactor[sex]*float64(in.Age)+bfpBMIFactor[sex]*a.BMI-500/in.Impedance-bfpConstant[sex])*10, 1), 5, 75)
	m.FatFreeWeight = roundTo(w*(1-m.BodyFatPercentage/100), 2)

	m.VisceralFatValue = clampInt(int(
		vfvBMIFactor[sex]*a.BMI+
			vfvBFPFactor[sex]*m.BodyFatPercentage+
			vfvFatFactor[sex]*(w-m.FatFreeWeight)-
			vfvConstant[sex]), 1, 30)
	m.SubcutaneousFatPercentage = roundTo(
		subBFPFactor[sex]*m.BodyFatPercentage-subVFVFactor[sex]*float64(m.VisceralFatValue), 1)

	boneFraction := math.Max(1, ffwBoneFactor[sex]*m.FatFreeWeight)
	m.BodyWaterPercentage = clamp(roundTo(waterFactor[sex]*(m.FatFreeWeight-boneFraction)/w*100, 1), 10, 80)
	m.BasalMetabolicRate = clampInt(int(m.FatFreeWeight*21.6+370), 900, 2500)
	m.SkeletalMusclePercentage = roundTo(skeletalFactor[sex]*(m.FatFreeWeight-boneFraction)/w*100, 1)
	m.MuscleMass = roundTo(m.FatFreeWeight-boneFraction, 2)
	m.BoneMass = math.Max(1, roundTo(ffwBoneFactor[sex]*m.FatFreeWeight, 2))
	m.ProteinPercentage = math.Max(5, roundTo(
		100-proteinBFPFactor[sex]*m.BodyFatPercentage-m.BoneMass/w*100-m.BodyWaterPercentage, 1))

	m.FatScore = fatScore(m.BodyFatPercentage, sex)
	m.HealthScore = (a.WeightScore + m.FatScore + a.BMIScore) / 3
	m.MetabolicAge = metabolicAge(in.Age, m.HealthScore)

	return m, nil
}

// AsMap returns the metrics keyed by their snake case names
func (a Anthropometrics) AsMap() map[string]float64 {
	return map[string]float64{
		"body_mass_index": a.BMI,
		"weight_score":    float64(a.WeightScore),
		"bmi_score":       float64(a.BMIScore),
	}
}

// AsMap returns the metrics keyed by their snake case names
func (m Metrics) AsMap() map[string]float64 {
	res := m.Anthropometrics.AsMap()
	res["body_fat_percentage"] = m.BodyFatPercentage
	res["fat_free_weight"] = m.FatFreeWeight
	res["subcutaneous_fat_percentage"] = m.SubcutaneousFatPercentage
	res["visceral_fat_value"] = float64(m.VisceralFatValue)
	res["body_water_percentage"] = m.BodyWaterPercentage
	res["basal_metabolic_rate"] = float64(m.BasalMetabolicRate)
	res["skeletal_muscle_percentage"] = m.SkeletalMusclePercentage
	res["muscle_mass"] = m.MuscleMass
	res["bone_mass"] = m.BoneMass
	res["protein_percentage"] = m.ProteinPercentage
	res["fat_score"] = float64(m.FatScore)
	res["health_score"] = float64(m.HealthScore)
	res["metabolic_age"] = float64(m.MetabolicAge)
	return res
}

// AgeAt returns the age in completed years of a person born on birthdate at
// the given point in time
func AgeAt(birthdate, now time.Time) int {
	years := now.Year() - birthdate.Year()
	if now.Month() < birthdate.Month() ||
		(now.Month() == birthdate.Month() && now.Day() < birthdate.Day()) {
		years--
	}
	return years
}

////////////////////////////////////////////////////////////////////////////////

func validatePositive(field string, v float64) error {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return &ValidationError{Field: field, Value: v}
	}
	return nil
}

func bmi(weightKg, heightM float64) float64 {
	return math.Floor(weightKg/(heightM*heightM)*100) / 100
}

// floorTo floors a value that was already scaled by 10^decimals
func floorTo(scaled float64, decimals int) float64 {
	return math.Floor(scaled) / math.Pow10(decimals)
}

// roundTo rounds half to even, so exact ties such as 0.125 become 0.12
func roundTo(v float64, decimals int) float64 {
	p := math.Pow10(decimals)
	return math.RoundToEven(v*p) / p
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
