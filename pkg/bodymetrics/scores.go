package bodymetrics

// Regression coefficients, indexed by Sex
var (
	bfpAgeFactor = [2]float64{0.103, 0.097}
	bfpBMIFactor = [2]float64{1.524, 1.545}
	bfpConstant  = [2]float64{22, 12.7}

	vfvBMIFactor = [2]float64{0.8666, 0.8895}
	vfvBFPFactor = [2]float64{0.0082, 0.0943}
	vfvFatFactor = [2]float64{0.026, -0.0534}
	vfvConstant  = [2]float64{14.2692, 16.215}

	subBFPFactor = [2]float64{0.965, 0.983}
	subVFVFactor = [2]float64{0.22, 0.303}

	ffwBoneFactor     = [2]float64{0.05, 0.06}
	waterFactor       = [2]float64{0.76, 0.73}
	skeletalFactor    = [2]float64{0.68, 0.62}
	proteinBFPFactor  = [2]float64{1, 1.05}
	idealHeightFactor = [2]float64{100, 137}
	idealConstant     = [2]float64{80, 110}
	idealFactor       = [2]float64{0.7, 0.45}
	idealFatPercent   = [2]float64{16, 26}
)

// Health score bands (upper bounds, exclusive) and the number of years
// subtracted from the metabolic age when falling into them
var metabolicAgeBands = []struct {
	below      int
	adjustment int
}{
	{50, 0}, {60, 1}, {65, 2}, {68, 3}, {70, 4}, {73, 5}, {75, 6}, {80, 7},
	{85, 8}, {88, 9}, {90, 10}, {93, 11}, {95, 12}, {97, 13}, {98, 14}, {99, 15},
}

const maxMetabolicAgeAdjustment = 16

func weightScore(weightKg, heightM float64, sex Sex) int {
	ideal := idealFactor[sex] * (idealHeightFactor[sex]*heightM - idealConstant[sex])

	if ideal <= weightKg {
		if ideal*1.3 < weightKg {
			return 50
		}
		return int(100 - 50*(weightKg-ideal)/(0.3*ideal))
	}
	if ideal*0.7 < weightKg {
		return int(100 - 50*(ideal-weightKg)/(0.3*ideal))
	}

	// Severely underweight, scored in steps of ten
	for x := 0; x < 6; x++ {
		if ideal*float64(x)/10 > weightKg {
			return x * 10
		}
	}
	return 0
}

func fatScore(bfp float64, sex Sex) int {
	ideal := idealFatPercent[sex]
	if ideal < bfp {
		if bfp >= 45 {
			return 50
		}
		return int(100 - 50*(bfp-ideal)/(45-ideal))
	}
	return int(100 - 50*(ideal-bfp)/(ideal-5))
}

func bmiScore(bmi float64) int {
	switch {
	case bmi >= 35:
		return 50
	case bmi >= 22:
		return int(100 - 3.85*(bmi-22))
	case bmi >= 15:
		return int(100 - 3.85*(22-bmi))
	case bmi >= 10:
		return 40
	case bmi >= 5:
		return 30
	}
	return 20
}

func metabolicAge(age, healthScore int) int {
	adjustment := maxMetabolicAgeAdjustment
	for _, band := range metabolicAgeBands {
		if healthScore < band.below {
			adjustment = band.adjustment
			break
		}
	}

	if res := age + 8 - adjustment; res > 18 {
		return res
	}
	return 18
}
