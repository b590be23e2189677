package domain

import (
	"fmt"
	"math"
)

// ComputePoints maps (preset, quantity, intensity) to an integer point delta.
// Pure and deterministic: no I/O, no mutation of the preset.
//
// Presets without a pointsByUnit table resolve to their flat point value and
// ignore quantity and intensity. Parameterized presets require the quantity to
// be a present key; presets carrying an intensity table additionally require a
// valid intensity level. Modified values round half away from zero.
func ComputePoints(preset ActivityPreset, quantity string, intensity Intensity) (int64, error) {
	if len(preset.PointsByUnit) == 0 {
		return preset.PointValue, nil
	}

	base, ok := preset.PointsByUnit[quantity]
	if !ok {
		return 0, fmt.Errorf("%w: quantity %q is not offered by %q", ErrInvalidSelection, quantity, preset.Name)
	}

	if len(preset.IntensityModifier) == 0 {
		return base, nil
	}

	factor, ok := preset.IntensityModifier[intensity.String()]
	if !ok {
		return 0, fmt.Errorf("%w: intensity %q is not offered by %q", ErrInvalidSelection, intensity.String(), preset.Name)
	}

	return roundHalfAwayFromZero(float64(base) * factor), nil
}

func roundHalfAwayFromZero(value float64) int64 {
	if value >= 0 {
		return int64(math.Floor(value + 0.5))
	}
	return int64(math.Ceil(value - 0.5))
}
