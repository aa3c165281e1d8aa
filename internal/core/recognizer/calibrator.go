package recognizer

import (
	"errors"
	"math"
)

const (
	thresholdFloor   = 55.0
	thresholdCeiling = 130.0
	stddevFactor     = 2.0
)

// ErrNoDistributions is returned when calibration has nothing to work with;
// the caller keeps the previous threshold map in that case.
var ErrNoDistributions = errors.New("recognizer: no label produced a distance distribution")

// Calibrate derives one adaptive acceptance threshold per label from the
// self-distance distribution of that label's own training samples:
// mean + 2*stddev, clamped to [55, 130]. The result replaces the stored map
// wholesale; labels without samples simply have no entry.
func Calibrate(distances map[int][]float64, names map[int]string) (map[string]float64, error) {
	thresholds := make(map[string]float64)
	for id, dists := range distances {
		if len(dists) == 0 {
			continue
		}
		label, ok := names[id]
		if !ok {
			continue
		}
		mean, stddev := meanStddev(dists)
		th := mean + stddevFactor*stddev
		th = math.Max(thresholdFloor, math.Min(thresholdCeiling, th))
		thresholds[label] = th
	}
	if len(thresholds) == 0 {
		return nil, ErrNoDistributions
	}
	return thresholds, nil
}

// meanStddev returns the mean and population standard deviation.
func meanStddev(values []float64) (float64, float64) {
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))

	return mean, math.Sqrt(variance)
}
