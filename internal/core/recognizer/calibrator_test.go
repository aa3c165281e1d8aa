package recognizer

import (
	"errors"
	"math"
	"testing"
)

func TestCalibrate(t *testing.T) {
	names := map[int]string{0: "alice", 1: "bob"}

	tests := []struct {
		name      string
		distances map[int][]float64
		expected  map[string]float64
	}{
		{
			name:      "tight distribution clamps to floor",
			distances: map[int][]float64{0: {10, 10, 10}},
			expected:  map[string]float64{"alice": 55},
		},
		{
			name:      "wide distribution clamps to ceiling",
			distances: map[int][]float64{0: {100, 140}},
			expected:  map[string]float64{"alice": 130},
		},
		{
			name:      "mid range passes through",
			distances: map[int][]float64{0: {50, 60}},
			expected:  map[string]float64{"alice": 65},
		},
		{
			name: "multiple labels",
			distances: map[int][]float64{
				0: {50, 60},
				1: {30, 30},
			},
			expected: map[string]float64{"alice": 65, "bob": 55},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Calibrate(tc.distances, names)
			if err != nil {
				t.Fatalf("Calibrate returned error: %v", err)
			}
			if len(got) != len(tc.expected) {
				t.Fatalf("expected %d thresholds, got %d", len(tc.expected), len(got))
			}
			for label, want := range tc.expected {
				if math.Abs(got[label]-want) > 1e-9 {
					t.Errorf("threshold[%s] = %v; want %v", label, got[label], want)
				}
			}
		})
	}
}

func TestCalibrate_Failures(t *testing.T) {
	names := map[int]string{0: "alice"}

	tests := []struct {
		name      string
		distances map[int][]float64
	}{
		{"no distances at all", map[int][]float64{}},
		{"only empty distributions", map[int][]float64{0: {}}},
		{"only unregistered ids", map[int][]float64{7: {10, 20}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Calibrate(tc.distances, names)
			if !errors.Is(err, ErrNoDistributions) {
				t.Errorf("expected ErrNoDistributions, got %v", err)
			}
		})
	}
}

func TestMeanStddev(t *testing.T) {
	mean, stddev := meanStddev([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if math.Abs(mean-5) > 1e-9 {
		t.Errorf("mean = %v; want 5", mean)
	}
	if math.Abs(stddev-2) > 1e-9 {
		t.Errorf("stddev = %v; want 2 (population)", stddev)
	}
}
