package vision

import (
	"errors"
	"fmt"
	"os"

	"gocv.io/x/gocv"
	"gocv.io/x/gocv/contrib"
)

// ErrUntrained is returned when prediction is attempted without a model.
var ErrUntrained = errors.New("vision: matcher has no trained model")

// Matcher is the trainable face matcher contract: it learns from normalized
// grayscale face crops and reports (labelID, distance) per prediction, where
// lower distance means more similar.
type Matcher interface {
	Train(samples []gocv.Mat, labelIDs []int) error
	Predict(normalized gocv.Mat) (int, float64, error)
	Save(path string) error
	Load(path string) error
}

// LBPHMatcher wraps the OpenCV LBPH face recognizer. Radius and neighbor
// counts are raised over the OpenCV defaults for more discriminative
// histograms.
type LBPHMatcher struct {
	rec     *contrib.LBPHFaceRecognizer
	trained bool
}

// NewLBPHMatcher creates an untrained LBPH matcher.
func NewLBPHMatcher() *LBPHMatcher {
	rec := contrib.NewLBPHFaceRecognizer()
	rec.SetRadius(2)
	rec.SetNeighbors(12)
	return &LBPHMatcher{rec: rec}
}

// Train fits a fresh model on the given samples, replacing any prior state.
func (m *LBPHMatcher) Train(samples []gocv.Mat, labelIDs []int) error {
	if len(samples) == 0 || len(samples) != len(labelIDs) {
		return fmt.Errorf("invalid training set: %d samples, %d labels", len(samples), len(labelIDs))
	}
	m.rec.Train(samples, labelIDs)
	m.trained = true
	return nil
}

// Predict returns the closest label id and its distance for a normalized
// face crop.
func (m *LBPHMatcher) Predict(normalized gocv.Mat) (int, float64, error) {
	if !m.trained {
		return 0, 0, ErrUntrained
	}
	resp := m.rec.PredictExtendedResponse(normalized)
	return int(resp.Label), float64(resp.Confidence), nil
}

// Save writes the model blob to path.
func (m *LBPHMatcher) Save(path string) error {
	if !m.trained {
		return ErrUntrained
	}
	m.rec.SaveFile(path)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("model file was not written: %w", err)
	}
	return nil
}

// Load reads a previously saved model blob. An unreadable or empty file is
// reported as an error so the caller can discard it and run untrained.
func (m *LBPHMatcher) Load(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("model file unreadable: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("model file %s is empty", path)
	}
	m.rec.LoadFile(path)
	m.trained = true
	return nil
}
