package vision

import (
	"fmt"
	"image"

	"facewatch/config"
	"facewatch/internal/core/models"

	"gocv.io/x/gocv"
)

// Detector locates face regions in a grayscale image. The returned regions
// are already filtered for minimum size and neighbor strictness.
type Detector interface {
	Detect(gray gocv.Mat) []models.FaceRegion
	Close() error
}

// HaarDetector detects frontal faces with an OpenCV Haar cascade.
type HaarDetector struct {
	classifier   gocv.CascadeClassifier
	scaleFactor  float64
	minNeighbors int
	minSize      int
}

// NewHaarDetector loads the cascade file referenced by the configuration.
func NewHaarDetector(cfg config.DetectorConfig) (*HaarDetector, error) {
	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(cfg.CascadeFile) {
		classifier.Close()
		return nil, fmt.Errorf("failed to load face cascade from %s", cfg.CascadeFile)
	}
	return &HaarDetector{
		classifier:   classifier,
		scaleFactor:  cfg.ScaleFactor,
		minNeighbors: cfg.MinNeighbors,
		minSize:      cfg.MinSize,
	}, nil
}

// Detect returns all face regions found in gray.
func (d *HaarDetector) Detect(gray gocv.Mat) []models.FaceRegion {
	rects := d.classifier.DetectMultiScaleWithParams(
		gray,
		d.scaleFactor,
		d.minNeighbors,
		0,
		image.Pt(d.minSize, d.minSize),
		image.Pt(0, 0),
	)

	regions := make([]models.FaceRegion, 0, len(rects))
	for _, r := range rects {
		regions = append(regions, models.FaceRegion{
			X: r.Min.X,
			Y: r.Min.Y,
			W: r.Dx(),
			H: r.Dy(),
		})
	}
	return regions
}

// Close releases the cascade classifier.
func (d *HaarDetector) Close() error {
	return d.classifier.Close()
}
