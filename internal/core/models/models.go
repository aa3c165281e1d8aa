package models

import (
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// UnknownLabel is the label reported when no enrolled identity is accepted.
const UnknownLabel = "Unknown"

// FaceRegion is an axis-aligned box in source-image pixel coordinates.
type FaceRegion struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Area returns the pixel area of the region.
func (r FaceRegion) Area() int {
	return r.W * r.H
}

// Metadata holds the optional case fields attached to an enrolled label.
// Empty fields are never persisted.
type Metadata struct {
	Title   string `json:"title,omitempty"`
	Case    string `json:"case,omitempty"`
	Sex     string `json:"sex,omitempty"`
	Age     string `json:"age,omitempty"`
	Address string `json:"address,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

// IsEmpty reports whether no field is set.
func (m Metadata) IsEmpty() bool {
	return m == Metadata{}
}

// Merge returns a copy of m where every non-empty field of in overwrites
// the existing value. Empty incoming fields never clear stored ones.
func (m Metadata) Merge(in Metadata) Metadata {
	out := m
	if in.Title != "" {
		out.Title = in.Title
	}
	if in.Case != "" {
		out.Case = in.Case
	}
	if in.Sex != "" {
		out.Sex = in.Sex
	}
	if in.Age != "" {
		out.Age = in.Age
	}
	if in.Address != "" {
		out.Address = in.Address
	}
	if in.Notes != "" {
		out.Notes = in.Notes
	}
	return out
}

// MatchResult is one matcher prediction for a single variant.
type MatchResult struct {
	LabelID  int
	Distance float64
	BBox     FaceRegion
}

// Decision is the final outcome of one inference request.
type Decision struct {
	Label      string      `json:"label"`
	Metadata   *Metadata   `json:"metadata"`
	Confidence *float64    `json:"confidence"`
	Score      float64     `json:"score"`
	BBox       *FaceRegion `json:"bbox"`
	Error      string      `json:"error,omitempty"`
}

// TrainingSummary reports the outcome of a model rebuild.
type TrainingSummary struct {
	LabelsCount int `json:"labels_count"`
	ImagesCount int `json:"images_count"`
}

// RecognitionEvent is one persisted inference decision.
type RecognitionEvent struct {
	gorm.Model
	Label      string         `gorm:"index"`
	Confidence *float64
	Score      float64
	BBox       datatypes.JSON `gorm:"type:json"`
}
