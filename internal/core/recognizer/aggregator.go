package recognizer

import (
	"math"
	"sort"

	"facewatch/internal/core/models"
)

const (
	// Variants whose bbox falls below this side length or outside the aspect
	// band are too unreliable to vote.
	minVariantSide = 90
	minAspect      = 0.7
	maxAspect      = 1.4

	// A label needs at least this many qualifying votes across variants to
	// count as a reliable candidate.
	reliableVotes = 2

	// Accepting a single-sample global best requires a stricter margin under
	// the threshold to avoid flukes.
	fallbackMargin = 5.0

	// Per-label adaptive thresholds may raise acceptance at most this far
	// over the global threshold.
	adaptiveCeiling = 10.0
)

// AcceptableRegion reports whether a variant bbox is large and square enough
// to take part in matching.
func AcceptableRegion(r models.FaceRegion) bool {
	if r.W < minVariantSide || r.H < minVariantSide {
		return false
	}
	aspect := float64(r.W) / float64(r.H)
	return aspect >= minAspect && aspect <= maxAspect
}

// Score maps a matcher distance to a normalized [0,1] score, higher is
// better: clamp((T-confidence)/max(T, eps), 0, 1).
func Score(confidence, threshold float64) float64 {
	s := (threshold - confidence) / math.Max(threshold, 1e-6)
	return math.Min(1, math.Max(0, s))
}

// Aggregate combines per-variant match results into a single decision using
// majority vote with distance margins:
//
//  1. every result with distance <= threshold votes for its label;
//  2. among labels with at least two votes, the one with the most votes wins,
//     ties broken by lower mean distance;
//  3. a winning label is accepted when its mean vote distance stays within
//     the threshold, otherwise the overall best single result is accepted
//     alone when it clears threshold-fallbackMargin;
//  4. an accepted label is still downgraded to Unknown when its confidence
//     exceeds the label's adaptive threshold, clamped to
//     [threshold, threshold+adaptiveCeiling].
//
// The global best distance is reported as confidence even on Unknown so
// callers can surface it diagnostically.
func Aggregate(results []models.MatchResult, threshold float64, names map[int]string, adaptive map[string]float64) models.Decision {
	if len(results) == 0 {
		return models.Decision{Label: models.UnknownLabel}
	}

	best := results[0]
	votes := make(map[int][]models.MatchResult)
	for _, r := range results {
		if r.Distance < best.Distance {
			best = r
		}
		if r.Distance <= threshold {
			votes[r.LabelID] = append(votes[r.LabelID], r)
		}
	}

	chosenID, chosenMean, chosenBBox := pickReliable(votes)

	var labelID int
	var confidence float64
	var bbox models.FaceRegion
	switch {
	case chosenID >= 0 && chosenMean <= threshold:
		labelID, confidence, bbox = chosenID, chosenMean, chosenBBox
	case best.Distance <= threshold-fallbackMargin:
		labelID, confidence, bbox = best.LabelID, best.Distance, best.BBox
	default:
		return unknownDecision(best.Distance, best.BBox, threshold)
	}

	label, ok := names[labelID]
	if !ok {
		return unknownDecision(confidence, bbox, threshold)
	}

	effective := effectiveThreshold(adaptive, label, threshold)
	if confidence > effective {
		return unknownDecision(confidence, bbox, threshold)
	}

	return models.Decision{
		Label:      label,
		Confidence: &confidence,
		Score:      Score(confidence, threshold),
		BBox:       &bbox,
	}
}

// pickReliable selects the label with the most qualifying votes (ties broken
// by lower mean distance) among labels reaching the reliable vote count.
// Returns a negative id when no label qualifies. The bbox comes from the
// winner's lowest-distance vote.
func pickReliable(votes map[int][]models.MatchResult) (int, float64, models.FaceRegion) {
	ids := make([]int, 0, len(votes))
	for id := range votes {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	chosenID := -1
	chosenMean := math.MaxFloat64
	chosenCount := 0
	var chosenBBox models.FaceRegion
	for _, id := range ids {
		entries := votes[id]
		if len(entries) < reliableVotes {
			continue
		}
		mean := meanDistance(entries)
		if chosenID < 0 || len(entries) > chosenCount ||
			(len(entries) == chosenCount && mean < chosenMean) {
			chosenID = id
			chosenMean = mean
			chosenCount = len(entries)
			chosenBBox = lowestDistance(entries).BBox
		}
	}
	return chosenID, chosenMean, chosenBBox
}

// effectiveThreshold clamps a label's adaptive threshold into
// [threshold, threshold+adaptiveCeiling], defaulting to the global threshold
// when no calibrated value exists.
func effectiveThreshold(adaptive map[string]float64, label string, threshold float64) float64 {
	labelTh, ok := adaptive[label]
	if !ok {
		labelTh = threshold
	}
	return math.Min(threshold+adaptiveCeiling, math.Max(threshold, labelTh))
}

func unknownDecision(confidence float64, bbox models.FaceRegion, threshold float64) models.Decision {
	c := confidence
	b := bbox
	return models.Decision{
		Label:      models.UnknownLabel,
		Confidence: &c,
		Score:      Score(c, threshold),
		BBox:       &b,
	}
}

func meanDistance(entries []models.MatchResult) float64 {
	sum := 0.0
	for _, e := range entries {
		sum += e.Distance
	}
	return sum / float64(len(entries))
}

func lowestDistance(entries []models.MatchResult) models.MatchResult {
	best := entries[0]
	for _, e := range entries[1:] {
		if e.Distance < best.Distance {
			best = e
		}
	}
	return best
}
