package recognizer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"facewatch/config"
	"facewatch/internal/core/models"
	"facewatch/internal/core/processor"
	"facewatch/internal/registry"
	"facewatch/internal/vision"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// ErrModelNotTrained is returned by inference before any variant work when no
// trained model is loaded. It is a non-fatal per-request condition.
var ErrModelNotTrained = errors.New("model not trained yet, upload training images first")

// ErrEmptyDataset is returned by a rebuild that found no usable faces. Any
// stale persisted model has been deleted by then.
var ErrEmptyDataset = errors.New("no faces found in dataset to train the model")

// EventSink records accepted and rejected decisions, best effort.
type EventSink interface {
	Record(models.Decision)
}

// Publisher pushes decisions to an external channel, best effort.
type Publisher interface {
	PublishDecision(models.Decision)
}

// Service owns the shared recognition state: the trained matcher and the
// label registry. Inference takes shared access, training and registry
// mutation take exclusive access, so writers are serialized and never overlap
// with readers.
type Service struct {
	cfg        *config.Config
	store      *registry.Store
	detector   vision.Detector
	newMatcher func() vision.Matcher

	mu      sync.RWMutex
	matcher vision.Matcher

	pool      *processor.WorkerPool
	events    EventSink
	publisher Publisher
}

// NewService wires the recognition service. newMatcher builds a fresh,
// untrained matcher; every rebuild trains a new instance from scratch.
func NewService(cfg *config.Config, store *registry.Store, detector vision.Detector, newMatcher func() vision.Matcher) *Service {
	return &Service{
		cfg:        cfg,
		store:      store,
		detector:   detector,
		newMatcher: newMatcher,
	}
}

// AttachPool routes inference through a bounded worker pool.
func (s *Service) AttachPool(pool *processor.WorkerPool) {
	s.pool = pool
}

// AttachEvents adds a decision event sink.
func (s *Service) AttachEvents(sink EventSink) {
	s.events = sink
}

// AttachPublisher adds a decision publisher.
func (s *Service) AttachPublisher(pub Publisher) {
	s.publisher = pub
}

// LoadModel restores a persisted model blob if one exists. An unreadable
// blob is discarded and the service starts untrained.
func (s *Service) LoadModel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.cfg.ModelPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Info("No persisted model found, starting untrained")
		return
	}

	matcher := s.newMatcher()
	if err := matcher.Load(path); err != nil {
		log.Warnf("Discarding unreadable model %s: %v", path, err)
		if err := os.Remove(path); err != nil {
			log.Warnf("Failed to remove corrupt model file: %v", err)
		}
		return
	}
	s.matcher = matcher
	log.Infof("Loaded persisted model from %s", path)
}

// Infer decodes a data-URL image and runs the full decision pipeline:
// detect, generate variants, match each variant, aggregate. The returned
// error is vision.ErrInvalidImage for undecodable payloads and
// ErrModelNotTrained when no model is loaded.
func (s *Service) Infer(ctx context.Context, imageDataURL string) (models.Decision, error) {
	img, err := vision.DecodeDataURL(imageDataURL)
	if err != nil {
		return models.Decision{}, err
	}
	defer img.Close()

	if s.pool != nil {
		return s.pool.Dispatch(ctx, func(context.Context) (models.Decision, error) {
			return s.infer(img)
		})
	}
	return s.infer(img)
}

func (s *Service) infer(bgr gocv.Mat) (models.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.matcher == nil {
		return models.Decision{}, ErrModelNotTrained
	}

	gray := vision.Grayscale(bgr)
	defer gray.Close()

	variants := GenerateVariants(gray, s.detector.Detect(gray))
	if len(variants) == 0 {
		return models.Decision{Label: models.UnknownLabel}, nil
	}
	defer CloseVariants(variants)

	var results []models.MatchResult
	for _, v := range variants {
		if !AcceptableRegion(v.BBox) {
			continue
		}
		id, dist, err := s.matcher.Predict(v.Image)
		if err != nil {
			if errors.Is(err, vision.ErrUntrained) {
				return models.Decision{}, ErrModelNotTrained
			}
			return models.Decision{}, fmt.Errorf("matcher predict: %w", err)
		}
		results = append(results, models.MatchResult{LabelID: id, Distance: dist, BBox: v.BBox})
	}

	threshold := s.cfg.Recognizer.ConfidenceThreshold
	decision := Aggregate(results, threshold, s.labelsByID(), s.store.Thresholds())
	if decision.Label != models.UnknownLabel {
		if md, ok := s.store.Metadata(decision.Label); ok {
			decision.Metadata = &md
		}
	}

	s.emit(decision)
	return decision, nil
}

func (s *Service) emit(decision models.Decision) {
	if s.events != nil {
		s.events.Record(decision)
	}
	if s.publisher != nil {
		s.publisher.PublishDecision(decision)
	}
}

// Rebuild retrains the matcher from the full dataset tree, persists model
// and label map, and recalibrates per-label thresholds.
func (s *Service) Rebuild(ctx context.Context) (models.TrainingSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebuildLocked()
}

func (s *Service) rebuildLocked() (models.TrainingSummary, error) {
	samples, labelIDs, err := s.collectDataset()
	defer closeMats(samples)
	if err != nil {
		return models.TrainingSummary{}, err
	}

	// The label map may have grown during the dataset walk.
	if err := s.store.SaveLabels(); err != nil {
		log.Errorf("Failed to save label map: %v", err)
	}

	if len(samples) == 0 {
		s.matcher = nil
		if err := os.Remove(s.cfg.ModelPath()); err != nil && !os.IsNotExist(err) {
			log.Warnf("Failed to remove stale model: %v", err)
		}
		return models.TrainingSummary{}, ErrEmptyDataset
	}

	matcher := s.newMatcher()
	if err := matcher.Train(samples, labelIDs); err != nil {
		return models.TrainingSummary{}, fmt.Errorf("train matcher: %w", err)
	}
	if err := matcher.Save(s.cfg.ModelPath()); err != nil {
		return models.TrainingSummary{}, fmt.Errorf("persist model: %w", err)
	}
	s.matcher = matcher

	s.calibrate(matcher, samples, labelIDs)

	distinct := make(map[int]struct{}, len(labelIDs))
	for _, id := range labelIDs {
		distinct[id] = struct{}{}
	}
	summary := models.TrainingSummary{LabelsCount: len(distinct), ImagesCount: len(samples)}
	log.Infof("Rebuilt model: %d labels, %d images", summary.LabelsCount, summary.ImagesCount)
	return summary, nil
}

// calibrate runs every training sample back through the fresh matcher and
// replaces the per-label threshold map. Any failure leaves the previous map
// untouched; calibration problems are never surfaced to the caller.
func (s *Service) calibrate(matcher vision.Matcher, samples []gocv.Mat, labelIDs []int) {
	distances := make(map[int][]float64)
	for i, sample := range samples {
		_, dist, err := matcher.Predict(sample)
		if err != nil {
			log.Debugf("Calibration aborted, keeping previous thresholds: %v", err)
			return
		}
		distances[labelIDs[i]] = append(distances[labelIDs[i]], dist)
	}

	thresholds, err := Calibrate(distances, s.labelsByID())
	if err != nil {
		log.Debugf("Calibration produced no thresholds, keeping previous: %v", err)
		return
	}
	if err := s.store.ReplaceThresholds(thresholds); err != nil {
		log.Warnf("Failed to save thresholds, keeping previous: %v", err)
	}
}

// collectDataset walks the per-label dataset tree, assigns ids to newly seen
// labels and prepares one normalized face per readable sample image.
func (s *Service) collectDataset() ([]gocv.Mat, []int, error) {
	entries, err := os.ReadDir(s.cfg.DatasetDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("read dataset dir: %w", err)
	}

	var samples []gocv.Mat
	var labelIDs []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		label := entry.Name()
		labelID := s.store.EnsureLabel(label)
		labelDir := filepath.Join(s.cfg.DatasetDir(), label)

		files, err := os.ReadDir(labelDir)
		if err != nil {
			log.Warnf("Skipping unreadable label dir %s: %v", labelDir, err)
			continue
		}
		for _, file := range files {
			if !file.Type().IsRegular() {
				continue
			}
			img := gocv.IMRead(filepath.Join(labelDir, file.Name()), gocv.IMReadColor)
			if img.Empty() {
				img.Close()
				continue
			}
			face, ok := s.prepareFace(img)
			img.Close()
			if !ok {
				continue
			}
			samples = append(samples, face)
			labelIDs = append(labelIDs, labelID)
		}
	}
	return samples, labelIDs, nil
}

// prepareFace detects the largest face in a BGR image and returns its
// normalized training crop.
func (s *Service) prepareFace(bgr gocv.Mat) (gocv.Mat, bool) {
	gray := vision.Grayscale(bgr)
	defer gray.Close()

	regions := s.detector.Detect(gray)
	if len(regions) == 0 {
		return gocv.Mat{}, false
	}
	return NormalizeFace(gray, largestRegion(regions)), true
}

var imageNamePattern = regexp.MustCompile(`(?i)^image_(\d{4})\.jpg$`)

// AddImages stores normalized face crops for a label, continuing the
// image_NNNN.jpg sequence, and merge-updates the label's metadata. Images
// without a decodable face are counted as skipped, never as errors.
func (s *Service) AddImages(ctx context.Context, label string, files [][]byte, meta models.Metadata) (added, skipped int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	labelDir := filepath.Join(s.cfg.DatasetDir(), label)
	if err := os.MkdirAll(labelDir, 0755); err != nil {
		return 0, 0, fmt.Errorf("create label dir: %w", err)
	}

	if _, ok := s.store.IDByLabel(label); !ok {
		s.store.EnsureLabel(label)
		if err := s.store.SaveLabels(); err != nil {
			log.Errorf("Failed to save label map: %v", err)
		}
	}

	idx := nextImageIndex(labelDir)
	for _, raw := range files {
		img, err := vision.DecodeImage(raw)
		if err != nil {
			skipped++
			continue
		}
		face, ok := s.prepareFace(img)
		img.Close()
		if !ok {
			skipped++
			continue
		}
		outPath := filepath.Join(labelDir, fmt.Sprintf("image_%04d.jpg", idx))
		if !gocv.IMWrite(outPath, face) {
			log.Warnf("Failed to write training image %s", outPath)
			skipped++
		} else {
			added++
			idx++
		}
		face.Close()
	}

	if err := s.store.MergeMetadata(label, meta); err != nil {
		log.Errorf("Failed to save metadata for %s: %v", label, err)
	}

	return added, skipped, nil
}

// nextImageIndex continues the numeric image_NNNN.jpg sequence.
func nextImageIndex(labelDir string) int {
	maxIdx := -1
	entries, err := os.ReadDir(labelDir)
	if err != nil {
		return 0
	}
	for _, entry := range entries {
		m := imageNamePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		var idx int
		if _, err := fmt.Sscanf(m[1], "%d", &idx); err == nil && idx > maxIdx {
			maxIdx = idx
		}
	}
	return maxIdx + 1
}

// DeleteLabel removes a label's dataset directory and registry entries, then
// retrains on whatever remains. Filesystem removal is best effort; failure
// is reported through removed=false, never as an error.
func (s *Service) DeleteLabel(ctx context.Context, label string) (bool, models.TrainingSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()

	labelDir := filepath.Join(s.cfg.DatasetDir(), label)
	removed := false
	if info, err := os.Stat(labelDir); err == nil && info.IsDir() {
		removeTreeBestEffort(labelDir)
		_, statErr := os.Stat(labelDir)
		removed = os.IsNotExist(statErr)
	}

	if err := s.store.RemoveLabel(label); err != nil {
		log.Errorf("Failed to update registry after deleting %s: %v", label, err)
	}

	summary := models.TrainingSummary{}
	if s.datasetHasLabels() {
		sum, err := s.rebuildLocked()
		switch {
		case err == nil:
			summary = sum
		case errors.Is(err, ErrEmptyDataset):
			// Stale model already deleted by the rebuild.
		default:
			log.Errorf("Retrain after deleting %s failed: %v", label, err)
		}
	} else {
		s.dropModelLocked()
	}

	return removed, summary
}

// dropModelLocked clears the in-memory matcher and deletes the persisted
// blob so inference cannot serve a phantom identity.
func (s *Service) dropModelLocked() {
	s.matcher = nil
	if err := os.Remove(s.cfg.ModelPath()); err != nil && !os.IsNotExist(err) {
		log.Warnf("Failed to remove model file: %v", err)
	}
}

func (s *Service) datasetHasLabels() bool {
	entries, err := os.ReadDir(s.cfg.DatasetDir())
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if entry.IsDir() {
			return true
		}
	}
	return false
}

// removeTreeBestEffort removes a directory tree, clearing read-only modes
// and retrying once when the first attempt fails (locked files).
func removeTreeBestEffort(dir string) {
	if err := os.RemoveAll(dir); err == nil {
		return
	}
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		_ = os.Chmod(path, 0700)
		return nil
	})
	if err := os.RemoveAll(dir); err != nil {
		log.Warnf("Failed to remove %s: %v", dir, err)
	}
}

// LabelCounts reports the number of stored sample images per enrolled label.
func (s *Service) LabelCounts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	entries, err := os.ReadDir(s.cfg.DatasetDir())
	if err != nil {
		return counts
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.cfg.DatasetDir(), entry.Name()))
		if err != nil {
			continue
		}
		n := 0
		for _, f := range files {
			if f.Type().IsRegular() {
				n++
			}
		}
		counts[entry.Name()] = n
	}
	return counts
}

// LabelMetadata returns the stored metadata for a label. A known label that
// never received metadata fields reports an empty object, not a miss.
func (s *Service) LabelMetadata(label string) (models.Metadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if md, ok := s.store.Metadata(label); ok {
		return md, true
	}
	if _, ok := s.store.IDByLabel(label); ok {
		return models.Metadata{}, true
	}
	return models.Metadata{}, false
}

func (s *Service) labelsByID() map[int]string {
	labels := s.store.Labels()
	byID := make(map[int]string, len(labels))
	for label, id := range labels {
		byID[id] = label
	}
	return byID
}

func closeMats(mats []gocv.Mat) {
	for i := range mats {
		mats[i].Close()
	}
}
