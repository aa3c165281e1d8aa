package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"facewatch/internal/core/models"

	log "github.com/sirupsen/logrus"
)

const (
	labelsFile     = "labels.json"
	metadataFile   = "metadata.json"
	thresholdsFile = "thresholds.json"
)

// ErrLegacyMetadata is returned by Open when the metadata file still uses the
// old label->title-string layout. Run Migrate once to convert it.
var ErrLegacyMetadata = errors.New("registry: metadata file uses legacy string format, migration required")

// Store owns the on-disk label registry: the label<->id map, per-label
// metadata and per-label adaptive thresholds. Every save rewrites the whole
// file; files are never partially patched.
//
// Store is not safe for concurrent use; the recognizer service serializes
// access behind its own lock.
type Store struct {
	dir string

	labels     map[string]int
	metadata   map[string]models.Metadata
	thresholds map[string]float64
}

// Open loads the registry files from dir. Missing or unreadable files fall
// back to empty maps; that fallback is deliberate and logged, so a corrupt
// registry never prevents startup.
func Open(dir string) (*Store, error) {
	s := &Store{
		dir:        dir,
		labels:     map[string]int{},
		metadata:   map[string]models.Metadata{},
		thresholds: map[string]float64{},
	}

	if err := loadJSON(s.path(labelsFile), &s.labels); err != nil {
		log.Warnf("Failed to load label map, starting empty: %v", err)
		s.labels = map[string]int{}
	}

	legacy, err := isLegacyMetadata(s.path(metadataFile))
	if err == nil && legacy {
		return nil, ErrLegacyMetadata
	}
	if err := loadJSON(s.path(metadataFile), &s.metadata); err != nil {
		log.Warnf("Failed to load metadata map, starting empty: %v", err)
		s.metadata = map[string]models.Metadata{}
	}

	if err := loadJSON(s.path(thresholdsFile), &s.thresholds); err != nil {
		log.Warnf("Failed to load threshold map, starting empty: %v", err)
		s.thresholds = map[string]float64{}
	}

	return s, nil
}

// Migrate converts a legacy label->title-string metadata file into the
// current label->object layout. It is a one-time explicit step, not an
// on-load compatibility shim.
func Migrate(dir string) error {
	path := filepath.Join(dir, metadataFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read legacy metadata: %w", err)
	}

	var legacy map[string]string
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return fmt.Errorf("legacy metadata is not a label->string map: %w", err)
	}

	migrated := make(map[string]models.Metadata, len(legacy))
	for label, title := range legacy {
		migrated[label] = models.Metadata{Title: title}
	}
	if err := saveJSON(path, migrated); err != nil {
		return fmt.Errorf("write migrated metadata: %w", err)
	}

	log.Infof("Migrated %d legacy metadata entries in %s", len(migrated), path)
	return nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// Labels returns a copy of the label->id map.
func (s *Store) Labels() map[string]int {
	out := make(map[string]int, len(s.labels))
	for k, v := range s.labels {
		out[k] = v
	}
	return out
}

// IDByLabel looks up the numeric id of a label.
func (s *Store) IDByLabel(label string) (int, bool) {
	id, ok := s.labels[label]
	return id, ok
}

// LabelByID resolves a numeric id back to its label.
func (s *Store) LabelByID(id int) (string, bool) {
	for label, lid := range s.labels {
		if lid == id {
			return label, true
		}
	}
	return "", false
}

// EnsureLabel returns the id of label, assigning max(existing)+1 (0 when the
// registry is empty) on first sight. The assignment rule reuses the highest
// id after the highest-numbered label has been deleted.
func (s *Store) EnsureLabel(label string) int {
	if id, ok := s.labels[label]; ok {
		return id
	}
	id := s.nextID()
	s.labels[label] = id
	return id
}

func (s *Store) nextID() int {
	next := 0
	for _, id := range s.labels {
		if id >= next {
			next = id + 1
		}
	}
	return next
}

// RemoveLabel drops a label and its metadata from the in-memory maps and
// rewrites both files. Thresholds are left alone; the next calibration pass
// replaces the whole map anyway.
func (s *Store) RemoveLabel(label string) error {
	if _, ok := s.labels[label]; !ok {
		return nil
	}
	delete(s.labels, label)
	if err := s.SaveLabels(); err != nil {
		return err
	}
	if _, ok := s.metadata[label]; ok {
		delete(s.metadata, label)
		if err := s.saveMetadata(); err != nil {
			return err
		}
	}
	return nil
}

// SaveLabels rewrites the label map file.
func (s *Store) SaveLabels() error {
	return saveJSON(s.path(labelsFile), s.labels)
}

// Metadata returns the stored metadata for a label, if any.
func (s *Store) Metadata(label string) (models.Metadata, bool) {
	md, ok := s.metadata[label]
	return md, ok
}

// MergeMetadata applies the non-empty fields of in to the label's stored
// metadata and rewrites the metadata file. A fully empty update is a no-op.
func (s *Store) MergeMetadata(label string, in models.Metadata) error {
	if label == "" || in.IsEmpty() {
		return nil
	}
	s.metadata[label] = s.metadata[label].Merge(in)
	return s.saveMetadata()
}

func (s *Store) saveMetadata() error {
	return saveJSON(s.path(metadataFile), s.metadata)
}

// Thresholds returns a copy of the per-label adaptive threshold map.
func (s *Store) Thresholds() map[string]float64 {
	out := make(map[string]float64, len(s.thresholds))
	for k, v := range s.thresholds {
		out[k] = v
	}
	return out
}

// ReplaceThresholds swaps in a freshly calibrated threshold map and rewrites
// the file. The previous map is kept untouched on save failure.
func (s *Store) ReplaceThresholds(thresholds map[string]float64) error {
	if err := saveJSON(s.path(thresholdsFile), thresholds); err != nil {
		return err
	}
	s.thresholds = thresholds
	return nil
}

func isLegacyMetadata(path string) (bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false, err
	}
	if len(probe) == 0 {
		return false, nil
	}
	for _, v := range probe {
		var str string
		if err := json.Unmarshal(v, &str); err != nil {
			return false, nil
		}
	}
	return true, nil
}

func loadJSON(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(raw, out)
}

func saveJSON(path string, data any) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
