package repository

import (
	"encoding/json"

	"facewatch/internal/core/models"

	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EventRepository persists recognition decisions for later inspection.
type EventRepository struct {
	db *gorm.DB
}

// NewEventRepository creates an event repository over an open database.
func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Record stores one decision. Failures are logged, never propagated: the
// event trail is diagnostic, not part of the inference contract.
func (r *EventRepository) Record(decision models.Decision) {
	event := models.RecognitionEvent{
		Label:      decision.Label,
		Confidence: decision.Confidence,
		Score:      decision.Score,
	}
	if decision.BBox != nil {
		if raw, err := json.Marshal(decision.BBox); err == nil {
			event.BBox = datatypes.JSON(raw)
		}
	}
	if err := r.db.Create(&event).Error; err != nil {
		log.Errorf("Failed to record recognition event: %v", err)
	}
}

// Recent returns the newest events, capped at limit.
func (r *EventRepository) Recent(limit int) ([]models.RecognitionEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var events []models.RecognitionEvent
	if err := r.db.Order("created_at DESC").Limit(limit).Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
