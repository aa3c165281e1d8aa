package db

import (
	"fmt"
	"time"

	"facewatch/config"
	"facewatch/internal/core/models"

	"github.com/glebarez/sqlite"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the SQLite event store and runs migrations.
func Open(cfg config.DBConfig) (*gorm.DB, error) {
	gormLogger := logger.New(
		log.StandardLogger(),
		logger.Config{
			SlowThreshold:             2 * time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	log.Infof("Connecting to event store: %s", cfg.File)
	gdb, err := gorm.Open(sqlite.Open(cfg.File), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("event store connection failed: %w", err)
	}

	if err := gdb.AutoMigrate(&models.RecognitionEvent{}); err != nil {
		return nil, fmt.Errorf("event store migration failed: %w", err)
	}

	log.Info("Event store ready")
	return gdb, nil
}
