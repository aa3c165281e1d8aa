package main

import (
	"errors"
	"fmt"
	"os"

	"facewatch/config"
	"facewatch/internal/api/handlers"
	"facewatch/internal/core/processor"
	"facewatch/internal/core/recognizer"
	"facewatch/internal/db"
	"facewatch/internal/db/repository"
	"facewatch/internal/logger"
	"facewatch/internal/mqtt"
	"facewatch/internal/registry"
	"facewatch/internal/vision"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const defaultConfigPath = "config.yaml"

func main() {
	configPath := os.Getenv("FACEWATCH_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(cfg.Log); err != nil {
		log.Errorf("Failed to initialize logger completely: %v", err)
	}

	// Label registry. A legacy metadata file needs a one-time migration.
	store, err := registry.Open(cfg.Server.DataDir)
	if errors.Is(err, registry.ErrLegacyMetadata) {
		log.Info("Legacy metadata format detected, migrating...")
		if err := registry.Migrate(cfg.Server.DataDir); err != nil {
			log.Fatalf("Metadata migration failed: %v", err)
		}
		store, err = registry.Open(cfg.Server.DataDir)
	}
	if err != nil {
		log.Fatalf("Failed to open label registry: %v", err)
	}

	detector, err := vision.NewHaarDetector(cfg.Detector)
	if err != nil {
		log.Fatalf("Failed to initialize face detector: %v", err)
	}
	defer detector.Close()

	service := recognizer.NewService(cfg, store, detector, func() vision.Matcher {
		return vision.NewLBPHMatcher()
	})
	service.LoadModel()

	pool := processor.NewWorkerPool()
	defer pool.Shutdown()
	service.AttachPool(pool)

	// Event store for the decision history.
	var events *repository.EventRepository
	gdb, err := db.Open(cfg.DB)
	if err != nil {
		log.Warnf("Continuing without event store: %v", err)
	} else {
		events = repository.NewEventRepository(gdb)
		service.AttachEvents(events)
	}

	// Optional decision publisher.
	if mqttClient := mqtt.NewClient(cfg.MQTT); mqttClient != nil {
		if err := mqttClient.Start(); err != nil {
			log.Warnf("Initial MQTT connect failed, relying on auto-reconnect: %v", err)
		}
		defer mqttClient.Stop()
		service.AttachPublisher(mqttClient)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		AllowCredentials: true,
	}))

	apiHandler := handlers.NewAPIHandler(service, events, pool)
	apiHandler.RegisterRoutes(router.Group("/api"))

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Infof("Starting server on %s", serverAddr)
	if err := router.Run(serverAddr); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}
