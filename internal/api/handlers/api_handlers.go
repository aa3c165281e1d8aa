package handlers

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"facewatch/internal/core/models"
	"facewatch/internal/core/processor"
	"facewatch/internal/core/recognizer"
	"facewatch/internal/db/repository"
	"facewatch/internal/utils"
	"facewatch/internal/vision"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// RecognitionService is the slice of the recognizer the API needs.
type RecognitionService interface {
	Infer(ctx context.Context, imageDataURL string) (models.Decision, error)
	Rebuild(ctx context.Context) (models.TrainingSummary, error)
	AddImages(ctx context.Context, label string, files [][]byte, meta models.Metadata) (added, skipped int, err error)
	DeleteLabel(ctx context.Context, label string) (bool, models.TrainingSummary)
	LabelCounts() map[string]int
	LabelMetadata(label string) (models.Metadata, bool)
}

// APIHandler serves the recognition HTTP API.
type APIHandler struct {
	service RecognitionService
	events  *repository.EventRepository
	pool    *processor.WorkerPool
}

// NewAPIHandler creates the API handler. events and pool may be nil.
func NewAPIHandler(service RecognitionService, events *repository.EventRepository, pool *processor.WorkerPool) *APIHandler {
	return &APIHandler{
		service: service,
		events:  events,
		pool:    pool,
	}
}

// RegisterRoutes registers all API routes on the given group.
func (h *APIHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/health", h.Health)
	router.GET("/status", h.Status)
	router.GET("/events", h.ListEvents)

	router.GET("/labels", h.ListLabels)
	router.GET("/labels/:label/metadata", h.GetLabelMetadata)

	router.POST("/infer", h.Infer)

	router.POST("/train/upload", h.TrainUpload)
	router.POST("/train/rebuild", h.TrainRebuild)
	router.DELETE("/train/delete", h.TrainDelete)
}

// Health reports service liveness.
func (h *APIHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Status reports system and worker-pool statistics.
func (h *APIHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, utils.Collect(h.pool))
}

// ListEvents returns recent recognition events.
func (h *APIHandler) ListEvents(c *gin.Context) {
	if h.events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Event store is not configured"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	events, err := h.events.Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch events"})
		return
	}
	c.JSON(http.StatusOK, events)
}

// ListLabels returns enrolled labels with their stored sample counts.
func (h *APIHandler) ListLabels(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.LabelCounts())
}

// GetLabelMetadata returns the metadata of one enrolled label.
func (h *APIHandler) GetLabelMetadata(c *gin.Context) {
	label := c.Param("label")
	md, ok := h.service.LabelMetadata(label)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Label not found"})
		return
	}
	c.JSON(http.StatusOK, md)
}

type inferRequest struct {
	Image string `json:"image"`
}

// Infer matches a data-URL image against the enrolled gallery. An untrained
// model is reported as a 200 decision with an error annotation, not as a
// request failure.
func (h *APIHandler) Infer(c *gin.Context) {
	var req inferRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Image == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing 'image' data URL"})
		return
	}

	decision, err := h.service.Infer(c.Request.Context(), req.Image)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, decision)
	case errors.Is(err, vision.ErrInvalidImage):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid image payload"})
	case errors.Is(err, recognizer.ErrModelNotTrained):
		c.JSON(http.StatusOK, models.Decision{
			Label: models.UnknownLabel,
			Error: err.Error(),
		})
	default:
		log.Errorf("Inference failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Inference failed"})
	}
}

// TrainUpload stores training images for a label, merge-updates its metadata
// and retrains the model.
func (h *APIHandler) TrainUpload(c *gin.Context) {
	label := strings.TrimSpace(c.PostForm("label"))
	if label == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Label is required"})
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid multipart form"})
		return
	}
	fileHeaders := form.File["files"]
	if len(fileHeaders) == 0 {
		fileHeaders = form.File["files[]"]
	}
	if len(fileHeaders) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "At least one file is required"})
		return
	}

	files, err := readUploads(fileHeaders)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read uploaded files"})
		return
	}

	meta := models.Metadata{
		Title:   strings.TrimSpace(c.PostForm("title")),
		Case:    strings.TrimSpace(c.PostForm("case")),
		Sex:     strings.TrimSpace(c.PostForm("sex")),
		Age:     strings.TrimSpace(c.PostForm("age")),
		Address: strings.TrimSpace(c.PostForm("address")),
		Notes:   strings.TrimSpace(c.PostForm("notes")),
	}

	added, skipped, err := h.service.AddImages(c.Request.Context(), label, files, meta)
	if err != nil {
		log.Errorf("Failed to store training images for %s: %v", label, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store training images"})
		return
	}

	summary, err := h.service.Rebuild(c.Request.Context())
	if err != nil && !errors.Is(err, recognizer.ErrEmptyDataset) {
		log.Errorf("Retrain after upload failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Retraining failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"added":        added,
		"skipped":      skipped,
		"labels_count": summary.LabelsCount,
		"images_count": summary.ImagesCount,
	})
}

// TrainRebuild retrains the model from the full dataset.
func (h *APIHandler) TrainRebuild(c *gin.Context) {
	summary, err := h.service.Rebuild(c.Request.Context())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, summary)
	case errors.Is(err, recognizer.ErrEmptyDataset):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Errorf("Rebuild failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Rebuild failed"})
	}
}

// TrainDelete removes a label and retrains on the remaining dataset.
// Filesystem trouble surfaces as removed=false, never as a failure status.
func (h *APIHandler) TrainDelete(c *gin.Context) {
	label := c.Query("label")
	if label == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Label query parameter is required"})
		return
	}

	removed, summary := h.service.DeleteLabel(c.Request.Context(), label)
	c.JSON(http.StatusOK, gin.H{
		"removed":      removed,
		"labels_count": summary.LabelsCount,
		"images_count": summary.ImagesCount,
	})
}

func readUploads(headers []*multipart.FileHeader) ([][]byte, error) {
	files := make([][]byte, 0, len(headers))
	for _, header := range headers {
		f, err := header.Open()
		if err != nil {
			return nil, err
		}
		raw, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		files = append(files, raw)
	}
	return files, nil
}
