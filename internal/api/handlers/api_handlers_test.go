package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"facewatch/internal/core/models"
	"facewatch/internal/core/recognizer"
	"facewatch/internal/vision"

	"github.com/gin-gonic/gin"
)

type stubService struct {
	inferDecision models.Decision
	inferErr      error

	summary    models.TrainingSummary
	rebuildErr error

	added   int
	skipped int
	addErr  error

	removed bool

	labels   map[string]int
	metadata map[string]models.Metadata

	uploadedLabel string
	uploadedFiles int
	uploadedMeta  models.Metadata
	deletedLabel  string
}

func (s *stubService) Infer(_ context.Context, _ string) (models.Decision, error) {
	return s.inferDecision, s.inferErr
}

func (s *stubService) Rebuild(_ context.Context) (models.TrainingSummary, error) {
	return s.summary, s.rebuildErr
}

func (s *stubService) AddImages(_ context.Context, label string, files [][]byte, meta models.Metadata) (int, int, error) {
	s.uploadedLabel = label
	s.uploadedFiles = len(files)
	s.uploadedMeta = meta
	return s.added, s.skipped, s.addErr
}

func (s *stubService) DeleteLabel(_ context.Context, label string) (bool, models.TrainingSummary) {
	s.deletedLabel = label
	return s.removed, s.summary
}

func (s *stubService) LabelCounts() map[string]int {
	return s.labels
}

func (s *stubService) LabelMetadata(label string) (models.Metadata, bool) {
	md, ok := s.metadata[label]
	return md, ok
}

func newTestRouter(service RecognitionService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewAPIHandler(service, nil, nil).RegisterRoutes(router.Group("/api"))
	return router
}

func perform(t *testing.T, router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestHealth(t *testing.T) {
	router := newTestRouter(&stubService{})
	rec := perform(t, router, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", rec.Code)
	}
	if body := decodeMap(t, rec); body["status"] != "ok" {
		t.Errorf("body = %v; want status ok", body)
	}
}

func TestListLabels(t *testing.T) {
	router := newTestRouter(&stubService{labels: map[string]int{"alice": 4, "bob": 2}})
	rec := perform(t, router, httptest.NewRequest(http.MethodGet, "/api/labels", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", rec.Code)
	}
	body := decodeMap(t, rec)
	if body["alice"] != float64(4) || body["bob"] != float64(2) {
		t.Errorf("body = %v; want alice=4 bob=2", body)
	}
}

func TestGetLabelMetadata(t *testing.T) {
	service := &stubService{metadata: map[string]models.Metadata{
		"alice": {Title: "Suspect A", Case: "C-104"},
	}}
	router := newTestRouter(service)

	rec := perform(t, router, httptest.NewRequest(http.MethodGet, "/api/labels/alice/metadata", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", rec.Code)
	}
	if body := decodeMap(t, rec); body["title"] != "Suspect A" {
		t.Errorf("body = %v; want title Suspect A", body)
	}

	rec = perform(t, router, httptest.NewRequest(http.MethodGet, "/api/labels/nobody/metadata", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d; want 404 for unknown label", rec.Code)
	}
}

func TestInfer(t *testing.T) {
	conf := 41.0
	tests := []struct {
		name       string
		body       string
		service    *stubService
		wantStatus int
		check      func(t *testing.T, body map[string]interface{})
	}{
		{
			name:       "missing image",
			body:       `{}`,
			service:    &stubService{},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed body",
			body:       `{"image":`,
			service:    &stubService{},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid image payload",
			body:       `{"image":"data:image/jpeg;base64,xxxx"}`,
			service:    &stubService{inferErr: vision.ErrInvalidImage},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "untrained model is a decision, not a failure",
			body:       `{"image":"data:image/jpeg;base64,xxxx"}`,
			service:    &stubService{inferErr: recognizer.ErrModelNotTrained},
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body map[string]interface{}) {
				if body["label"] != models.UnknownLabel {
					t.Errorf("label = %v; want %s", body["label"], models.UnknownLabel)
				}
				if body["error"] == "" || body["error"] == nil {
					t.Error("expected error annotation on untrained decision")
				}
			},
		},
		{
			name: "accepted match",
			body: `{"image":"data:image/jpeg;base64,xxxx"}`,
			service: &stubService{inferDecision: models.Decision{
				Label:      "alice",
				Confidence: &conf,
				Score:      0.3167,
				BBox:       &models.FaceRegion{X: 1, Y: 2, W: 100, H: 100},
			}},
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body map[string]interface{}) {
				if body["label"] != "alice" {
					t.Errorf("label = %v; want alice", body["label"])
				}
				if body["confidence"] != 41.0 {
					t.Errorf("confidence = %v; want 41", body["confidence"])
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			router := newTestRouter(tc.service)
			req := httptest.NewRequest(http.MethodPost, "/api/infer", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			rec := perform(t, router, req)
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d; want %d (body %s)", rec.Code, tc.wantStatus, rec.Body.String())
			}
			if tc.check != nil {
				tc.check(t, decodeMap(t, rec))
			}
		})
	}
}

func multipartUpload(t *testing.T, fields map[string]string, fileField string, fileCount int) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("WriteField(%s): %v", key, err)
		}
	}
	for i := 0; i < fileCount; i++ {
		part, err := writer.CreateFormFile(fileField, "photo.jpg")
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		if _, err := part.Write([]byte("not-a-real-jpeg")); err != nil {
			t.Fatalf("part write: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("writer close: %v", err)
	}
	return buf, writer.FormDataContentType()
}

func TestTrainUpload(t *testing.T) {
	t.Run("stores files and retrains", func(t *testing.T) {
		service := &stubService{
			added:   2,
			skipped: 1,
			summary: models.TrainingSummary{LabelsCount: 3, ImagesCount: 12},
		}
		router := newTestRouter(service)

		body, contentType := multipartUpload(t, map[string]string{
			"label": "alice",
			"title": "Suspect A",
		}, "files", 2)
		req := httptest.NewRequest(http.MethodPost, "/api/train/upload", body)
		req.Header.Set("Content-Type", contentType)

		rec := perform(t, router, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d; want 200 (body %s)", rec.Code, rec.Body.String())
		}
		resp := decodeMap(t, rec)
		if resp["added"] != float64(2) || resp["skipped"] != float64(1) {
			t.Errorf("body = %v; want added=2 skipped=1", resp)
		}
		if resp["labels_count"] != float64(3) || resp["images_count"] != float64(12) {
			t.Errorf("body = %v; want labels_count=3 images_count=12", resp)
		}
		if service.uploadedLabel != "alice" || service.uploadedFiles != 2 {
			t.Errorf("service got label %q with %d files; want alice with 2", service.uploadedLabel, service.uploadedFiles)
		}
		if service.uploadedMeta.Title != "Suspect A" {
			t.Errorf("service got metadata %+v; want title Suspect A", service.uploadedMeta)
		}
	})

	t.Run("accepts the bracketed files field", func(t *testing.T) {
		service := &stubService{added: 1}
		router := newTestRouter(service)

		body, contentType := multipartUpload(t, map[string]string{"label": "bob"}, "files[]", 1)
		req := httptest.NewRequest(http.MethodPost, "/api/train/upload", body)
		req.Header.Set("Content-Type", contentType)

		rec := perform(t, router, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d; want 200 (body %s)", rec.Code, rec.Body.String())
		}
		if service.uploadedFiles != 1 {
			t.Errorf("service got %d files; want 1", service.uploadedFiles)
		}
	})

	t.Run("missing label", func(t *testing.T) {
		router := newTestRouter(&stubService{})
		body, contentType := multipartUpload(t, nil, "files", 1)
		req := httptest.NewRequest(http.MethodPost, "/api/train/upload", body)
		req.Header.Set("Content-Type", contentType)
		if rec := perform(t, router, req); rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d; want 400", rec.Code)
		}
	})

	t.Run("missing files", func(t *testing.T) {
		router := newTestRouter(&stubService{})
		body, contentType := multipartUpload(t, map[string]string{"label": "alice"}, "files", 0)
		req := httptest.NewRequest(http.MethodPost, "/api/train/upload", body)
		req.Header.Set("Content-Type", contentType)
		if rec := perform(t, router, req); rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d; want 400", rec.Code)
		}
	})

	t.Run("empty dataset after upload is tolerated", func(t *testing.T) {
		service := &stubService{added: 1, rebuildErr: recognizer.ErrEmptyDataset}
		router := newTestRouter(service)

		body, contentType := multipartUpload(t, map[string]string{"label": "alice"}, "files", 1)
		req := httptest.NewRequest(http.MethodPost, "/api/train/upload", body)
		req.Header.Set("Content-Type", contentType)
		if rec := perform(t, router, req); rec.Code != http.StatusOK {
			t.Errorf("status = %d; want 200 (body %s)", rec.Code, rec.Body.String())
		}
	})
}

func TestTrainRebuild(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		router := newTestRouter(&stubService{summary: models.TrainingSummary{LabelsCount: 2, ImagesCount: 8}})
		rec := perform(t, router, httptest.NewRequest(http.MethodPost, "/api/train/rebuild", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d; want 200", rec.Code)
		}
		body := decodeMap(t, rec)
		if body["labels_count"] != float64(2) || body["images_count"] != float64(8) {
			t.Errorf("body = %v; want labels_count=2 images_count=8", body)
		}
	})

	t.Run("empty dataset", func(t *testing.T) {
		router := newTestRouter(&stubService{rebuildErr: recognizer.ErrEmptyDataset})
		rec := perform(t, router, httptest.NewRequest(http.MethodPost, "/api/train/rebuild", nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d; want 400", rec.Code)
		}
	})
}

func TestTrainDelete(t *testing.T) {
	t.Run("missing label", func(t *testing.T) {
		router := newTestRouter(&stubService{})
		req := httptest.NewRequest(http.MethodDelete, "/api/train/delete", nil)
		if rec := perform(t, router, req); rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d; want 400", rec.Code)
		}
	})

	t.Run("always reports the outcome with 200", func(t *testing.T) {
		service := &stubService{removed: true, summary: models.TrainingSummary{LabelsCount: 1, ImagesCount: 5}}
		router := newTestRouter(service)
		req := httptest.NewRequest(http.MethodDelete, "/api/train/delete?label=alice", nil)
		rec := perform(t, router, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d; want 200", rec.Code)
		}
		body := decodeMap(t, rec)
		if body["removed"] != true {
			t.Errorf("body = %v; want removed=true", body)
		}
		if service.deletedLabel != "alice" {
			t.Errorf("service got label %q; want alice", service.deletedLabel)
		}
	})
}

func TestListEventsWithoutStore(t *testing.T) {
	router := newTestRouter(&stubService{})
	rec := perform(t, router, httptest.NewRequest(http.MethodGet, "/api/events", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d; want 503 when event store is absent", rec.Code)
	}
}
