package arlens

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// newTestServer returns a server answering every request with status and body, and a pointer to
// the last decoded request.
func newTestServer(t *testing.T, status int, body string) (*httptest.Server, *processRequest) {
	t.Helper()

	var last processRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != processPath {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("missing request ID")
		}
		enc, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(enc, &last); err != nil {
			t.Errorf("invalid request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)

	return srv, &last
}

func TestNormalizeServerURL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"https://pi.example", "https://pi.example/process"},
		{"https://pi.example/", "https://pi.example/process"},
		{"https://pi.example/process", "https://pi.example/process"},
		{" https://pi.example/process/ ", "https://pi.example/process"},
	}
	for _, tt := range tests {
		if got := NormalizeServerURL(tt.in); got != tt.want {
			t.Errorf("NormalizeServerURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDetectObjects(t *testing.T) {
	srv, last := newTestServer(t, http.StatusOK, `{"bounding_boxes": [
		{"x_min": 0.1, "y_min": 0.2, "x_max": 0.4, "y_max": 0.5, "label": "church"},
		{"x_min": 0.5, "y_min": 0.5, "x_max": 0.7, "y_max": 0.9}
	]}`)
	c := NewClient(srv.URL, nil)

	dets, err := c.DetectObjects(context.Background(), []byte("jpeg"), "building", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(dets) != 2 {
		t.Fatalf("got %d detections, want 2", len(dets))
	}
	if dets[0].Label != "church" || dets[1].Label != "building" {
		t.Errorf("unexpected labels %q, %q", dets[0].Label, dets[1].Label)
	}
	if dets[0].XMin != 0.1 || dets[0].YMax != 0.5 {
		t.Errorf("unexpected coordinates %+v", dets[0])
	}

	if last.DetectClass != "building" || len(last.Tasks) != 1 || last.Tasks[0] != TaskObjectDetection {
		t.Errorf("unexpected request %+v", *last)
	}
	if last.Image != "anBlZw==" {
		t.Errorf("image not base64 encoded: %q", last.Image)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d after the call", c.Pending())
	}
}

func TestDetectObjectsMissingBoxes(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusOK, `{"status": "ok"}`)
	dets, err := NewClient(srv.URL, nil).DetectObjects(context.Background(), nil, "car", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(dets) != 0 {
		t.Errorf("expected no detections, got %+v", dets)
	}
}

func TestHTTPErrors(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusBadGateway, "model offline")
	c := NewClient(srv.URL, nil)

	_, err := c.DetectObjects(context.Background(), nil, "car", false)
	if err == nil || !strings.Contains(err.Error(), "502") ||
		!strings.Contains(err.Error(), "model offline") {
		t.Errorf("unexpected error %v", err)
	}

	// Feedback calls swallow the failure.
	dets, err := c.DetectObjects(context.Background(), nil, "car", true)
	if err != nil || dets != nil {
		t.Errorf("feedback call returned %v, %v", dets, err)
	}
	caption, err := c.Caption(context.Background(), nil, true)
	if err != nil || caption != "" {
		t.Errorf("feedback caption returned %q, %v", caption, err)
	}
}

func TestCaptionAnswerFields(t *testing.T) {
	tests := []struct {
		name, body, want string
	}{
		{"vqa_answer", `{"vqa_answer": "A brick tower."}`, "A brick tower."},
		{"answer", `{"answer": "A bridge."}`, "A bridge."},
		{"both", `{"vqa_answer": "first", "answer": "second"}`, "first"},
		{"none", `{}`, NoCaption},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, last := newTestServer(t, http.StatusOK, tt.body)
			got, err := NewClient(srv.URL, nil).Caption(context.Background(), nil, false)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
			if last.Question != captionQuestion {
				t.Errorf("unexpected question %q", last.Question)
			}
		})
	}
}

func TestDetectAll(t *testing.T) {
	srv, last := newTestServer(t, http.StatusOK, `{
		"bounding_boxes": [{"x_min": 0.1, "y_min": 0.1, "x_max": 0.2, "y_max": 0.2}],
		"landmarks": [{"description": "Old State House", "score": 0.82}],
		"answer": "A colonial building."
	}`)

	scene, err := NewClient(srv.URL, nil).DetectAll(context.Background(), nil, "building")
	if err != nil {
		t.Fatal(err)
	}
	if len(scene.Objects) != 1 || scene.Objects[0].Label != "building" {
		t.Errorf("unexpected objects %+v", scene.Objects)
	}
	if len(scene.Landmarks) != 1 || scene.Landmarks[0].Description != "Old State House" {
		t.Errorf("unexpected landmarks %+v", scene.Landmarks)
	}
	if scene.Caption != "A colonial building." {
		t.Errorf("unexpected caption %q", scene.Caption)
	}
	if len(last.Tasks) != 3 {
		t.Errorf("expected three tasks, got %v", last.Tasks)
	}
}

func TestLandmarksAndDetectAllReturnErrors(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusInternalServerError, "model not loaded")
	c := NewClient(srv.URL, nil)

	if lms, err := c.DetectLandmarks(context.Background(), nil); err == nil || lms != nil {
		t.Errorf("DetectLandmarks() = %v, %v, want an error", lms, err)
	}
	if scene, err := c.DetectAll(context.Background(), nil, "building"); err == nil ||
		scene != nil {
		t.Errorf("DetectAll() = %+v, %v, want an error", scene, err)
	}
}

func TestPing(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusOK, `{"vqa_answer": "a pixel"}`)
	if status, err := NewClient(srv.URL, nil).Ping(context.Background()); err != nil ||
		status != StatusReady {
		t.Errorf("Ping() = %v, %v", status, err)
	}

	srv, _ = newTestServer(t, http.StatusOK, `{}`)
	if status, _ := NewClient(srv.URL, nil).Ping(context.Background()); status != StatusError {
		t.Errorf("Ping() = %v, want %v", status, StatusError)
	}
}

func TestAdmissionRejectsAndDrops(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusOK, `{"bounding_boxes": []}`)
	admission := NewAdmission(1)
	c := NewClient(srv.URL, admission)

	if !admission.TryAcquire() {
		t.Fatal("could not occupy the only slot")
	}
	defer admission.Release()

	if _, err := c.DetectObjects(context.Background(), nil, "car", false); !errors.Is(err,
		ErrTooManyRequests) {
		t.Errorf("explicit call: got %v, want ErrTooManyRequests", err)
	}
	if dets, err := c.DetectObjects(context.Background(), nil, "car", true); err != nil ||
		dets != nil {
		t.Errorf("feedback call: got %v, %v", dets, err)
	}
	if _, err := c.Caption(context.Background(), nil, false); !errors.Is(err, ErrTooManyRequests) {
		t.Errorf("caption: got %v, want ErrTooManyRequests", err)
	}
	if _, err := c.DetectLandmarks(context.Background(), nil); !errors.Is(err, ErrTooManyRequests) {
		t.Errorf("landmarks: got %v, want ErrTooManyRequests", err)
	}
	if _, err := c.DetectAll(context.Background(), nil, "car"); !errors.Is(err, ErrTooManyRequests) {
		t.Errorf("detect all: got %v, want ErrTooManyRequests", err)
	}
}
