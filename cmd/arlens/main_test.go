package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sensorable/arlens"
)

func TestParseDimensions(t *testing.T) {
	tests := []struct {
		in            string
		width, height int
		ok            bool
	}{
		{"390x844", 390, 844, true},
		{"1920X1080", 1920, 1080, true},
		{"390", 0, 0, false},
		{"ax844", 0, 0, false},
		{"390x", 0, 0, false},
		{"1x2x3", 0, 0, false},
	}
	for _, tt := range tests {
		w, h, err := parseDimensions(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("parseDimensions(%q) error = %v", tt.in, err)
			continue
		}
		if w != tt.width || h != tt.height {
			t.Errorf("parseDimensions(%q) = %d, %d, want %d, %d", tt.in, w, h, tt.width, tt.height)
		}
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("ARLENS_TEST_VALUE", "set")
	if got := getEnv("ARLENS_TEST_VALUE", "default"); got != "set" {
		t.Errorf("got %q, want %q", got, "set")
	}
	t.Setenv("ARLENS_TEST_VALUE", "")
	if got := getEnv("ARLENS_TEST_VALUE", "default"); got != "default" {
		t.Errorf("got %q, want %q", got, "default")
	}
}

func TestPingServerHonoursTimeout(t *testing.T) {
	var slow atomic.Bool
	slow.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if slow.Load() {
			select {
			case <-time.After(2 * time.Second):
			case <-r.Context().Done():
			}
		}
		_, _ = io.WriteString(w, `{"vqa_answer": "a pixel"}`)
	}))
	defer srv.Close()
	client := arlens.NewClient(srv.URL, nil)

	start := time.Now()
	status, err := pingServer(client, 50*time.Millisecond)
	if err == nil || status != arlens.StatusError {
		t.Errorf("pingServer() = %v, %v, want a timeout error", status, err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("pingServer() took %v, the timeout was not applied", elapsed)
	}

	slow.Store(false)
	if status, err := pingServer(client, 5*time.Second); err != nil || status != arlens.StatusReady {
		t.Errorf("pingServer() = %v, %v, want %v", status, err, arlens.StatusReady)
	}
}
