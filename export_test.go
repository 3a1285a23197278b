package arlens

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSlothRoundTrip(t *testing.T) {
	frames := []AnnotatedFrame{{
		FilePath: "frame1.jpg",
		Rects: []DisplayRect{
			{Left: 39, Top: 169, Width: 117, Height: 253, Label: "building"},
			{Left: 0, Top: 0, Width: 15, Height: 15, Label: "sign"},
		},
	}}

	path := filepath.Join(t.TempDir(), "labels.json")
	if err := WriteSloth(path, ToSloth(frames)); err != nil {
		t.Fatal(err)
	}

	got, err := FromSloth(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].FilePath != "frame1.jpg" {
		t.Fatalf("unexpected frames %+v", got)
	}
	if len(got[0].Rects) != 2 {
		t.Fatalf("got %d rects, want 2", len(got[0].Rects))
	}
	for i, r := range frames[0].Rects {
		if got[0].Rects[i] != r {
			t.Errorf("rect %d: got %+v, want %+v", i, got[0].Rects[i], r)
		}
	}
}

func TestFromSlothRoundsCoordinates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.json")
	enc := `[{"class": "image", "filename": "f.jpg", "annotations": [
		{"class": "car", "type": "rect", "x": 10.6, "y": 4.4, "width": 20.5, "height": 15.49}
	]}]`
	if err := os.WriteFile(path, []byte(enc), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := FromSloth(path)
	if err != nil {
		t.Fatal(err)
	}
	want := DisplayRect{Left: 11, Top: 4, Width: 21, Height: 15, Label: "car"}
	if len(got) != 1 || len(got[0].Rects) != 1 || got[0].Rects[0] != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestFromSlothInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.json")
	if err := os.WriteFile(path, []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := FromSloth(path); err == nil {
		t.Error("expected a parse error")
	}
}

func TestLabelMapRoundTrip(t *testing.T) {
	labels := newLabelMap()
	for _, l := range []string{"building", "street sign", "car", "building"} {
		labels.id(l)
	}

	path := filepath.Join(t.TempDir(), "label_map.pbtxt")
	if err := saveTFRecordLabelMap(path, labels); err != nil {
		t.Fatal(err)
	}

	loaded, err := loadTFRecordLabelMap(path)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]int32{"building": 1, "street sign": 2, "car": 3}
	for k, v := range want {
		if loaded.ids[k] != v {
			t.Errorf("id of %q = %d, want %d", k, loaded.ids[k], v)
		}
	}
	if id := loaded.id("tree"); id != 4 {
		t.Errorf("next id = %d, want 4", id)
	}
}

func TestLoadLabelMapErrors(t *testing.T) {
	if _, err := loadTFRecordLabelMap(filepath.Join(t.TempDir(), "missing")); !os.IsNotExist(err) {
		t.Errorf("expected a not-exist error, got %v", err)
	}

	path := filepath.Join(t.TempDir(), "bad.pbtxt")
	if err := os.WriteFile(path, []byte("item {\n  name: \"x\"\n  id: 0\n}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadTFRecordLabelMap(path); err == nil {
		t.Error("expected an error for a zero id")
	}
}

func TestWriteTFRecord(t *testing.T) {
	dir := t.TempDir()
	frames := []AnnotatedFrame{
		{
			Detections: []Detection{
				{XMin: -0.1, YMin: 0.1, XMax: 0.5, YMax: 0.5, Label: "building"},
				{XMin: 0.5, YMin: 0.5, XMax: 0.5, YMax: 0.6, Label: "door"},
			},
			FilePath: writeTestImage(t, dir, "a.png", 32, 24),
		},
		{
			Detections: []Detection{{XMin: 0.2, YMin: 0.2, XMax: 0.4, YMax: 0.4, Label: "car"}},
			FilePath:   writeTestImage(t, dir, "b.png", 32, 24),
		},
	}

	recordPath := filepath.Join(dir, "train.record")
	labelMapPath := filepath.Join(dir, "label_map.pbtxt")
	if err := WriteTFRecord(recordPath, labelMapPath, frames, 2); err != nil {
		t.Fatal(err)
	}

	for _, shard := range []string{"-00000-of-00002", "-00001-of-00002"} {
		info, err := os.Stat(recordPath + shard)
		if err != nil {
			t.Fatal(err)
		}
		if info.Size() == 0 {
			t.Errorf("shard %s is empty", shard)
		}
	}

	enc, err := os.ReadFile(labelMapPath)
	if err != nil {
		t.Fatal(err)
	}
	// The degenerate door box is not exported.
	text := string(enc)
	if !strings.Contains(text, `"building"`) || !strings.Contains(text, `"car"`) ||
		strings.Contains(text, `"door"`) {
		t.Errorf("unexpected label map:\n%s", text)
	}
}
