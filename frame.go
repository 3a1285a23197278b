package arlens

// Captured frames and the batch operations on them.

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
)

// AnnotatedFrame is a captured camera image together with the server results for it.
type AnnotatedFrame struct {
	Caption    string        // The VQA answer, if any.
	Capture    Dimensions    // The pixel size of the captured image.
	Detections []Detection   // Normalised detections, as reported by the server.
	FilePath   string        // The captured image.
	Landmarks  []Landmark    // Recognised landmarks, if requested.
	Rects      []DisplayRect // Detections mapped to the viewport by Layout.
}

// AnnotatedFrames is a list of captured frames.
type AnnotatedFrames []AnnotatedFrame

// LoadFrame reads the image at path and returns its frame metadata along with the encoded image
// data, ready to be sent to the inference server.
func LoadFrame(path string) (AnnotatedFrame, []byte, error) {
	capture, err := captureDimensions(path)
	if err != nil {
		return AnnotatedFrame{}, nil, fmt.Errorf("failed to decode the image metadata of %q: %w",
			path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return AnnotatedFrame{}, nil, err
	}

	return AnnotatedFrame{Capture: capture, FilePath: path}, data, nil
}

// FromCaptureDir reads server responses saved as JSON in responseDir and matches them by file name
// to the captured images in imageDir. Detections without a label get defaultLabel, the class
// that was requested from the server.
func FromCaptureDir(responseDir, imageDir, defaultLabel string) ([]AnnotatedFrame, error) {
	return parseResponsesWithOneToOneImages(responseDir, ".json", imageDir,
		func(responsePath, imagePath string) (AnnotatedFrame, error) {
			return parseResponseFile(responsePath, imagePath, defaultLabel)
		})
}

// parseResponseFile parses the server response at responsePath and reads the capture size from
// the image at imagePath.
func parseResponseFile(responsePath, imagePath, defaultLabel string) (AnnotatedFrame, error) {
	enc, err := os.ReadFile(responsePath)
	if err != nil {
		return AnnotatedFrame{}, err
	}

	var resp processResponse
	if err := json.Unmarshal(enc, &resp); err != nil {
		return AnnotatedFrame{}, err
	}

	capture, err := captureDimensions(imagePath)
	if err != nil {
		return AnnotatedFrame{}, err
	}

	for i := range resp.BoundingBoxes {
		if resp.BoundingBoxes[i].Label == "" {
			resp.BoundingBoxes[i].Label = defaultLabel
		}
	}

	return AnnotatedFrame{
		Caption:    resp.caption(),
		Capture:    capture,
		Detections: resp.BoundingBoxes,
		FilePath:   imagePath,
		Landmarks:  resp.Landmarks,
	}, nil
}

// WriteResponse saves the server results of f as JSON in dirPath, named after the image, so that
// FromCaptureDir can read them back.
func WriteResponse(dirPath string, f AnnotatedFrame) error {
	_, baseNoExt, _, err := splitPath(f.FilePath)
	if err != nil {
		return err
	}

	enc, err := json.MarshalIndent(processResponse{
		BoundingBoxes: f.Detections,
		VQAAnswer:     f.Caption,
		Landmarks:     f.Landmarks,
	}, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(dirPath, baseNoExt+".json")
	if err := os.WriteFile(path, enc, 0644); err != nil {
		return fmt.Errorf("cannot write file %q: %w", path, err)
	}
	return nil
}

// MapLabels replaces label (sub-)strings with substitution values, as specified in mappings.
//
// The format of mappings is old=new.
func (data AnnotatedFrames) MapLabels(mappings []string) error {
	if len(mappings) == 0 {
		return nil
	}

	// Extract the individual old and new strings to map between.
	replacements := make([]struct{ old, new string }, len(mappings))
	for i, v := range mappings {
		a := strings.Split(v, "=")
		if len(a) != 2 {
			return fmt.Errorf("invalid mapping: %v", v)
		}

		replacements[i].old = a[0]
		replacements[i].new = a[1]
	}

	// Apply the replacements, in order, to all labels.
	count := 0
	for _, f := range data {
		for i := range f.Detections {
			d := &f.Detections[i]

			oldLabel := d.Label
			for _, r := range replacements {
				d.Label = strings.ReplaceAll(d.Label, r.old, r.new)
			}

			if d.Label != oldLabel {
				count++
			}
		}
	}

	logger.Infof("The label mappings changed %d labels", count)
	return nil
}

// FilterLabels removes detections whose label is not in labelNames. An empty labelNames keeps
// everything. The order of the remaining detections is preserved.
func (data AnnotatedFrames) FilterLabels(labelNames []string) {
	if len(labelNames) == 0 {
		return
	}

	keep := make(map[string]bool, len(labelNames))
	for _, l := range labelNames {
		keep[l] = true
	}

	removed := 0
	for i := range data {
		f := &data[i]
		kept := f.Detections[:0]
		for _, d := range f.Detections {
			if keep[d.Label] {
				kept = append(kept, d)
			}
		}
		removed += len(f.Detections) - len(kept)
		f.Detections = kept
	}

	logger.Infof("Filtered out %d detections by label", removed)
}

// Layout maps the detections of every frame to viewport using m and stores the result in Rects.
//
// If correctAspect is false, the capture size is ignored and detections are mapped directly.
func (data AnnotatedFrames) Layout(viewport Dimensions, m Mapper, correctAspect bool) {
	before, after := 0, 0
	for i := range data {
		f := &data[i]

		var capture *Dimensions
		if correctAspect {
			capture = &f.Capture
		}
		f.Rects = m.MapDetections(f.Detections, capture, viewport, "")

		before += len(f.Detections)
		after += len(f.Rects)
	}

	logger.Infof("Mapped %d detections to %dx%d, dropped %d", after, viewport.Width,
		viewport.Height, before-after)
}

// RenderOverlays letterboxes every captured image into viewport, draws its Rects and writes the
// result to outDir using the given encoding ("jpg" or "png"). Call Layout first.
//
// Images are processed concurrently. The first error is returned after all work has finished.
func (data AnnotatedFrames) RenderOverlays(outDir string, viewport Dimensions, encoding string,
	jpegQuality int) error {

	if viewport.Width <= 0 || viewport.Height <= 0 {
		return fmt.Errorf("invalid viewport %dx%d", viewport.Width, viewport.Height)
	}

	// Select the output file extension based on the requested encoding.
	var fileExt string
	switch strings.ToLower(encoding) {
	case "jpg", "jpeg":
		fileExt = ".jpg"
	case "png":
		fileExt = ".png"
	default:
		return fmt.Errorf("unsupported output encoding %q", encoding)
	}

	if len(data) == 0 {
		return nil
	}
	logger.Infof("Rendering %d overlays", len(data))

	// Limit the number of goroutines in flight, as they load potentially large images into memory.
	numTasks := 2 * runtime.NumCPU()
	if len(data) < numTasks {
		numTasks = len(data)
	}
	workQueue := make(chan *AnnotatedFrame, 2*numTasks)
	errors := make(chan error, 1)
	var wg sync.WaitGroup

	wg.Add(numTasks)
	for i := 0; i < numTasks; i++ {
		go func() {
			defer wg.Done()
			for f := range workQueue {
				if err := renderOverlay(f, outDir, fileExt, viewport, jpegQuality); err != nil {
					select {
					case errors <- err:
					default:
					}
				}
			}
		}()
	}

	// Feed the work queue.
	for i := range data {
		workQueue <- &data[i]
	}
	close(workQueue)

	wg.Wait()
	close(errors)

	return <-errors
}

// renderOverlay renders a single frame to outDir.
func renderOverlay(f *AnnotatedFrame, outDir, fileExt string, viewport Dimensions,
	jpegQuality int) error {

	img, err := imaging.Open(f.FilePath)
	if err != nil {
		return fmt.Errorf("failed to load %q: %w", f.FilePath, err)
	}

	canvas := letterboxImage(img, viewport, imaging.Box, imaging.Linear)
	drawRects(canvas, f.Rects)

	_, baseNoExt, _, err := splitPath(f.FilePath)
	if err != nil {
		return err
	}
	outPath := filepath.Join(outDir, baseNoExt+fileExt)
	if err := saveImage(outPath, canvas, jpegQuality); err != nil {
		return fmt.Errorf("failed to save %q: %w", outPath, err)
	}

	return nil
}
