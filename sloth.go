package arlens

// Sloth export of the rendered overlay rectangles.

import (
	"fmt"
	"math"
	"os"
)

// SlothAnnotation is a single annotation within a Sloth file. Coordinates are viewport pixels.
type SlothAnnotation struct {
	Class  string  `json:"class,omitempty"`
	Type   string  `json:"type,omitempty"`
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`
}

// SlothAnnotatedFile defines the Sloth annotation structure for a single file.
type SlothAnnotatedFile struct {
	Annotations []SlothAnnotation `json:"annotations"`
	Class       string            `json:"class,omitempty"`
	FilePath    string            `json:"filename,omitempty"`
}

// FromSloth reads Sloth annotations from the file at path into frames with Rects set. Sloth files
// carry no capture size or normalised detections.
func FromSloth(path string) ([]AnnotatedFrame, error) {
	enc, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var slothData []SlothAnnotatedFile
	if err := json.Unmarshal(enc, &slothData); err != nil {
		return nil, fmt.Errorf("failed to parse Sloth input from %q: %w", path, err)
	}

	data := make([]AnnotatedFrame, 0, len(slothData))
	for _, slothFileData := range slothData {
		frame := AnnotatedFrame{
			FilePath: slothFileData.FilePath,
			Rects:    make([]DisplayRect, 0, len(slothFileData.Annotations)),
		}
		for _, a := range slothFileData.Annotations {
			if a.Type != "" && a.Type != "rect" {
				continue
			}
			frame.Rects = append(frame.Rects, DisplayRect{
				Left:   int(math.Round(a.X)),
				Top:    int(math.Round(a.Y)),
				Width:  int(math.Round(a.Width)),
				Height: int(math.Round(a.Height)),
				Label:  a.Class,
			})
		}
		data = append(data, frame)
	}

	return data, nil
}

// ToSloth converts the display rects of each frame to Sloth format.
func ToSloth(data []AnnotatedFrame) []SlothAnnotatedFile {
	slothData := make([]SlothAnnotatedFile, 0, len(data))
	for _, f := range data {
		slothFileData := SlothAnnotatedFile{
			Annotations: make([]SlothAnnotation, len(f.Rects)),
			Class:       "image",
			FilePath:    f.FilePath,
		}
		for i, r := range f.Rects {
			slothFileData.Annotations[i] = SlothAnnotation{
				Class:  r.Label,
				Type:   "rect",
				X:      float64(r.Left),
				Y:      float64(r.Top),
				Width:  float64(r.Width),
				Height: float64(r.Height),
			}
		}
		slothData = append(slothData, slothFileData)
	}

	return slothData
}

// WriteSloth writes the Sloth annotations to outFile.
func WriteSloth(outFile string, data []SlothAnnotatedFile) error {
	enc, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(outFile, enc, 0644); err != nil {
		return fmt.Errorf("cannot write file %q: %w", outFile, err)
	}
	return nil
}
