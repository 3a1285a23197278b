package arlens

// Mapping of normalised detection boxes onto a display viewport.

import (
	"math"
)

// Default mapping policy.
const (
	DefaultMinSize         = 15  // Boxes are grown to at least this many pixels per side.
	DefaultDropBelow       = 10  // Mapped boxes smaller than this are not rendered.
	DefaultAspectTolerance = 0.1 // Aspect ratio differences up to this are treated as matching.
)

// Detection is a single object instance reported by the inference server. The coordinates are
// normalised ratios of the captured image size.
type Detection struct {
	XMin  float64 `json:"x_min"`
	YMin  float64 `json:"y_min"`
	XMax  float64 `json:"x_max"`
	YMax  float64 `json:"y_max"`
	Label string  `json:"label,omitempty"`
}

// Width is the normalised width of d.
func (d Detection) Width() float64 {
	return d.XMax - d.XMin
}

// Height is the normalised height of d.
func (d Detection) Height() float64 {
	return d.YMax - d.YMin
}

// Dimensions is the pixel size of a viewport or a captured image.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Ratio returns width/height, or zero if either side is not positive.
func (d Dimensions) Ratio() float64 {
	if d.Width <= 0 || d.Height <= 0 {
		return 0
	}
	return float64(d.Width) / float64(d.Height)
}

// DisplayRect is a detection mapped to absolute viewport pixels.
type DisplayRect struct {
	Left   int    `json:"left"`
	Top    int    `json:"top"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Label  string `json:"label,omitempty"`
}

// Right is the exclusive right edge of r.
func (r DisplayRect) Right() int {
	return r.Left + r.Width
}

// Bottom is the exclusive bottom edge of r.
func (r DisplayRect) Bottom() int {
	return r.Top + r.Height
}

// Mapper maps detections to display rectangles. The zero value is not usable, start from
// DefaultMapper.
//
// A Mapper holds no mutable state and may be shared between goroutines.
type Mapper struct {
	MinSize         int     // Boxes are grown to at least MinSize pixels per side.
	DropBelow       int     // Boxes still narrower or lower than this after mapping are dropped.
	AspectTolerance float64 // Max. capture/viewport aspect ratio difference that is ignored.
}

// DefaultMapper returns a Mapper with the default policy constants.
func DefaultMapper() Mapper {
	return Mapper{
		MinSize:         DefaultMinSize,
		DropBelow:       DefaultDropBelow,
		AspectTolerance: DefaultAspectTolerance,
	}
}

// clamp01 limits v to [0, 1]. NaN maps to 0.
func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

// Normalize clamps every coordinate of d independently to [0, 1].
func Normalize(d Detection) Detection {
	d.XMin = clamp01(d.XMin)
	d.YMin = clamp01(d.YMin)
	d.XMax = clamp01(d.XMax)
	d.YMax = clamp01(d.YMax)
	return d
}

// valid reports whether d has a positive extent on both axes.
func valid(d Detection) bool {
	return d.XMax > d.XMin && d.YMax > d.YMin
}

// Correct compensates for a captured image whose aspect ratio differs from the viewport's. The
// captured image is assumed to be fit (letterboxed) and centred inside the viewport, so one axis
// is scaled about the centre and the other is left unchanged.
//
// A nil capture, or one with a non-positive side, disables the correction. The result is clamped
// to [0, 1] again.
func (m Mapper) Correct(d Detection, capture *Dimensions, viewport Dimensions) Detection {
	if capture == nil {
		return d
	}
	captureRatio := capture.Ratio()
	viewportRatio := viewport.Ratio()
	if captureRatio == 0 || viewportRatio == 0 ||
		math.Abs(captureRatio-viewportRatio) <= m.AspectTolerance {
		return d
	}

	if captureRatio > viewportRatio {
		// The capture is wider, bars above and below.
		scale := viewportRatio / captureRatio
		offset := (1 - scale) / 2
		d.YMin = d.YMin*scale + offset
		d.YMax = d.YMax*scale + offset
	} else {
		// The capture is taller, bars left and right.
		scale := captureRatio / viewportRatio
		offset := (1 - scale) / 2
		d.XMin = d.XMin*scale + offset
		d.XMax = d.XMax*scale + offset
	}

	return Normalize(d)
}

// Map converts the normalised detection d to pixels in viewport.
//
// The box is grown to MinSize on each axis and then shifted so that it lies inside the viewport.
// For a viewport smaller than MinSize the box is anchored at the origin and overhangs.
func (m Mapper) Map(d Detection, viewport Dimensions) DisplayRect {
	vw := float64(viewport.Width)
	vh := float64(viewport.Height)

	width := maxInt(m.MinSize, int(math.Round(d.Width()*vw)))
	height := maxInt(m.MinSize, int(math.Round(d.Height()*vh)))
	left := clampInt(int(math.Round(d.XMin*vw)), 0, viewport.Width-width)
	top := clampInt(int(math.Round(d.YMin*vh)), 0, viewport.Height-height)

	return DisplayRect{Left: left, Top: top, Width: width, Height: height, Label: d.Label}
}

// Transform runs Normalize, Correct, Map and the validity filter on a single detection. It
// returns false when the detection should not be rendered.
func (m Mapper) Transform(d Detection, capture *Dimensions, viewport Dimensions) (
	DisplayRect, bool) {

	d = Normalize(d)
	if !valid(d) {
		return DisplayRect{}, false
	}

	r := m.Map(m.Correct(d, capture, viewport), viewport)
	if r.Width < m.DropBelow || r.Height < m.DropBelow {
		return DisplayRect{}, false
	}

	return r, true
}

// MapDetections transforms all detections, in order. Detections that are rejected are omitted,
// so the result may be shorter than the input. A detection without a label gets defaultLabel.
func (m Mapper) MapDetections(detections []Detection, capture *Dimensions, viewport Dimensions,
	defaultLabel string) []DisplayRect {

	rects := make([]DisplayRect, 0, len(detections))
	for _, d := range detections {
		if d.Label == "" {
			d.Label = defaultLabel
		}
		if r, ok := m.Transform(d, capture, viewport); ok {
			rects = append(rects, r)
		}
	}

	return rects
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// clampInt limits v to [lo, hi]. If hi < lo, lo wins.
func clampInt(v, lo, hi int) int {
	if v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}
