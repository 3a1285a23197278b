package arlens

import (
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"

	"github.com/disintegration/imaging"
)

// overlayBorder is the stroke width of rendered boxes in pixels.
const overlayBorder = 3

var (
	overlayColor    = color.NRGBA{R: 0, G: 255, B: 0, A: 255}
	letterboxColor  = color.NRGBA{A: 255}
	overlayFillTint = color.NRGBA{R: 0, G: 255, B: 0, A: 26}
)

// fitSize returns the largest size with the aspect ratio of src that fits into dst.
func fitSize(src, dst Dimensions) (width, height int) {
	srcRatio := src.Ratio()
	dstRatio := dst.Ratio()
	if srcRatio == 0 || dstRatio == 0 {
		return dst.Width, dst.Height
	}

	if srcRatio > dstRatio {
		width = dst.Width
		height = int(math.Round(float64(dst.Width) / srcRatio))
	} else {
		height = dst.Height
		width = int(math.Round(float64(dst.Height) * srcRatio))
	}

	return maxInt(1, width), maxInt(1, height)
}

// letterboxImage scales img to fit viewport without distortion and centres it on a viewport
// sized canvas, which is the display model Mapper.Correct assumes.
func letterboxImage(img image.Image, viewport Dimensions, downsamplingFilter,
	upsamplingFilter imaging.ResampleFilter) *image.NRGBA {

	bounds := img.Bounds()
	src := Dimensions{Width: bounds.Dx(), Height: bounds.Dy()}
	width, height := fitSize(src, viewport)

	// Select the filter based on the direction of the rescaling operation.
	filter := upsamplingFilter
	if width*height < src.Width*src.Height {
		filter = downsamplingFilter
	}

	fitted := imaging.Resize(img, width, height, filter)
	canvas := imaging.New(viewport.Width, viewport.Height, letterboxColor)
	return imaging.PasteCenter(canvas, fitted)
}

// drawRects draws a tinted box with a solid border for every rect onto img.
func drawRects(img draw.Image, rects []DisplayRect) {
	bounds := img.Bounds()
	stroke := image.NewUniform(overlayColor)
	tint := image.NewUniform(overlayFillTint)

	for _, r := range rects {
		outer := image.Rect(r.Left, r.Top, r.Right(), r.Bottom()).Intersect(bounds)
		if outer.Empty() {
			continue
		}
		draw.Draw(img, outer, tint, image.Point{}, draw.Over)

		b := overlayBorder
		edges := []image.Rectangle{
			image.Rect(outer.Min.X, outer.Min.Y, outer.Max.X, outer.Min.Y+b), // Top.
			image.Rect(outer.Min.X, outer.Max.Y-b, outer.Max.X, outer.Max.Y), // Bottom.
			image.Rect(outer.Min.X, outer.Min.Y, outer.Min.X+b, outer.Max.Y), // Left.
			image.Rect(outer.Max.X-b, outer.Min.Y, outer.Max.X, outer.Max.Y), // Right.
		}
		for _, e := range edges {
			draw.Draw(img, e.Intersect(outer), stroke, image.Point{}, draw.Src)
		}
	}
}

// decodeImageConfig opens the file at path and returns the results of image.DecodeConfig.
func decodeImageConfig(path string) (config image.Config, format string, err error) {
	file, err := os.Open(path)
	if err != nil {
		return image.Config{}, "", err
	}
	defer file.Close()

	return image.DecodeConfig(file)
}

// captureDimensions reads the pixel size of the image at path from its header.
func captureDimensions(path string) (Dimensions, error) {
	cfg, _, err := decodeImageConfig(path)
	if err != nil {
		return Dimensions{}, err
	}
	return Dimensions{Width: cfg.Width, Height: cfg.Height}, nil
}

// saveImage saves img to path, encoding it as PNG or JPG, depending on the file extension of
// path.
func saveImage(path string, img image.Image, jpegQuality int) error {
	return imaging.Save(img, path, imaging.JPEGQuality(jpegQuality))
}
