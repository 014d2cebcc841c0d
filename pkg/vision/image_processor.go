// Package vision prepares image attachments for multimodal models.
package vision

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"strings"

	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw" // For high-quality resizing
	_ "golang.org/x/image/webp"
)

// ImageProcessor decodes, downscales and re-encodes images.
type ImageProcessor struct {
	maxWidth  int
	maxHeight int
	quality   int // JPEG quality (1-100)
}

// ImageProcessorConfig configures the image processor.
type ImageProcessorConfig struct {
	MaxWidth  int `json:"max_width" yaml:"max_width"`
	MaxHeight int `json:"max_height" yaml:"max_height"`
	Quality   int `json:"quality" yaml:"quality"`
}

// DefaultImageProcessorConfig fits images into the 1024x1024 the LLaVA
// projectors are trained on.
func DefaultImageProcessorConfig() *ImageProcessorConfig {
	return &ImageProcessorConfig{
		MaxWidth:  1024,
		MaxHeight: 1024,
		Quality:   85,
	}
}

// NewImageProcessor creates a new image processor.
func NewImageProcessor(cfg *ImageProcessorConfig) *ImageProcessor {
	if cfg == nil {
		cfg = DefaultImageProcessorConfig()
	}
	def := DefaultImageProcessorConfig()
	if cfg.MaxWidth <= 0 {
		cfg.MaxWidth = def.MaxWidth
	}
	if cfg.MaxHeight <= 0 {
		cfg.MaxHeight = def.MaxHeight
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = def.Quality
	}
	return &ImageProcessor{
		maxWidth:  cfg.MaxWidth,
		maxHeight: cfg.MaxHeight,
		quality:   cfg.Quality,
	}
}

// ProcessedImage contains the processed image data and metadata.
type ProcessedImage struct {
	Data           []byte `json:"data"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	Format         string `json:"format"`
	OriginalWidth  int    `json:"original_width"`
	OriginalHeight int    `json:"original_height"`
	Resized        bool   `json:"resized"`
}

// Process reads and processes an image file.
func (p *ImageProcessor) Process(path string) (*ProcessedImage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer file.Close()

	return p.ProcessReader(file)
}

// ProcessReader decodes any registered format and re-encodes it as JPEG or
// PNG, downscaling when it exceeds the configured bounds.
func (p *ImageProcessor) ProcessReader(reader io.Reader) (*ProcessedImage, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}

	img, imgFormat, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	result := &ProcessedImage{
		OriginalWidth:  bounds.Dx(),
		OriginalHeight: bounds.Dy(),
	}

	if bounds.Dx() > p.maxWidth || bounds.Dy() > p.maxHeight {
		img = p.resize(img)
		bounds = img.Bounds()
		result.Resized = true
	}
	result.Width = bounds.Dx()
	result.Height = bounds.Dy()

	var buf bytes.Buffer
	switch strings.ToLower(imgFormat) {
	case "jpeg", "jpg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.quality})
		result.Format = "jpeg"
	default:
		// llama.cpp decodes with stb_image, which has no webp support.
		err = png.Encode(&buf, img)
		result.Format = "png"
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	result.Data = buf.Bytes()
	return result, nil
}

// resize scales an image to fit the bounds while keeping its aspect ratio.
func (p *ImageProcessor) resize(img image.Image) image.Image {
	bounds := img.Bounds()
	ratio := float64(bounds.Dx()) / float64(bounds.Dy())

	newWidth := p.maxWidth
	newHeight := int(float64(p.maxWidth) / ratio)
	if newHeight > p.maxHeight {
		newHeight = p.maxHeight
		newWidth = int(float64(p.maxHeight) * ratio)
	}
	if newWidth < 1 {
		newWidth = 1
	}
	if newHeight < 1 {
		newHeight = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, xdraw.Over, nil)
	return dst
}
