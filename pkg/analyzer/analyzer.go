// Package analyzer inspects uploaded source images before they enter the
// pipeline.
package analyzer

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"strings"

	_ "golang.org/x/image/webp"

	"github.com/menta2k/kontext-inpaint/internal/utils"
	"github.com/menta2k/kontext-inpaint/pkg/types"
)

// Config holds configuration for upload inspection
type Config struct {
	MaxBytes         int64
	SupportedFormats []string
	MinImageSize     int
}

// ImageAnalyzer validates uploads
type ImageAnalyzer struct {
	config Config
}

// ImageInfo contains basic image metadata
type ImageInfo struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Format      string  `json:"format"`
	ContentType string  `json:"contentType"`
	Size        int64   `json:"size"`
	AspectRatio float64 `json:"aspectRatio"`
}

// DefaultConfig accepts the formats the editor can decode, up to 10 MB
func DefaultConfig() Config {
	return Config{
		MaxBytes:         10 * 1024 * 1024,
		SupportedFormats: []string{"jpeg", "png", "gif", "webp"},
		MinImageSize:     1,
	}
}

// New creates a new ImageAnalyzer with default configuration
func New() *ImageAnalyzer {
	return &ImageAnalyzer{config: DefaultConfig()}
}

// NewWithConfig creates a new ImageAnalyzer with custom configuration
func NewWithConfig(config Config) *ImageAnalyzer {
	def := DefaultConfig()
	if config.MaxBytes <= 0 {
		config.MaxBytes = def.MaxBytes
	}
	if len(config.SupportedFormats) == 0 {
		config.SupportedFormats = def.SupportedFormats
	}
	if config.MinImageSize < 1 {
		config.MinImageSize = def.MinImageSize
	}
	return &ImageAnalyzer{config: config}
}

// Config returns the effective configuration
func (a *ImageAnalyzer) Config() Config {
	return a.config
}

// Inspect validates an upload. declaredType is the client-supplied content
// type and may be empty, in which case it is sniffed from the bytes.
func (a *ImageAnalyzer) Inspect(data []byte, filename, declaredType string) (*ImageInfo, error) {
	if len(data) == 0 {
		return nil, types.NewValidationError("file", "No file uploaded")
	}

	if int64(len(data)) > a.config.MaxBytes {
		return nil, types.NewValidationError("file", "File too large: %s (maximum %s)",
			utils.FormatFileSize(int64(len(data))), utils.FormatFileSize(a.config.MaxBytes))
	}

	contentType := declaredType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(contentType, "image/") {
		return nil, types.NewValidationError("file", "Only image files are allowed")
	}
	if filename != "" && utils.GetFileExtension(filename) != "" && !utils.IsImageFile(filename) {
		return nil, types.NewValidationError("file", "Only image files are allowed")
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, types.NewValidationError("file", "Failed to decode image: %v", err)
	}

	if !a.isFormatSupported(format) {
		return nil, types.NewValidationError("file", "Unsupported image format: %s", format)
	}

	info := &ImageInfo{
		Width:       cfg.Width,
		Height:      cfg.Height,
		Format:      format,
		ContentType: "image/" + format,
		Size:        int64(len(data)),
	}
	if err := a.ValidateSize(info.Width, info.Height); err != nil {
		return nil, err
	}
	info.AspectRatio = float64(info.Width) / float64(info.Height)
	return info, nil
}

// ValidateSize checks that an image meets minimum requirements
func (a *ImageAnalyzer) ValidateSize(width, height int) error {
	if width < a.config.MinImageSize || height < a.config.MinImageSize {
		return types.NewValidationError("file", "Image too small: %dx%d (minimum: %d)",
			width, height, a.config.MinImageSize)
	}
	return nil
}

func (a *ImageAnalyzer) isFormatSupported(format string) bool {
	for _, supported := range a.config.SupportedFormats {
		if strings.EqualFold(format, supported) {
			return true
		}
	}
	return false
}
