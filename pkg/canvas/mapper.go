// Package canvas computes the display geometry an image is edited at.
package canvas

import (
	"math"

	"github.com/menta2k/kontext-inpaint/pkg/types"
)

// Mapper fits a natural image size into a bounded display box.
type Mapper struct {
	config Config
}

// Config bounds the display box
type Config struct {
	MaxDisplayWidth        int
	MaxDisplayHeight       int
	Padding                int
	FallbackContainerWidth int
}

// DefaultConfig returns the editing surface limits used by the web editor
func DefaultConfig() Config {
	return Config{
		MaxDisplayWidth:        800,
		MaxDisplayHeight:       550,
		Padding:                32,
		FallbackContainerWidth: 800,
	}
}

// New creates a Mapper with default limits
func New() *Mapper {
	return &Mapper{config: DefaultConfig()}
}

// NewWithConfig creates a Mapper with custom limits. Non-positive fields fall
// back to their defaults.
func NewWithConfig(config Config) *Mapper {
	def := DefaultConfig()
	if config.MaxDisplayWidth <= 0 {
		config.MaxDisplayWidth = def.MaxDisplayWidth
	}
	if config.MaxDisplayHeight <= 0 {
		config.MaxDisplayHeight = def.MaxDisplayHeight
	}
	if config.Padding < 0 {
		config.Padding = 0
	}
	if config.FallbackContainerWidth <= 0 {
		config.FallbackContainerWidth = def.FallbackContainerWidth
	}
	return &Mapper{config: config}
}

// Config returns the limits in use
func (m *Mapper) Config() Config {
	return m.config
}

// Fit computes the display size for an image of naturalW x naturalH shown in a
// container containerW pixels wide. The width is fitted first, then the height;
// both steps preserve the aspect ratio. A container width of zero or less means
// the layout is not known yet and the fallback width is used.
func (m *Mapper) Fit(naturalW, naturalH, containerW int) (types.ImageGeometry, error) {
	geometry := types.ImageGeometry{NaturalWidth: naturalW, NaturalHeight: naturalH}
	if naturalW <= 0 || naturalH <= 0 {
		return geometry, &types.GeometryError{Geometry: geometry, Message: "natural dimensions must be positive"}
	}

	if containerW <= 0 {
		containerW = m.config.FallbackContainerWidth
	}

	maxWidth := float64(min(containerW-m.config.Padding, m.config.MaxDisplayWidth))
	maxWidth = math.Max(maxWidth, 1)
	maxHeight := float64(m.config.MaxDisplayHeight)

	w, h := float64(naturalW), float64(naturalH)
	if w > maxWidth {
		h = h * maxWidth / w
		w = maxWidth
	}
	if h > maxHeight {
		w = w * maxHeight / h
		h = maxHeight
	}

	geometry.DisplayWidth = max(types.Round(w), 1)
	geometry.DisplayHeight = max(types.Round(h), 1)
	return geometry, nil
}

// Refit recomputes g for a new container width, keeping its natural size.
func (m *Mapper) Refit(g types.ImageGeometry, containerW int) (types.ImageGeometry, error) {
	return m.Fit(g.NaturalWidth, g.NaturalHeight, containerW)
}

// Changed reports whether the display grid differs between a and b. Any change
// invalidates a stroke raster captured on a.
func Changed(a, b types.ImageGeometry) bool {
	return !a.SameDisplay(b)
}
