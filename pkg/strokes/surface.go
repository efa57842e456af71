package strokes

import (
	"encoding/json"
	"fmt"
	"image"
	"io"
	"log/slog"
	"math"
	"sync"

	"github.com/disintegration/imaging"

	"github.com/menta2k/kontext-inpaint/pkg/types"
)

// Config holds brush limits and appearance
type Config struct {
	MinWidth     float64
	MaxWidth     float64
	DefaultWidth float64
	Style        Style
}

// DefaultConfig returns the 5..50 brush range with a default of 40
func DefaultConfig() Config {
	return Config{
		MinWidth:     5,
		MaxWidth:     50,
		DefaultWidth: 40,
		Style:        DefaultStyle(),
	}
}

// StrokeListener is called once per completed stroke with the freshly
// exported raster.
type StrokeListener func(raster *image.NRGBA)

// ClearListener is called after the surface has been emptied.
type ClearListener func()

// Surface is an append-only log of completed strokes over a fixed display
// grid. The raster of the log is kept up to date: a new stroke is composited
// onto it and only Undo re-renders the whole log.
type Surface struct {
	mu      sync.Mutex
	width   int
	height  int
	config  Config
	strokes []types.Stroke
	raster  *image.NRGBA

	onStroke []StrokeListener
	onClear  []ClearListener
}

// NewSurface creates an empty surface of width x height display pixels
func NewSurface(width, height int, config Config) *Surface {
	return &Surface{width: width, height: height, config: config, raster: blank(width, height)}
}

func blank(width, height int) *image.NRGBA {
	return image.NewNRGBA(image.Rect(0, 0, width, height))
}

// snapshot copies the cached raster; callers must hold mu.
func (s *Surface) snapshot() *image.NRGBA {
	return imaging.Clone(s.raster)
}

// Size returns the display grid of the surface
func (s *Surface) Size() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

// Config returns the brush configuration
func (s *Surface) Config() Config {
	return s.config
}

// OnStrokeCompleted registers a listener for completed strokes
func (s *Surface) OnStrokeCompleted(fn StrokeListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStroke = append(s.onStroke, fn)
}

// OnClear registers a listener for Clear and Resize
func (s *Surface) OnClear(fn ClearListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClear = append(s.onClear, fn)
}

// AddStroke appends one completed gesture and notifies stroke listeners.
func (s *Surface) AddStroke(points []types.Point, brushWidth float64, mode types.StrokeMode) error {
	if err := s.validate(points, brushWidth, mode); err != nil {
		return err
	}

	stroke := types.Stroke{
		Points: append([]types.Point(nil), points...),
		Width:  brushWidth,
		Mode:   mode,
	}

	s.mu.Lock()
	s.strokes = append(s.strokes, stroke)
	Composite(s.raster, stroke, s.config.Style)
	listeners := append([]StrokeListener(nil), s.onStroke...)
	var raster *image.NRGBA
	if len(listeners) > 0 {
		raster = s.snapshot()
	}
	s.mu.Unlock()

	slog.Debug("stroke completed", "mode", mode, "points", len(points), "width", brushWidth)
	for _, fn := range listeners {
		fn(raster)
	}
	return nil
}

// Undo drops the most recent stroke. It reports false when there was nothing
// to undo.
func (s *Surface) Undo() bool {
	s.mu.Lock()
	if len(s.strokes) == 0 {
		s.mu.Unlock()
		return false
	}
	s.strokes = s.strokes[:len(s.strokes)-1]
	empty := len(s.strokes) == 0
	s.raster = Render(s.strokes, s.width, s.height, s.config.Style)
	strokeListeners := append([]StrokeListener(nil), s.onStroke...)
	clearListeners := append([]ClearListener(nil), s.onClear...)
	var raster *image.NRGBA
	if !empty && len(strokeListeners) > 0 {
		raster = s.snapshot()
	}
	s.mu.Unlock()

	if empty {
		for _, fn := range clearListeners {
			fn()
		}
		return true
	}
	for _, fn := range strokeListeners {
		fn(raster)
	}
	return true
}

// Clear empties the log and notifies clear listeners
func (s *Surface) Clear() {
	s.mu.Lock()
	s.strokes = nil
	s.raster = blank(s.width, s.height)
	listeners := append([]ClearListener(nil), s.onClear...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// Resize moves the surface to a new display grid. Existing strokes are
// dropped, not rescaled.
func (s *Surface) Resize(width, height int) {
	s.mu.Lock()
	if s.width == width && s.height == height {
		s.mu.Unlock()
		return
	}
	s.width, s.height = width, height
	s.strokes = nil
	s.raster = blank(width, height)
	listeners := append([]ClearListener(nil), s.onClear...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// ExportRaster returns a copy of the current raster at display resolution
func (s *Surface) ExportRaster() *image.NRGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// Strokes returns a copy of the log
func (s *Surface) Strokes() []types.Stroke {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Stroke(nil), s.strokes...)
}

// Empty reports whether the log has no strokes
func (s *Surface) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.strokes) == 0
}

func (s *Surface) validate(points []types.Point, brushWidth float64, mode types.StrokeMode) error {
	if len(points) == 0 {
		return types.NewValidationError("points", "a stroke needs at least one point")
	}
	if !mode.Valid() {
		return types.NewValidationError("mode", "unknown stroke mode %q", mode)
	}
	if math.IsNaN(brushWidth) || brushWidth < s.config.MinWidth || brushWidth > s.config.MaxWidth {
		return types.NewValidationError("width", "brush size must be between %.0f and %.0f", s.config.MinWidth, s.config.MaxWidth)
	}
	for i, p := range points {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			return types.NewValidationError("points", "point %d is not finite", i)
		}
	}
	return nil
}

// Replay feeds a recorded stroke log through AddStroke. A missing mode means
// paint and a zero width means the default brush.
func (s *Surface) Replay(log []types.Stroke) error {
	for i, st := range log {
		mode := st.Mode
		if mode == "" {
			mode = types.ModePaint
		}
		width := st.Width
		if width == 0 {
			width = s.config.DefaultWidth
		}
		if err := s.AddStroke(st.Points, width, mode); err != nil {
			return fmt.Errorf("stroke %d: %w", i, err)
		}
	}
	return nil
}

// DecodeLog reads a JSON array of strokes
func DecodeLog(r io.Reader) ([]types.Stroke, error) {
	var log []types.Stroke
	if err := json.NewDecoder(r).Decode(&log); err != nil {
		return nil, fmt.Errorf("failed to decode stroke log: %w", err)
	}
	return log, nil
}
