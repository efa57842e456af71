// Package editor ties the mapper, stroke surface and mask session together
// for one loaded image.
package editor

import (
	"context"
	"image"
	"log/slog"
	"sync"

	"github.com/menta2k/kontext-inpaint/pkg/canvas"
	"github.com/menta2k/kontext-inpaint/pkg/mask"
	"github.com/menta2k/kontext-inpaint/pkg/session"
	"github.com/menta2k/kontext-inpaint/pkg/strokes"
	"github.com/menta2k/kontext-inpaint/pkg/types"
)

// Config holds the component settings an Editor is built from
type Config struct {
	Canvas           canvas.Config
	Brush            strokes.Config
	MinPaintedPixels int
	Logger           *slog.Logger
}

// DefaultConfig returns default component settings
func DefaultConfig() Config {
	return Config{
		Canvas:           canvas.DefaultConfig(),
		Brush:            strokes.DefaultConfig(),
		MinPaintedPixels: session.DefaultMinPaintedPixels,
	}
}

// Editor is the single active editing context. Strokes are resolved
// synchronously as they complete.
type Editor struct {
	config   Config
	mapper   *canvas.Mapper
	resolver *mask.Resolver
	logger   *slog.Logger

	mu        sync.Mutex
	container int
	geometry  types.ImageGeometry
	surface   *strokes.Surface
	session   *session.Session
}

// New creates an Editor with no image loaded
func New(config Config) *Editor {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Editor{
		config:   config,
		mapper:   canvas.NewWithConfig(config.Canvas),
		resolver: mask.NewResolverWithLogger(config.Logger),
		logger:   config.Logger,
	}
}

// Load starts a fresh context for an image of naturalW x naturalH. Strokes,
// current and saved masks of the previous image are discarded.
func (e *Editor) Load(naturalW, naturalH, containerW int) (types.ImageGeometry, error) {
	g, err := e.mapper.Fit(naturalW, naturalH, containerW)
	if err != nil {
		return g, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session != nil {
		e.session.Close()
	}
	e.container = containerW
	e.geometry = g
	e.surface = strokes.NewSurface(g.DisplayWidth, g.DisplayHeight, e.config.Brush)
	e.session = session.New(e.resolver, g, session.Config{
		MinPaintedPixels: e.config.MinPaintedPixels,
		Logger:           e.logger,
	})

	sess := e.session
	e.surface.OnClear(sess.Clear)

	e.logger.Info("image loaded",
		"natural", []int{g.NaturalWidth, g.NaturalHeight},
		"display", []int{g.DisplayWidth, g.DisplayHeight})
	return g, nil
}

// Resize recomputes the display geometry for a new container width. When the
// display grid changes the stroke raster is cleared and the current mask
// discarded; strokes are never rescaled. The saved mask stays valid because
// it lives on the natural grid.
func (e *Editor) Resize(containerW int) (types.ImageGeometry, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.surface == nil {
		return types.ImageGeometry{}, false, &types.GeometryError{Message: "no image loaded"}
	}
	g, err := e.mapper.Refit(e.geometry, containerW)
	if err != nil {
		return e.geometry, false, err
	}
	e.container = containerW
	if !canvas.Changed(e.geometry, g) {
		return g, false, nil
	}

	e.geometry = g
	e.session.Rebase(g)
	e.surface.Resize(g.DisplayWidth, g.DisplayHeight)

	e.logger.Info("display resized, strokes cleared", "display", []int{g.DisplayWidth, g.DisplayHeight})
	return g, true, nil
}

// AddStroke records a completed stroke and resolves the updated mask.
func (e *Editor) AddStroke(ctx context.Context, points []types.Point, width float64, mode types.StrokeMode) error {
	surface, sess, err := e.active()
	if err != nil {
		return err
	}
	if err := surface.AddStroke(points, width, mode); err != nil {
		return err
	}
	return sess.OnStrokeCompleted(ctx, surface.ExportRaster())
}

// Undo drops the last stroke and re-resolves the mask
func (e *Editor) Undo(ctx context.Context) (bool, error) {
	surface, sess, err := e.active()
	if err != nil {
		return false, err
	}
	if !surface.Undo() {
		return false, nil
	}
	if surface.Empty() {
		return true, nil
	}
	return true, sess.OnStrokeCompleted(ctx, surface.ExportRaster())
}

// Clear erases all strokes and the current mask
func (e *Editor) Clear() error {
	surface, _, err := e.active()
	if err != nil {
		return err
	}
	surface.Clear()
	return nil
}

// Save snapshots the current mask for the assistant side channel
func (e *Editor) Save() error {
	_, sess, err := e.active()
	if err != nil {
		return err
	}
	return sess.Save()
}

// Current returns the current mask and whether it counts as drawn
func (e *Editor) Current() (*mask.Mask, bool) {
	_, sess, err := e.active()
	if err != nil {
		return nil, false
	}
	return sess.Current()
}

// Saved returns the saved mask or nil
func (e *Editor) Saved() *mask.Mask {
	_, sess, err := e.active()
	if err != nil {
		return nil
	}
	return sess.Saved()
}

// Geometry returns the active geometry
func (e *Editor) Geometry() types.ImageGeometry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.geometry
}

// Raster returns the current stroke raster at display resolution
func (e *Editor) Raster() (*image.NRGBA, error) {
	surface, _, err := e.active()
	if err != nil {
		return nil, err
	}
	return surface.ExportRaster(), nil
}

// Surface exposes the stroke surface of the active context
func (e *Editor) Surface() *strokes.Surface {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.surface
}

// Session exposes the mask session of the active context
func (e *Editor) Session() *session.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

func (e *Editor) active() (*strokes.Surface, *session.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.surface == nil {
		return nil, nil, &types.GeometryError{Message: "no image loaded"}
	}
	return e.surface, e.session, nil
}
