// Package session tracks the mask currently being authored and the snapshot
// saved for the assistant side channel.
package session

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sync"

	"github.com/menta2k/kontext-inpaint/pkg/mask"
	"github.com/menta2k/kontext-inpaint/pkg/types"
)

// DefaultMinPaintedPixels is the smallest painted area treated as a mask
const DefaultMinPaintedPixels = 16

// Resolver turns a stroke raster into a mask
type Resolver interface {
	Resolve(ctx context.Context, raster image.Image, g types.ImageGeometry) (*mask.Mask, error)
}

// Listener observes every change of the current mask
type Listener func(current *mask.Mask, hasContent bool)

// Config holds session tuning
type Config struct {
	MinPaintedPixels int
	Logger           *slog.Logger
}

// Session holds two independent slots: the current mask, replaced on every
// completed stroke, and the saved mask, changed only by Save and Reset.
type Session struct {
	resolver   Resolver
	minPainted int
	logger     *slog.Logger

	mu         sync.Mutex
	geometry   types.ImageGeometry
	current    *mask.Mask
	saved      *mask.Mask
	hasContent bool
	seq        uint64
	cancel     context.CancelFunc
	lastErr    error
	listeners  []Listener

	wg sync.WaitGroup
}

// New creates an empty session for geometry g
func New(resolver Resolver, g types.ImageGeometry, config Config) *Session {
	if config.MinPaintedPixels < 1 {
		config.MinPaintedPixels = DefaultMinPaintedPixels
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Session{
		resolver:   resolver,
		minPainted: config.MinPaintedPixels,
		logger:     config.Logger,
		geometry:   g,
	}
}

// Subscribe registers a listener for current-mask changes
func (s *Session) Subscribe(fn Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// OnStrokeCompleted resolves raster synchronously and installs the result as
// the current mask. A resolution overtaken by a later stroke, Clear or Reset
// is discarded.
func (s *Session) OnStrokeCompleted(ctx context.Context, raster image.Image) error {
	seq, g := s.begin(nil)
	m, err := s.resolver.Resolve(ctx, raster, g)
	return s.apply(ctx, seq, m, err)
}

// Submit resolves raster in the background. Any resolution still in flight is
// cancelled; only the latest submission can land.
func (s *Session) Submit(ctx context.Context, raster image.Image) {
	ctx, cancel := context.WithCancel(ctx)
	seq, g := s.begin(cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		m, err := s.resolver.Resolve(ctx, raster, g)
		s.apply(ctx, seq, m, err)
	}()
}

// Wait blocks until background resolutions finish and returns the error of
// the last one that landed.
func (s *Session) Wait() error {
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Close cancels background work and waits for it
func (s *Session) Close() {
	s.mu.Lock()
	s.seq++
	s.cancelLocked()
	s.mu.Unlock()
	s.wg.Wait()
}

// Save snapshots the current mask into the saved slot
func (s *Session) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || !s.hasContent {
		return types.NewValidationError("mask", "Please draw a mask before saving")
	}
	s.saved = s.current.Clone()
	s.logger.Info("mask saved", "painted", s.saved.Painted())
	return nil
}

// Clear empties the current mask. The saved mask is kept.
func (s *Session) Clear() {
	s.mu.Lock()
	s.seq++
	s.cancelLocked()
	s.current = nil
	s.hasContent = false
	s.lastErr = nil
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	notify(listeners, nil, false)
}

// Reset starts over for a new image or display geometry. Both slots are
// emptied and in-flight work is abandoned.
func (s *Session) Reset(g types.ImageGeometry) {
	s.mu.Lock()
	s.seq++
	s.cancelLocked()
	s.geometry = g
	s.current = nil
	s.saved = nil
	s.hasContent = false
	s.lastErr = nil
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	notify(listeners, nil, false)
}

// Rebase moves the session to a new display geometry of the same image. The
// current mask is dropped with the strokes it came from; the saved mask is on
// the natural grid and is kept.
func (s *Session) Rebase(g types.ImageGeometry) {
	s.mu.Lock()
	s.seq++
	s.cancelLocked()
	s.geometry = g
	s.current = nil
	s.hasContent = false
	s.lastErr = nil
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	notify(listeners, nil, false)
}

// Current returns the current mask and whether it counts as drawn
func (s *Session) Current() (*mask.Mask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.hasContent
}

// Saved returns the saved mask or nil
func (s *Session) Saved() *mask.Mask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved
}

// HasContent reports whether the current mask has enough painted pixels
func (s *Session) HasContent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasContent
}

// Geometry returns the geometry masks are resolved against
func (s *Session) Geometry() types.ImageGeometry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.geometry
}

func (s *Session) begin(cancel context.CancelFunc) (uint64, types.ImageGeometry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.cancelLocked()
	s.cancel = cancel
	return s.seq, s.geometry
}

func (s *Session) apply(ctx context.Context, seq uint64, m *mask.Mask, err error) error {
	s.mu.Lock()
	if seq != s.seq {
		s.mu.Unlock()
		s.logger.DebugContext(ctx, "discarding superseded mask resolution", "seq", seq)
		return nil
	}
	s.cancel = nil
	if err != nil {
		s.lastErr = err
		s.mu.Unlock()
		if !errors.Is(err, context.Canceled) {
			s.logger.WarnContext(ctx, "mask resolution failed", "error", err)
		}
		return err
	}
	s.current = m
	s.hasContent = m.HasContent(s.minPainted)
	s.lastErr = nil
	hasContent := s.hasContent
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	notify(listeners, m, hasContent)
	return nil
}

func (s *Session) cancelLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *Session) snapshotListeners() []Listener {
	return append([]Listener(nil), s.listeners...)
}

func notify(listeners []Listener, m *mask.Mask, hasContent bool) {
	for _, fn := range listeners {
		fn(m, hasContent)
	}
}
