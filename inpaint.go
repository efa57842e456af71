// Package inpaint builds binary inpainting masks from brush strokes and sends
// them, with a source image and a prompt, to a FLUX Kontext inpainting model.
//
// Basic usage:
//
//	cfg := config.Default()
//	cfg.ApplyEnv()
//
//	tool, err := inpaint.New(ctx, cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer tool.Close()
//
//	m, g, err := tool.MaskFromStrokes(ctx, 2000, 1500, 832, strokeLog)
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Printf("mask %dx%d from a %dx%d canvas\n", m.Width(), m.Height(), g.DisplayWidth, g.DisplayHeight)
//
//	result, err := tool.Generate(ctx, sourceURL, "replace the sky with a sunset", m)
//
// The package consists of these components:
//
//  1. Canvas (pkg/canvas): fits the natural image into the display area
//  2. Strokes (pkg/strokes): records and rasterises brush strokes
//  3. Mask (pkg/mask): resolves a stroke raster into a natural-size binary mask
//  4. Session (pkg/session): holds the current and the saved mask
//  5. Request (pkg/request): validates inputs and uploads the mask
//
// Storage, the inpainting model and the assistant side channel are reached
// through the ports in pkg/client.
package inpaint

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/menta2k/kontext-inpaint/internal/config"
	"github.com/menta2k/kontext-inpaint/internal/utils"
	"github.com/menta2k/kontext-inpaint/pkg/analyzer"
	"github.com/menta2k/kontext-inpaint/pkg/assistant"
	"github.com/menta2k/kontext-inpaint/pkg/canvas"
	"github.com/menta2k/kontext-inpaint/pkg/client"
	"github.com/menta2k/kontext-inpaint/pkg/editor"
	"github.com/menta2k/kontext-inpaint/pkg/fal"
	"github.com/menta2k/kontext-inpaint/pkg/gemini"
	"github.com/menta2k/kontext-inpaint/pkg/mask"
	"github.com/menta2k/kontext-inpaint/pkg/ollama"
	"github.com/menta2k/kontext-inpaint/pkg/openai"
	"github.com/menta2k/kontext-inpaint/pkg/preferences"
	"github.com/menta2k/kontext-inpaint/pkg/processing"
	"github.com/menta2k/kontext-inpaint/pkg/request"
	"github.com/menta2k/kontext-inpaint/pkg/server"
	"github.com/menta2k/kontext-inpaint/pkg/storage"
	"github.com/menta2k/kontext-inpaint/pkg/strokes"
	"github.com/menta2k/kontext-inpaint/pkg/types"
)

// Version of the kontext-inpaint library
const Version = "1.0.0"

// Tool is the assembled pipeline
type Tool struct {
	config    *config.Config
	logger    *slog.Logger
	storage   *storage.Router
	closers   []func() error
	processor *processing.Processor
	analyzer  *analyzer.ImageAnalyzer
	assembler *request.Assembler
	generator client.Generator
	assistant *assistant.Service
	prefs     *preferences.Store
	params    types.GenerationParams
}

// Option customises New
type Option func(*options)

type options struct {
	logger    *slog.Logger
	storage   storage.Backend
	generator client.Generator
	backend   client.Assistant
}

// WithLogger sets the logger used by every component
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithStorage replaces the configured storage backend
func WithStorage(b storage.Backend) Option {
	return func(o *options) { o.storage = b }
}

// WithGenerator replaces the inpainting client
func WithGenerator(g client.Generator) Option {
	return func(o *options) { o.generator = g }
}

// WithAssistant replaces the assistant backend
func WithAssistant(a client.Assistant) Option {
	return func(o *options) { o.backend = a }
}

// New builds every component from cfg. A missing FAL_KEY or assistant key
// is not an error: the affected operations report it when called.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Tool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	t := &Tool{config: cfg, logger: o.logger, params: generationParams(cfg.Generation)}

	backend := o.storage
	if backend == nil {
		b, closer, err := newBackend(ctx, cfg.Storage)
		if err != nil {
			return nil, err
		}
		backend = b
		if closer != nil {
			t.closers = append(t.closers, closer)
		}
	}
	fetcher := storage.NewFetcher(storage.FetcherConfig{
		Timeout:              time.Duration(cfg.Generation.TimeoutSeconds) * time.Second,
		AllowPrivateNetworks: cfg.Storage.AllowPrivateNetworks,
	})
	t.storage = storage.NewRouter(backend, fetcher)

	t.processor = processing.NewProcessor(t.storage)
	t.analyzer = analyzer.NewWithConfig(analyzer.Config{MaxBytes: cfg.Storage.MaxUploadBytes})
	t.assembler = request.NewAssembler(t.storage, request.Config{
		MaxPromptLength:  cfg.Generation.MaxPromptLength,
		MinPaintedPixels: cfg.Mask.MinPaintedPixels,
		Logger:           o.logger,
	})
	t.prefs = preferences.NewStore(cfg.Preferences.Path)

	t.generator = o.generator
	if t.generator == nil && cfg.Generation.APIKey != "" {
		fc, err := fal.NewClient(cfg.Generation.Endpoint, cfg.Generation.APIKey)
		if err != nil {
			return nil, err
		}
		fc.SetTimeout(time.Duration(cfg.Generation.TimeoutSeconds) * time.Second)
		fc.SetModelName(cfg.Generation.Model)
		t.generator = fc
	}

	assistantBackend := o.backend
	if assistantBackend == nil {
		b, err := newAssistantBackend(ctx, cfg.Assistant, t.storage)
		if err != nil {
			o.logger.WarnContext(ctx, "assistant backend unavailable", "backend", cfg.Assistant.Backend, "error", err)
		} else {
			assistantBackend = b
		}
	}
	if assistantBackend != nil {
		t.assistant = assistant.NewService(assistantBackend, t.assembler, t.prefs, o.logger)
	}

	return t, nil
}

// Close releases backend connections
func (t *Tool) Close() error {
	var first error
	for _, c := range t.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// EditorConfig derives editor settings from the configuration
func (t *Tool) EditorConfig() (editor.Config, error) {
	style, err := strokes.ParseStyle(t.config.Brush.Color, t.config.Brush.Opacity, t.config.Brush.Softness)
	if err != nil {
		return editor.Config{}, err
	}
	return editor.Config{
		Canvas: canvas.Config{
			MaxDisplayWidth:        t.config.Canvas.MaxDisplayWidth,
			MaxDisplayHeight:       t.config.Canvas.MaxDisplayHeight,
			Padding:                t.config.Canvas.Padding,
			FallbackContainerWidth: t.config.Canvas.FallbackContainerWidth,
		},
		Brush: strokes.Config{
			MinWidth:     t.config.Brush.MinWidth,
			MaxWidth:     t.config.Brush.MaxWidth,
			DefaultWidth: t.config.Brush.DefaultWidth,
			Style:        style,
		},
		MinPaintedPixels: t.config.Mask.MinPaintedPixels,
		Logger:           t.logger,
	}, nil
}

// NewEditor returns an editor configured like this tool
func (t *Tool) NewEditor() (*editor.Editor, error) {
	cfg, err := t.EditorConfig()
	if err != nil {
		return nil, err
	}
	return editor.New(cfg), nil
}

// MaskFromStrokes replays a stroke log on a canvas fitted to containerW and
// returns the resolved mask with the geometry it was drawn on.
func (t *Tool) MaskFromStrokes(ctx context.Context, naturalW, naturalH, containerW int, log []types.Stroke) (*mask.Mask, types.ImageGeometry, error) {
	ed, err := t.NewEditor()
	if err != nil {
		return nil, types.ImageGeometry{}, err
	}
	g, err := ed.Load(naturalW, naturalH, containerW)
	if err != nil {
		return nil, g, err
	}
	defer ed.Session().Close()

	if err := ed.Surface().Replay(log); err != nil {
		return nil, g, err
	}
	raster, err := ed.Raster()
	if err != nil {
		return nil, g, err
	}
	if err := ed.Session().OnStrokeCompleted(ctx, raster); err != nil {
		return nil, g, err
	}
	m, _ := ed.Current()
	return m, g, nil
}

// Generate assembles a request for sourceRef and m, submits it and, when
// configured, re-hosts the result in storage.
func (t *Tool) Generate(ctx context.Context, sourceRef, prompt string, m *mask.Mask) (*types.GenerationResult, error) {
	if t.generator == nil {
		return nil, &types.ServiceError{Service: "fal", Message: "FAL_KEY environment variable not configured"}
	}
	if err := t.assembler.CheckSource(ctx, sourceRef, m); err != nil {
		return nil, err
	}
	req, err := t.assembler.Build(ctx, sourceRef, prompt, m, t.params)
	if err != nil {
		return nil, err
	}
	result, err := t.generator.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	if !t.config.Generation.RehostResults {
		return result, nil
	}

	data, err := t.storage.Get(ctx, result.ImageURL)
	if err != nil {
		return nil, &types.ServiceError{Service: "fal", Message: "Failed to download processed image from Fal.AI", Err: err}
	}
	format := result.Details.OutputFormat
	if format == "" {
		format = utils.ExtensionFor(result.ContentType)
	}
	name := utils.TimestampedName(server.ResultPrefix, format, time.Now())
	ref, err := t.storage.Put(ctx, name, data, utils.ContentTypeFor(name))
	if err != nil {
		return nil, err
	}
	result.ImageURL = ref
	result.Filename = name
	return result, nil
}

// Ask sends a side-channel question
func (t *Tool) Ask(ctx context.Context, q assistant.Query) (*types.AssistantReply, error) {
	if t.assistant == nil {
		return nil, &types.ServiceError{Service: t.config.Assistant.Backend, Message: "Assistant backend is not configured"}
	}
	return t.assistant.Ask(ctx, q)
}

// Handler returns the HTTP surface
func (t *Tool) Handler() (http.Handler, error) {
	edCfg, err := t.EditorConfig()
	if err != nil {
		return nil, err
	}
	var filesDir string
	if local, ok := t.storage.Primary().(*storage.Local); ok {
		filesDir = local.Dir()
	}
	return server.New(server.Config{
		Storage:       t.storage,
		Analyzer:      t.analyzer,
		Mapper:        canvas.NewWithConfig(edCfg.Canvas),
		Resolver:      mask.NewResolverWithLogger(t.logger),
		Brush:         edCfg.Brush,
		Assembler:     t.assembler,
		Generator:     t.generator,
		Assistant:     t.assistant,
		Params:        t.params,
		FilesDir:      filesDir,
		RehostResults: t.config.Generation.RehostResults,
		Logger:        t.logger,
	}), nil
}

// Processor returns the image I/O helper
func (t *Tool) Processor() *processing.Processor {
	return t.processor
}

// Analyzer returns the upload inspector
func (t *Tool) Analyzer() *analyzer.ImageAnalyzer {
	return t.analyzer
}

// Storage returns the storage router
func (t *Tool) Storage() *storage.Router {
	return t.storage
}

// Preferences returns the preference store
func (t *Tool) Preferences() *preferences.Store {
	return t.prefs
}

// Assistant returns the side-channel service, or nil when no backend is
// configured.
func (t *Tool) Assistant() *assistant.Service {
	return t.assistant
}

func generationParams(g config.GenerationConfig) types.GenerationParams {
	p := types.DefaultGenerationParams()
	p.InferenceSteps = g.InferenceSteps
	p.GuidanceScale = g.GuidanceScale
	p.Strength = g.Strength
	p.NumImages = g.NumImages
	p.EnableSafetyChecker = g.EnableSafetyChecker
	p.OutputFormat = g.OutputFormat
	p.Acceleration = g.Acceleration
	return p
}

func newBackend(ctx context.Context, cfg config.StorageConfig) (storage.Backend, func() error, error) {
	switch cfg.Backend {
	case "gcs":
		g, err := storage.NewGCS(ctx, cfg.Bucket, cfg.Prefix, cfg.CredentialsFile)
		if err != nil {
			return nil, nil, err
		}
		return g, g.Close, nil
	default:
		l, err := storage.NewLocal(cfg.Dir, cfg.BaseURL)
		if err != nil {
			return nil, nil, err
		}
		return l, nil, nil
	}
}

func newAssistantBackend(ctx context.Context, cfg config.AssistantConfig, images client.Storage) (client.Assistant, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	defaults := config.Default().Assistant

	switch cfg.Backend {
	case "gemini":
		model := cfg.Model
		if model == defaults.Model {
			model = ""
		}
		c, err := gemini.NewClient(ctx, cfg.APIKey, model, images)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "ollama":
		model, url := cfg.Model, cfg.URL
		if model == defaults.Model {
			model = ""
		}
		if url == defaults.URL {
			url = ""
		}
		c, err := ollama.NewClient(url, model, images)
		if err != nil {
			return nil, err
		}
		c.SetTimeout(timeout)
		return c, nil
	default:
		c, err := openai.NewClient(cfg.URL, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		c.SetTimeout(timeout)
		return c, nil
	}
}
