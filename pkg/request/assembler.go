// Package request assembles validated payloads for the inpainting service
// and the assistant side channel.
package request

import (
	"bytes"
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	_ "golang.org/x/image/webp"

	"github.com/menta2k/kontext-inpaint/internal/utils"
	"github.com/menta2k/kontext-inpaint/pkg/client"
	"github.com/menta2k/kontext-inpaint/pkg/mask"
	"github.com/menta2k/kontext-inpaint/pkg/types"
)

// DefaultMaxPromptLength matches the prompt box limit of the editor
const DefaultMaxPromptLength = 500

// MaskPrefix names uploaded masks
const MaskPrefix = "kontext-mask"

// Config holds assembler settings
type Config struct {
	MaxPromptLength  int
	MinPaintedPixels int
	Logger           *slog.Logger
	Clock            func() time.Time
}

// Assembler validates inputs and publishes the mask through Storage. It does
// no other I/O.
type Assembler struct {
	storage    client.Storage
	maxPrompt  int
	minPainted int
	logger     *slog.Logger
	now        func() time.Time
}

// NewAssembler creates an Assembler that uploads masks to storage
func NewAssembler(storage client.Storage, config Config) *Assembler {
	if config.MaxPromptLength < 1 {
		config.MaxPromptLength = DefaultMaxPromptLength
	}
	if config.MinPaintedPixels < 1 {
		config.MinPaintedPixels = 1
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &Assembler{
		storage:    storage,
		maxPrompt:  config.MaxPromptLength,
		minPainted: config.MinPaintedPixels,
		logger:     config.Logger,
		now:        config.Clock,
	}
}

// Build validates the inputs, uploads m as a PNG and returns the request.
// Validation failures are *types.ValidationError; upload failures are
// *types.ServiceError. Nothing is uploaded when validation fails.
func (a *Assembler) Build(ctx context.Context, sourceRef, prompt string, m *mask.Mask, params types.GenerationParams) (*types.GenerationRequest, error) {
	sourceRef = strings.TrimSpace(sourceRef)
	if sourceRef == "" {
		return nil, types.NewValidationError("image", "Please upload an image and create a mask first")
	}
	if !m.HasContent(a.minPainted) {
		return nil, types.NewValidationError("mask", "Please upload an image and create a mask first")
	}
	prompt, err := a.checkPrompt(prompt)
	if err != nil {
		return nil, err
	}

	data, err := m.PNG()
	if err != nil {
		return nil, err
	}

	name := utils.TimestampedName(MaskPrefix, "png", a.now())
	maskRef, err := a.storage.Put(ctx, name, data, "image/png")
	if err != nil {
		a.logger.ErrorContext(ctx, "mask upload failed", "name", name, "error", err)
		return nil, asServiceError("storage", "Failed to upload mask", err)
	}

	if params.ReferenceImageRef == "" {
		params.ReferenceImageRef = sourceRef
	}
	if params.Loras == nil {
		params.Loras = []types.LoRA{}
	}

	a.logger.InfoContext(ctx, "generation request assembled",
		"mask", maskRef, "painted", m.Painted(), "prompt_len", utf8.RuneCountInString(prompt))

	return &types.GenerationRequest{
		SourceImageRef: sourceRef,
		PromptText:     prompt,
		MaskRef:        maskRef,
		Params:         params,
	}, nil
}

// CheckSource reads the source image through storage and rejects a mask
// whose size differs from the image's natural size. Masks that did not come
// from a resolver, such as uploaded files, go through here before Build.
func (a *Assembler) CheckSource(ctx context.Context, sourceRef string, m *mask.Mask) error {
	sourceRef = strings.TrimSpace(sourceRef)
	if sourceRef == "" {
		return types.NewValidationError("image", "Please upload an image and create a mask first")
	}
	if m == nil {
		return types.NewValidationError("mask", "Please upload an image and create a mask first")
	}

	data, err := a.storage.Get(ctx, sourceRef)
	if err != nil {
		a.logger.ErrorContext(ctx, "source image read failed", "ref", sourceRef, "error", err)
		return asServiceError("storage", "Failed to read source image", err)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return types.NewValidationError("image", "Source image could not be decoded")
	}
	if m.Width() != cfg.Width || m.Height() != cfg.Height {
		return types.NewValidationError("mask", "Mask size %dx%d does not match image size %dx%d",
			m.Width(), m.Height(), cfg.Width, cfg.Height)
	}
	return nil
}

// BuildAssistant validates a side-channel request. The saved mask is optional
// and travels inline as a PNG data URL.
func (a *Assembler) BuildAssistant(ctx context.Context, instruction, prompt, sourceRef string, saved *mask.Mask) (*types.AssistantRequest, error) {
	prompt, err := a.checkPrompt(prompt)
	if err != nil {
		return nil, err
	}
	sourceRef = strings.TrimSpace(sourceRef)
	if sourceRef == "" {
		return nil, types.NewValidationError("image", "Please upload an image first")
	}

	req := &types.AssistantRequest{
		DeveloperInstruction: strings.TrimSpace(instruction),
		PromptText:           prompt,
		SourceImageRef:       sourceRef,
	}
	if saved.HasContent(1) {
		data, err := saved.PNG()
		if err != nil {
			return nil, err
		}
		req.SavedMaskRef = types.ImageRef{Data: data, MIMEType: "image/png"}.DataURL()
	}

	a.logger.DebugContext(ctx, "assistant request assembled",
		"with_mask", req.SavedMaskRef != "", "with_instruction", req.DeveloperInstruction != "")
	return req, nil
}

func (a *Assembler) checkPrompt(prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", types.NewValidationError("prompt", "Please enter a prompt")
	}
	if n := utf8.RuneCountInString(prompt); n > a.maxPrompt {
		return "", types.NewValidationError("prompt", "Prompt is too long (%d characters, limit %d)", n, a.maxPrompt)
	}
	return prompt, nil
}

func asServiceError(service, message string, err error) error {
	if se, ok := err.(*types.ServiceError); ok {
		return se
	}
	return &types.ServiceError{Service: service, Message: message, Err: err}
}
