package types

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strings"
)

// ImageGeometry relates the natural pixel grid of a source image to the
// display grid strokes are captured on.
type ImageGeometry struct {
	NaturalWidth  int `json:"naturalWidth"`
	NaturalHeight int `json:"naturalHeight"`
	DisplayWidth  int `json:"displayWidth"`
	DisplayHeight int `json:"displayHeight"`
}

// Loaded reports whether both grids have a usable size.
func (g ImageGeometry) Loaded() bool {
	return g.NaturalWidth > 0 && g.NaturalHeight > 0 && g.DisplayWidth > 0 && g.DisplayHeight > 0
}

// ScaleX returns naturalWidth/displayWidth, or 0 when the display is unset.
func (g ImageGeometry) ScaleX() float64 {
	if g.DisplayWidth == 0 {
		return 0
	}
	return float64(g.NaturalWidth) / float64(g.DisplayWidth)
}

// ScaleY returns naturalHeight/displayHeight, or 0 when the display is unset.
func (g ImageGeometry) ScaleY() float64 {
	if g.DisplayHeight == 0 {
		return 0
	}
	return float64(g.NaturalHeight) / float64(g.DisplayHeight)
}

// AspectRatio of the natural image.
func (g ImageGeometry) AspectRatio() float64 {
	if g.NaturalHeight == 0 {
		return 0
	}
	return float64(g.NaturalWidth) / float64(g.NaturalHeight)
}

// SameDisplay reports whether two geometries share the display grid.
func (g ImageGeometry) SameDisplay(o ImageGeometry) bool {
	return g.DisplayWidth == o.DisplayWidth && g.DisplayHeight == o.DisplayHeight
}

// Equal reports whether both grids match exactly.
func (g ImageGeometry) Equal(o ImageGeometry) bool {
	return g == o
}

// ToNatural maps a display-space point to natural-space coordinates.
func (g ImageGeometry) ToNatural(x, y float64) (float64, float64) {
	return x * g.ScaleX(), y * g.ScaleY()
}

// Point is a stroke sample in display pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// StrokeMode selects between painting and erasing.
type StrokeMode string

const (
	ModePaint StrokeMode = "paint"
	ModeErase StrokeMode = "erase"
)

// Valid reports whether m is a known mode.
func (m StrokeMode) Valid() bool {
	return m == ModePaint || m == ModeErase
}

// Stroke is one completed pointer-down..pointer-up gesture.
type Stroke struct {
	Points []Point    `json:"points"`
	Width  float64    `json:"width"`
	Mode   StrokeMode `json:"mode"`
}

// GenerationParams are the auxiliary knobs sent alongside an inpainting request.
type GenerationParams struct {
	InferenceSteps      int     `json:"num_inference_steps"`
	GuidanceScale       float64 `json:"guidance_scale"`
	Strength            float64 `json:"strength"`
	NumImages           int     `json:"num_images"`
	EnableSafetyChecker bool    `json:"enable_safety_checker"`
	OutputFormat        string  `json:"output_format"`
	Acceleration        string  `json:"acceleration"`
	ReferenceImageRef   string  `json:"reference_image_url,omitempty"`
	Seed                *int64  `json:"seed,omitempty"`
	Loras               []LoRA  `json:"loras"`
}

// LoRA is an optional adapter weight applied by the inpainting model.
type LoRA struct {
	Path  string  `json:"path"`
	Scale float64 `json:"scale"`
}

// DefaultGenerationParams mirrors the FLUX Kontext LoRA inpaint defaults.
func DefaultGenerationParams() GenerationParams {
	return GenerationParams{
		InferenceSteps:      30,
		GuidanceScale:       2.5,
		Strength:            0.88,
		NumImages:           1,
		EnableSafetyChecker: true,
		OutputFormat:        "png",
		Acceleration:        "none",
		Loras:               []LoRA{},
	}
}

// GenerationRequest is the assembled payload for the inpainting port.
// SourceImageRef and MaskRef are external locators, never raw bytes.
type GenerationRequest struct {
	SourceImageRef string           `json:"image_url"`
	PromptText     string           `json:"prompt"`
	MaskRef        string           `json:"mask_url"`
	Params         GenerationParams `json:"params"`
}

// ProcessingDetails echoes the parameters a result was produced with.
type ProcessingDetails struct {
	InferenceSteps int     `json:"inferenceSteps"`
	GuidanceScale  float64 `json:"guidanceScale"`
	Strength       float64 `json:"strength"`
	OutputFormat   string  `json:"outputFormat"`
	Model          string  `json:"model"`
	Acceleration   string  `json:"acceleration"`
	Seed           *int64  `json:"seed,omitempty"`
}

// GenerationResult is what the inpainting port hands back.
type GenerationResult struct {
	ImageURL    string            `json:"imageUrl"`
	Filename    string            `json:"filename,omitempty"`
	Prompt      string            `json:"originalPrompt"`
	Seed        *int64            `json:"seed,omitempty"`
	SafetyFlags []bool            `json:"hasNsfwConcepts,omitempty"`
	Width       int               `json:"width,omitempty"`
	Height      int               `json:"height,omitempty"`
	ContentType string            `json:"contentType,omitempty"`
	MaskRef     string            `json:"maskUrl,omitempty"`
	SourceRef   string            `json:"sourceUrl,omitempty"`
	Details     ProcessingDetails `json:"processingDetails"`
}

// AssistantRequest feeds the multimodal side channel.
type AssistantRequest struct {
	DeveloperInstruction string `json:"developer_message,omitempty"`
	PromptText           string `json:"prompt"`
	SourceImageRef       string `json:"image_url"`
	SavedMaskRef         string `json:"mask,omitempty"`
}

// ImageRef is either an external URL or inline bytes.
type ImageRef struct {
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"data,omitempty"`
	MIMEType string `json:"mimeType,omitempty"`
}

// Inline reports whether the reference carries its own bytes.
func (r ImageRef) Inline() bool {
	return len(r.Data) > 0
}

// AssistantReply is the loosely structured answer of the side channel.
type AssistantReply struct {
	Text   string          `json:"text"`
	Images []ImageRef      `json:"images"`
	Items  []OutputItem    `json:"-"`
	Raw    json.RawMessage `json:"raw,omitempty"`
}

// OutputItem is one decoded element of a multimodal response. The concrete
// variants live next to the backend that produces them.
type OutputItem interface {
	ItemType() string
}

// Round rounds half away from zero to the nearest integer pixel.
func Round(v float64) int {
	return int(math.Round(v))
}

// ParseImageRef interprets s as a data URL, an http(s)/gs/file URL, or bare
// base64 PNG bytes, in that order.
func ParseImageRef(s string) (ImageRef, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return ImageRef{}, fmt.Errorf("empty image reference")
	case strings.HasPrefix(s, "data:image/"):
		meta, payload, ok := strings.Cut(s[len("data:"):], ",")
		if !ok {
			return ImageRef{}, fmt.Errorf("malformed data URL")
		}
		mimeType, _, _ := strings.Cut(meta, ";")
		var data []byte
		var err error
		if strings.HasSuffix(meta, ";base64") {
			data, err = base64.StdEncoding.DecodeString(payload)
		} else {
			var unescaped string
			unescaped, err = url.PathUnescape(payload)
			data = []byte(unescaped)
		}
		if err != nil {
			return ImageRef{}, fmt.Errorf("failed to decode data URL: %w", err)
		}
		return ImageRef{Data: data, MIMEType: mimeType}, nil
	case strings.Contains(s, "://"):
		return ImageRef{URL: s}, nil
	default:
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return ImageRef{}, fmt.Errorf("image reference is neither URL nor base64: %w", err)
		}
		return ImageRef{Data: data, MIMEType: "image/png"}, nil
	}
}

// DataURL renders inline bytes as a data URL; URL refs are returned as-is.
func (r ImageRef) DataURL() string {
	if !r.Inline() {
		return r.URL
	}
	mimeType := r.MIMEType
	if mimeType == "" {
		mimeType = "image/png"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(r.Data)
}
