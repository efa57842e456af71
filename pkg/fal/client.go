// Package fal submits FLUX Kontext LoRA inpainting jobs to fal.ai.
package fal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/menta2k/kontext-inpaint/pkg/types"
)

const (
	// DefaultEndpoint is the synchronous inpainting endpoint
	DefaultEndpoint = "https://fal.run/fal-ai/flux-kontext-lora/inpaint"
	// ModelName is reported back in processing details
	ModelName = "FLUX.1 Kontext LoRA"
)

// Client submits inpainting jobs to the fal.ai FLUX Kontext LoRA endpoint
type Client struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
	timeout    time.Duration
}

// InpaintPayload is the JSON body of an inpainting call
type InpaintPayload struct {
	ImageURL            string       `json:"image_url"`
	Prompt              string       `json:"prompt"`
	ReferenceImageURL   string       `json:"reference_image_url"`
	MaskURL             string       `json:"mask_url"`
	NumInferenceSteps   int          `json:"num_inference_steps"`
	GuidanceScale       float64      `json:"guidance_scale"`
	NumImages           int          `json:"num_images"`
	EnableSafetyChecker bool         `json:"enable_safety_checker"`
	OutputFormat        string       `json:"output_format"`
	Acceleration        string       `json:"acceleration"`
	Strength            float64      `json:"strength"`
	Seed                *int64       `json:"seed,omitempty"`
	Loras               []types.LoRA `json:"loras"`
}

// Image is one generated image
type Image struct {
	URL         string `json:"url"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	ContentType string `json:"content_type"`
}

// InpaintResponse is the JSON body of a successful call
type InpaintResponse struct {
	Images          []Image            `json:"images"`
	Seed            *int64             `json:"seed"`
	HasNsfwConcepts []bool             `json:"has_nsfw_concepts"`
	Prompt          string             `json:"prompt"`
	Timings         map[string]float64 `json:"timings,omitempty"`
}

// NewClient creates a client. An empty endpoint uses DefaultEndpoint.
func NewClient(endpoint, apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("FAL_KEY environment variable not configured")
	}
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	return &Client{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		apiKey:   apiKey,
		model:    ModelName,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
		timeout: 300 * time.Second,
	}, nil
}

// SetTimeout bounds calls made without a context deadline
func (c *Client) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// SetModelName changes the model label reported in results
func (c *Client) SetModelName(name string) {
	if name != "" {
		c.model = name
	}
}

// NewPayload flattens a request into the wire format
func NewPayload(req *types.GenerationRequest) InpaintPayload {
	p := req.Params
	reference := p.ReferenceImageRef
	if reference == "" {
		reference = req.SourceImageRef
	}
	loras := p.Loras
	if loras == nil {
		loras = []types.LoRA{}
	}
	return InpaintPayload{
		ImageURL:            req.SourceImageRef,
		Prompt:              req.PromptText,
		ReferenceImageURL:   reference,
		MaskURL:             req.MaskRef,
		NumInferenceSteps:   p.InferenceSteps,
		GuidanceScale:       p.GuidanceScale,
		NumImages:           p.NumImages,
		EnableSafetyChecker: p.EnableSafetyChecker,
		OutputFormat:        p.OutputFormat,
		Acceleration:        p.Acceleration,
		Strength:            p.Strength,
		Seed:                p.Seed,
		Loras:               loras,
	}
}

// Submit runs one inpainting job and returns the first generated image.
// Failures are *types.ServiceError carrying the HTTP status when there was one.
func (c *Client) Submit(ctx context.Context, req *types.GenerationRequest) (*types.GenerationResult, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	payload := NewPayload(req)
	slog.InfoContext(ctx, "calling inpainting endpoint",
		"endpoint", c.endpoint, "image_url", payload.ImageURL, "mask_url", payload.MaskURL)

	body, err := c.sendRequest(ctx, payload)
	if err != nil {
		return nil, err
	}

	var resp InpaintResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &types.ServiceError{Service: "fal", Message: "Invalid response from Fal.AI API", Err: err}
	}
	if len(resp.Images) == 0 || resp.Images[0].URL == "" {
		return nil, &types.ServiceError{Service: "fal", Message: "No images returned from Fal.AI API"}
	}

	img := resp.Images[0]
	slog.InfoContext(ctx, "inpainting completed", "image_url", img.URL, "seed", resp.Seed)

	return &types.GenerationResult{
		ImageURL:    img.URL,
		Prompt:      req.PromptText,
		Seed:        resp.Seed,
		SafetyFlags: resp.HasNsfwConcepts,
		Width:       img.Width,
		Height:      img.Height,
		ContentType: img.ContentType,
		MaskRef:     req.MaskRef,
		SourceRef:   req.SourceImageRef,
		Details: types.ProcessingDetails{
			InferenceSteps: payload.NumInferenceSteps,
			GuidanceScale:  payload.GuidanceScale,
			Strength:       payload.Strength,
			OutputFormat:   payload.OutputFormat,
			Model:          c.model,
			Acceleration:   payload.Acceleration,
			Seed:           resp.Seed,
		},
	}, nil
}

func (c *Client) sendRequest(ctx context.Context, payload InpaintPayload) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Key "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &types.ServiceError{Service: "fal", Message: "Failed to reach Fal.AI API", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &types.ServiceError{Service: "fal", Status: resp.StatusCode, Message: "Failed to read Fal.AI response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := ErrorMessage(resp.StatusCode, body)
		slog.ErrorContext(ctx, "inpainting endpoint returned an error", "status", resp.StatusCode, "message", msg)
		return nil, &types.ServiceError{Service: "fal", Status: resp.StatusCode, Message: msg}
	}

	return body, nil
}

// ErrorMessage extracts a human-readable message from an error body. It
// prefers "detail", then "error", then the raw body.
func ErrorMessage(status int, body []byte) string {
	fallback := fmt.Sprintf("Fal.AI API error (%d)", status)

	var parsed struct {
		Detail json.RawMessage `json:"detail"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		if text := strings.TrimSpace(string(body)); text != "" {
			return text
		}
		return fallback
	}

	if msg := rawMessage(parsed.Detail); msg != "" {
		return msg
	}
	if msg := rawMessage(parsed.Error); msg != "" {
		return msg
	}
	return fallback
}

// rawMessage renders a JSON value that may be a string, a list of
// validation entries with "msg", or an object with "message".
func rawMessage(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var entries []struct {
		Msg string `json:"msg"`
		Loc []any  `json:"loc"`
	}
	if err := json.Unmarshal(raw, &entries); err == nil && len(entries) > 0 {
		msgs := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.Msg == "" {
				continue
			}
			if len(e.Loc) > 0 {
				msgs = append(msgs, fmt.Sprintf("%v: %s", e.Loc[len(e.Loc)-1], e.Msg))
			} else {
				msgs = append(msgs, e.Msg)
			}
		}
		if len(msgs) > 0 {
			return strings.Join(msgs, "; ")
		}
	}

	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}

	return string(raw)
}
