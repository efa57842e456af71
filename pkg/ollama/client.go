// Package ollama answers assistant requests with a local vision model served
// by Ollama.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/menta2k/kontext-inpaint/pkg/types"
)

// DefaultModel is a small multimodal model that runs on CPU
const DefaultModel = "minicpm-v"

// ImageSource resolves image references to bytes
type ImageSource interface {
	Get(ctx context.Context, ref string) ([]byte, error)
}

// Client wraps the Ollama API client
type Client struct {
	client  *api.Client
	model   string
	images  ImageSource
	timeout time.Duration
}

// NewClient creates a new Ollama client
func NewClient(ollamaURL, model string, images ImageSource) (*Client, error) {
	if ollamaURL == "" {
		ollamaURL = "http://localhost:11434"
	}
	// Parse the provided URL
	parsedURL, err := url.Parse(ollamaURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid URL: %q needs scheme and host", ollamaURL)
	}

	// Create base URL from the provided URL (removing path like /api/chat)
	baseURL := &url.URL{
		Scheme: parsedURL.Scheme,
		Host:   parsedURL.Host,
	}

	if model == "" {
		model = DefaultModel
	}

	return &Client{
		client:  api.NewClient(baseURL, http.DefaultClient),
		model:   model,
		images:  images,
		timeout: 300 * time.Second,
	}, nil
}

// SetTimeout bounds calls made without a context deadline
func (c *Client) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// Ask sends the developer instruction as a system message and the prompt
// with the source image and optional saved mask as the user message.
func (c *Client) Ask(ctx context.Context, req *types.AssistantRequest) (*types.AssistantReply, error) {
	// Add timeout if context doesn't have one (vision models are slow on CPU)
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	images := make([]api.ImageData, 0, 2)
	for _, ref := range []string{req.SourceImageRef, req.SavedMaskRef} {
		if ref == "" {
			continue
		}
		data, err := c.loadImage(ctx, ref)
		if err != nil {
			return nil, &types.ServiceError{Service: "ollama", Message: "Failed to load image for assistant", Err: err}
		}
		images = append(images, api.ImageData(data))
	}

	var messages []api.Message
	if instruction := strings.TrimSpace(req.DeveloperInstruction); instruction != "" {
		messages = append(messages, api.Message{Role: "system", Content: instruction})
	}
	messages = append(messages, api.Message{
		Role:    "user",
		Content: req.PromptText,
		Images:  images,
	})

	streamFalse := false
	chatReq := &api.ChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   &streamFalse,
		Options:  modelOptions(c.model),
	}

	var content strings.Builder
	err := c.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		var statusErr api.StatusError
		if errors.As(err, &statusErr) {
			msg := statusErr.ErrorMessage
			if msg == "" {
				msg = statusErr.Status
			}
			return nil, &types.ServiceError{Service: "ollama", Status: statusErr.StatusCode, Message: msg, Err: err}
		}
		return nil, &types.ServiceError{Service: "ollama", Message: "Ollama chat failed", Err: err}
	}

	text := strings.TrimSpace(content.String())
	if text == "" {
		return nil, &types.ServiceError{Service: "ollama", Message: "Empty response from Ollama"}
	}

	slog.InfoContext(ctx, "assistant replied", "backend", "ollama", "model", c.model, "text_len", len(text))
	return &types.AssistantReply{Text: text, Images: []types.ImageRef{}}, nil
}

func (c *Client) loadImage(ctx context.Context, ref string) ([]byte, error) {
	img, err := types.ParseImageRef(ref)
	if err != nil {
		return nil, err
	}
	if img.Inline() {
		return img.Data, nil
	}
	if c.images == nil {
		return nil, fmt.Errorf("no image source for %s", ref)
	}
	return c.images.Get(ctx, img.URL)
}

// modelOptions tunes sampling for models known to ramble at defaults
func modelOptions(model string) map[string]any {
	options := map[string]any{}
	modelLower := strings.ToLower(model)
	if strings.Contains(modelLower, "minicpm-v") || strings.Contains(modelLower, "minicpmv") {
		options["temperature"] = 0.7
		options["top_p"] = 0.8
		options["num_ctx"] = 4096
	}
	return options
}
