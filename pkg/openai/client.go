// Package openai asks GPT-4o through the Responses API, with the
// image_generation tool enabled, about an image and its saved mask.
package openai

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

// DefaultModel is the model the side channel talks to
const DefaultModel = "gpt-4o"

type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	timeout    time.Duration
}

// InputPart is one element of a message's content
type InputPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// InputMessage is one role-tagged message
type InputMessage struct {
	Role    string      `json:"role"`
	Content []InputPart `json:"content"`
}

// Tool enables a hosted tool
type Tool struct {
	Type string `json:"type"`
}

// ResponsesRequest is the body sent to /v1/responses
type ResponsesRequest struct {
	Model string         `json:"model"`
	Input []InputMessage `json:"input"`
	Tools []Tool         `json:"tools"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// NewClient creates a client. An empty baseURL targets api.openai.com and an
// empty model uses DefaultModel.
func NewClient(baseURL, apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable not configured")
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	if model == "" {
		model = DefaultModel
	}

	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
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

// BuildInput lays out the conversation: an optional developer message, then
// the user prompt with the source image and, when present, the saved mask.
func BuildInput(req *types.AssistantRequest) []InputMessage {
	var input []InputMessage

	if instruction := strings.TrimSpace(req.DeveloperInstruction); instruction != "" {
		input = append(input, InputMessage{
			Role:    "developer",
			Content: []InputPart{{Type: "input_text", Text: instruction}},
		})
	}

	content := []InputPart{
		{Type: "input_text", Text: req.PromptText},
		{Type: "input_image", ImageURL: req.SourceImageRef},
	}
	if req.SavedMaskRef != "" {
		content = append(content, InputPart{Type: "input_image", ImageURL: req.SavedMaskRef})
	}

	return append(input, InputMessage{Role: "user", Content: content})
}

// Ask sends req and decodes whatever text and images come back
func (c *Client) Ask(ctx context.Context, req *types.AssistantRequest) (*types.AssistantReply, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := c.sendRequest(ctx, "/v1/responses", ResponsesRequest{
		Model: c.model,
		Input: BuildInput(req),
		Tools: []Tool{{Type: "image_generation"}},
	})
	if err != nil {
		return nil, err
	}

	reply, err := DecodeReply(body)
	if err != nil {
		return nil, &types.ServiceError{Service: "openai", Message: "Invalid response from OpenAI", Err: err}
	}

	slog.InfoContext(ctx, "assistant replied",
		"backend", "openai", "text_len", len(reply.Text), "images", len(reply.Images), "items", len(reply.Items))
	return reply, nil
}

func (c *Client) sendRequest(ctx context.Context, endpoint string, payload interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &types.ServiceError{Service: "openai", Message: "Failed to reach OpenAI", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &types.ServiceError{Service: "openai", Status: resp.StatusCode, Message: "Failed to read OpenAI response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("OpenAI API error (%d)", resp.StatusCode)
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		return nil, &types.ServiceError{Service: "openai", Status: resp.StatusCode, Message: msg}
	}

	return body, nil
}
