// Package gemini answers assistant requests with a Gemini model through the
// google.golang.org/genai SDK.
package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/menta2k/kontext-inpaint/pkg/types"
)

// DefaultModel handles mixed text and image output
const DefaultModel = "gemini-2.5-flash-image"

// ContentGenerator is the slice of genai.Models the client needs
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// ImageSource resolves image references to bytes
type ImageSource interface {
	Get(ctx context.Context, ref string) ([]byte, error)
}

type Client struct {
	models ContentGenerator
	images ImageSource
	model  string
}

// NewClient connects to the Gemini API with apiKey
func NewClient(ctx context.Context, apiKey, model string, images ImageSource) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable not configured")
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return NewClientWithGenerator(gc.Models, model, images), nil
}

// NewClientWithGenerator builds a client around an existing generator
func NewClientWithGenerator(models ContentGenerator, model string, images ImageSource) *Client {
	if model == "" {
		model = DefaultModel
	}
	return &Client{models: models, images: images, model: model}
}

// Ask sends the prompt with the source image and optional saved mask inline.
// The developer instruction becomes the system instruction.
func (c *Client) Ask(ctx context.Context, req *types.AssistantRequest) (*types.AssistantReply, error) {
	parts := []*genai.Part{{Text: req.PromptText}}

	source, err := c.imagePart(ctx, req.SourceImageRef)
	if err != nil {
		return nil, &types.ServiceError{Service: "gemini", Message: "Failed to load source image", Err: err}
	}
	parts = append(parts, source)

	if req.SavedMaskRef != "" {
		maskPart, err := c.imagePart(ctx, req.SavedMaskRef)
		if err != nil {
			return nil, &types.ServiceError{Service: "gemini", Message: "Failed to load saved mask", Err: err}
		}
		parts = append(parts, maskPart)
	}

	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
	}
	if instruction := strings.TrimSpace(req.DeveloperInstruction); instruction != "" {
		config.SystemInstruction = genai.NewContentFromText(instruction, genai.RoleUser)
	}

	resp, err := c.models.GenerateContent(ctx, c.model, []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, config)
	if err != nil {
		return nil, &types.ServiceError{Service: "gemini", Message: "Gemini request failed", Err: err}
	}

	reply, err := parseResponse(resp)
	if err != nil {
		return nil, &types.ServiceError{Service: "gemini", Message: err.Error()}
	}
	slog.InfoContext(ctx, "assistant replied", "backend", "gemini", "text_len", len(reply.Text), "images", len(reply.Images))
	return reply, nil
}

func (c *Client) imagePart(ctx context.Context, ref string) (*genai.Part, error) {
	img, err := types.ParseImageRef(ref)
	if err != nil {
		return nil, err
	}
	data := img.Data
	if !img.Inline() {
		if c.images == nil {
			return nil, fmt.Errorf("no image source for %s", ref)
		}
		data, err = c.images.Get(ctx, img.URL)
		if err != nil {
			return nil, err
		}
	}
	mimeType := http.DetectContentType(data)
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, fmt.Errorf("%s is not an image (%s)", ref, mimeType)
	}
	return &genai.Part{InlineData: &genai.Blob{MIMEType: mimeType, Data: data}}, nil
}

func parseResponse(resp *genai.GenerateContentResponse) (*types.AssistantReply, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("Gemini returned no candidates")
	}

	candidate := resp.Candidates[0]
	reply := &types.AssistantReply{Images: []types.ImageRef{}}
	var texts []string
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" && !part.Thought {
				texts = append(texts, part.Text)
			}
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				reply.Images = append(reply.Images, types.ImageRef{
					Data:     part.InlineData.Data,
					MIMEType: part.InlineData.MIMEType,
				})
			}
		}
	}
	reply.Text = strings.TrimSpace(strings.Join(texts, " "))

	if reply.Text == "" && len(reply.Images) == 0 &&
		candidate.FinishReason != genai.FinishReasonUnspecified && candidate.FinishReason != genai.FinishReasonStop {
		return nil, fmt.Errorf("Gemini stopped early (finish reason %s)", candidate.FinishReason)
	}
	return reply, nil
}
