package openai

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/menta2k/kontext-inpaint/pkg/types"
)

// Output item types
const (
	TypeMessage             = "message"
	TypeImageGenerationCall = "image_generation_call"
	TypeToolCallResult      = "tool_call_result"
)

// ContentPart is one piece of a message: text or an image
type ContentPart struct {
	Type  string
	Text  string
	Image *types.ImageRef
}

// MessageItem is an assistant message made of content parts
type MessageItem struct {
	Role  string
	Parts []ContentPart
}

func (MessageItem) ItemType() string { return TypeMessage }

// ImageGenerationCall carries the output of the image_generation tool
type ImageGenerationCall struct {
	ID     string
	Status string
	Image  *types.ImageRef
}

func (ImageGenerationCall) ItemType() string { return TypeImageGenerationCall }

// ToolCallResult carries an image returned by some other tool
type ToolCallResult struct {
	Image *types.ImageRef
}

func (ToolCallResult) ItemType() string { return TypeToolCallResult }

// UnrecognizedItem keeps output the decoder does not understand
type UnrecognizedItem struct {
	Type string
	Raw  json.RawMessage
}

func (u UnrecognizedItem) ItemType() string { return u.Type }

type rawItem struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Status  string          `json:"status"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Output  json.RawMessage `json:"output"`
	Result  string          `json:"result"`
}

type rawPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text"`
	ImageURL json.RawMessage `json:"image_url"`
	Image    json.RawMessage `json:"image"`
}

type rawImageHolder struct {
	ImageURL json.RawMessage `json:"image_url"`
	Image    json.RawMessage `json:"image"`
}

type rawEnvelope struct {
	Output     []json.RawMessage `json:"output"`
	OutputText string            `json:"output_text"`
	Choices    []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Message *struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
	Text    json.RawMessage `json:"text"`
	Content json.RawMessage `json:"content"`
}

// DecodeReply extracts text and images from a response body. The output
// array is read first; when it yields nothing the chat-style layouts
// (choices, message, text, content) are tried in turn.
func DecodeReply(body []byte) (*types.AssistantReply, error) {
	var env rawEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}

	reply := &types.AssistantReply{Raw: json.RawMessage(body), Images: []types.ImageRef{}}
	var texts []string

	for _, raw := range env.Output {
		item := decodeItem(raw)
		reply.Items = append(reply.Items, item)

		switch it := item.(type) {
		case MessageItem:
			for _, p := range it.Parts {
				if p.Text != "" {
					texts = append(texts, p.Text)
				}
				if p.Image != nil {
					reply.Images = append(reply.Images, *p.Image)
				}
			}
		case ImageGenerationCall:
			if it.Image != nil {
				reply.Images = append(reply.Images, *it.Image)
			}
		case ToolCallResult:
			if it.Image != nil {
				reply.Images = append(reply.Images, *it.Image)
			}
		}
	}

	if len(texts) == 0 && len(reply.Images) == 0 {
		texts, reply.Images = fallbackContent(env)
	}

	reply.Text = strings.TrimSpace(strings.Join(texts, " "))
	return reply, nil
}

func decodeItem(raw json.RawMessage) types.OutputItem {
	var item rawItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return UnrecognizedItem{Raw: raw}
	}

	switch item.Type {
	case TypeMessage:
		parts, _ := decodeParts(item.Content)
		return MessageItem{Role: item.Role, Parts: parts}
	case TypeImageGenerationCall:
		call := ImageGenerationCall{ID: item.ID, Status: item.Status}
		var holder rawImageHolder
		if len(item.Output) > 0 && json.Unmarshal(item.Output, &holder) == nil {
			call.Image = holderImage(holder)
		}
		if call.Image == nil && item.Result != "" {
			call.Image = parseImage(item.Result)
		}
		return call
	case TypeToolCallResult:
		var holder rawImageHolder
		var result ToolCallResult
		if len(item.Content) > 0 && json.Unmarshal(item.Content, &holder) == nil {
			result.Image = holderImage(holder)
		}
		return result
	default:
		return UnrecognizedItem{Type: item.Type, Raw: raw}
	}
}

// decodeParts accepts either a bare string or an array of parts
func decodeParts(raw json.RawMessage) ([]ContentPart, bool) {
	if len(raw) == 0 {
		return nil, false
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []ContentPart{{Type: "text", Text: s}}, true
	}

	var parts []rawPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, false
	}

	out := make([]ContentPart, 0, len(parts))
	for _, p := range parts {
		part := ContentPart{Type: p.Type}
		switch p.Type {
		case "text", "output_text", "input_text":
			part.Text = p.Text
		case "output_image", "image":
			part.Image = holderImage(rawImageHolder{ImageURL: p.ImageURL, Image: p.Image})
		}
		out = append(out, part)
	}
	return out, true
}

// holderImage prefers image_url over image
func holderImage(h rawImageHolder) *types.ImageRef {
	if s := stringOrURL(h.ImageURL); s != "" {
		return parseImage(s)
	}
	if s := stringOrURL(h.Image); s != "" {
		return parseImage(s)
	}
	return nil
}

// stringOrURL reads "..." or {"url": "..."}
func stringOrURL(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.URL
	}
	return ""
}

func parseImage(s string) *types.ImageRef {
	ref, err := types.ParseImageRef(s)
	if err != nil {
		slog.Warn("skipping undecodable image in assistant reply", "error", err)
		return nil
	}
	return &ref
}

func fallbackContent(env rawEnvelope) ([]string, []types.ImageRef) {
	if env.OutputText != "" {
		return []string{env.OutputText}, []types.ImageRef{}
	}

	candidates := make([]json.RawMessage, 0, 4)
	if len(env.Choices) > 0 {
		candidates = append(candidates, env.Choices[0].Message.Content)
	}
	if env.Message != nil {
		candidates = append(candidates, env.Message.Content)
	}
	candidates = append(candidates, env.Text, env.Content)

	for _, raw := range candidates {
		parts, ok := decodeParts(raw)
		if !ok {
			continue
		}
		var texts []string
		images := []types.ImageRef{}
		for _, p := range parts {
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
			if p.Image != nil {
				images = append(images, *p.Image)
			}
		}
		if len(texts) > 0 || len(images) > 0 {
			return texts, images
		}
	}
	return nil, []types.ImageRef{}
}
