package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/menta2k/kontext-inpaint/internal/utils"
	"github.com/menta2k/kontext-inpaint/pkg/assistant"
	"github.com/menta2k/kontext-inpaint/pkg/mask"
	"github.com/menta2k/kontext-inpaint/pkg/strokes"
	"github.com/menta2k/kontext-inpaint/pkg/types"
)

const (
	maxJSONBody      = 8 << 20
	maxMultipartBody = 32 << 20
)

type uploadResponse struct {
	URL         string `json:"url"`
	Filename    string `json:"filename"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	limit := s.config.Analyzer.Config().MaxBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)

	file, header, err := r.FormFile("file")
	if err != nil {
		s.fail(w, r, types.NewValidationError("file", "No file uploaded"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	info, err := s.config.Analyzer.Inspect(data, header.Filename, header.Header.Get("Content-Type"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	base := strings.TrimSuffix(filepath.Base(header.Filename), filepath.Ext(header.Filename))
	base = utils.SanitizeFilename(base)
	if base == "" {
		base = "upload"
	}
	name := utils.TimestampedName(base, utils.ExtensionFor(info.ContentType), s.now())

	url, err := s.config.Storage.Put(r.Context(), name, data, info.ContentType)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.logger.InfoContext(r.Context(), "image uploaded",
		"url", url, "width", info.Width, "height", info.Height, "size", utils.FormatFileSize(info.Size))
	writeJSON(w, http.StatusOK, uploadResponse{
		URL:         url,
		Filename:    name,
		Width:       info.Width,
		Height:      info.Height,
		ContentType: info.ContentType,
		Size:        info.Size,
	})
}

type maskRequest struct {
	NaturalWidth   int            `json:"naturalWidth"`
	NaturalHeight  int            `json:"naturalHeight"`
	ContainerWidth int            `json:"containerWidth"`
	Strokes        []types.Stroke `json:"strokes"`
}

// handleMask replays a stroke log on a display-sized surface and answers with
// the resolved natural-size mask as PNG.
func (s *Server) handleMask(w http.ResponseWriter, r *http.Request) {
	var req maskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		s.fail(w, r, types.NewValidationError("body", "Invalid JSON body: %v", err))
		return
	}

	g, err := s.config.Mapper.Fit(req.NaturalWidth, req.NaturalHeight, req.ContainerWidth)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	surface := strokes.NewSurface(g.DisplayWidth, g.DisplayHeight, s.config.Brush)
	if err := surface.Replay(req.Strokes); err != nil {
		s.fail(w, r, err)
		return
	}

	m, err := s.config.Resolver.Resolve(r.Context(), surface.ExportRaster(), g)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := m.EncodePNG(&buf); err != nil {
		s.fail(w, r, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "image/png")
	h.Set("X-Display-Width", strconv.Itoa(g.DisplayWidth))
	h.Set("X-Display-Height", strconv.Itoa(g.DisplayHeight))
	h.Set("X-Painted-Pixels", strconv.Itoa(m.Painted()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

type kontextResponse struct {
	Success bool        `json:"success"`
	Data    kontextData `json:"data"`
}

type kontextData struct {
	ImageURL          string                  `json:"imageUrl"`
	Filename          string                  `json:"filename"`
	OriginalPrompt    string                  `json:"originalPrompt"`
	Seed              *int64                  `json:"seed"`
	HasNsfwConcepts   []bool                  `json:"hasNsfwConcepts"`
	MaskURL           string                  `json:"maskUrl"`
	ProcessingDetails types.ProcessingDetails `json:"processingDetails"`
}

func (s *Server) handleKontextImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxMultipartBody)
	if err := r.ParseMultipartForm(maxMultipartBody); err != nil {
		s.fail(w, r, types.NewValidationError("body", "Missing required parameters: image_url, prompt, and mask are required"))
		return
	}

	imageURL := r.FormValue("image_url")
	prompt := r.FormValue("prompt")
	maskFile, _, err := r.FormFile("mask")
	if imageURL == "" || prompt == "" || err != nil {
		s.fail(w, r, types.NewValidationError("body", "Missing required parameters: image_url, prompt, and mask are required"))
		return
	}
	defer maskFile.Close()

	if s.config.Generator == nil {
		writeError(w, http.StatusInternalServerError, "FAL_KEY environment variable not configured")
		return
	}

	m, err := mask.Decode(maskFile)
	if err != nil {
		s.fail(w, r, types.NewValidationError("mask", "Mask is not a readable image"))
		return
	}

	ctx := r.Context()
	if err := s.config.Assembler.CheckSource(ctx, imageURL, m); err != nil {
		s.fail(w, r, err)
		return
	}
	genReq, err := s.config.Assembler.Build(ctx, imageURL, prompt, m, s.config.Params)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	result, err := s.config.Generator.Submit(ctx, genReq)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	format := result.Details.OutputFormat
	if format == "" {
		format = utils.ExtensionFor(result.ContentType)
	}
	resultURL, filename := result.ImageURL, utils.DownloadFilename(prompt, format, s.now())
	if s.config.RehostResults {
		data, err := s.config.Storage.Get(ctx, result.ImageURL)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to download result", "url", result.ImageURL, "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to download processed image from Fal.AI")
			return
		}
		filename = utils.TimestampedName(ResultPrefix, format, s.now())
		resultURL, err = s.config.Storage.Put(ctx, filename, data, utils.ContentTypeFor(filename))
		if err != nil {
			s.fail(w, r, err)
			return
		}
	}

	s.logger.InfoContext(ctx, "inpainting completed", "image_url", resultURL, "mask_url", genReq.MaskRef)
	writeJSON(w, http.StatusOK, kontextResponse{
		Success: true,
		Data: kontextData{
			ImageURL:          resultURL,
			Filename:          filename,
			OriginalPrompt:    prompt,
			Seed:              result.Seed,
			HasNsfwConcepts:   result.SafetyFlags,
			MaskURL:           genReq.MaskRef,
			ProcessingDetails: result.Details,
		},
	})
}

type assistantRequest struct {
	Prompt           string `json:"prompt"`
	ImageURL         string `json:"imageUrl"`
	MaskURL          string `json:"maskUrl,omitempty"`
	DeveloperMessage string `json:"developerMessage,omitempty"`
}

type assistantResponse struct {
	Text   string   `json:"text"`
	Images []string `json:"images"`
}

func (s *Server) handleAssistant(w http.ResponseWriter, r *http.Request) {
	if s.config.Assistant == nil {
		writeError(w, http.StatusInternalServerError, "Assistant backend is not configured")
		return
	}

	var req assistantRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		s.fail(w, r, types.NewValidationError("body", "Invalid JSON body: %v", err))
		return
	}

	q := assistant.Query{
		Instruction: req.DeveloperMessage,
		Prompt:      req.Prompt,
		SourceRef:   req.ImageURL,
	}
	if req.MaskURL != "" {
		data, err := s.config.Storage.Get(r.Context(), req.MaskURL)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if q.SavedMask, err = mask.Decode(bytes.NewReader(data)); err != nil {
			s.fail(w, r, types.NewValidationError("maskUrl", "Mask is not a readable image"))
			return
		}
	}

	reply, err := s.config.Assistant.Ask(r.Context(), q)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	resp := assistantResponse{Text: reply.Text, Images: make([]string, 0, len(reply.Images))}
	for _, img := range reply.Images {
		resp.Images = append(resp.Images, img.DataURL())
	}
	writeJSON(w, http.StatusOK, resp)
}

type developerMessage struct {
	DeveloperMessage string `json:"developerMessage"`
}

func (s *Server) handleGetDeveloperMessage(w http.ResponseWriter, r *http.Request) {
	if s.config.Assistant == nil {
		writeError(w, http.StatusInternalServerError, "Assistant backend is not configured")
		return
	}
	msg, err := s.config.Assistant.DefaultInstruction()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, developerMessage{DeveloperMessage: msg})
}

func (s *Server) handlePutDeveloperMessage(w http.ResponseWriter, r *http.Request) {
	if s.config.Assistant == nil {
		writeError(w, http.StatusInternalServerError, "Assistant backend is not configured")
		return
	}
	var req developerMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		s.fail(w, r, types.NewValidationError("body", "Invalid JSON body: %v", err))
		return
	}
	if err := s.config.Assistant.SaveDefaultInstruction(req.DeveloperMessage); err != nil {
		s.fail(w, r, err)
		return
	}
	msg, err := s.config.Assistant.DefaultInstruction()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, developerMessage{DeveloperMessage: msg})
}
