// Package server exposes the pipeline over HTTP: uploads, mask resolution,
// inpainting and the assistant side channel.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/menta2k/kontext-inpaint/pkg/analyzer"
	"github.com/menta2k/kontext-inpaint/pkg/assistant"
	"github.com/menta2k/kontext-inpaint/pkg/canvas"
	"github.com/menta2k/kontext-inpaint/pkg/client"
	"github.com/menta2k/kontext-inpaint/pkg/mask"
	"github.com/menta2k/kontext-inpaint/pkg/request"
	"github.com/menta2k/kontext-inpaint/pkg/strokes"
	"github.com/menta2k/kontext-inpaint/pkg/types"
)

// ResultPrefix names re-hosted inpainting results
const ResultPrefix = "kontext-inpaint-result"

// Config wires the server to its collaborators. Generator and Assistant may
// be nil; the matching routes then answer 500 with a configuration message.
type Config struct {
	Storage   client.Storage
	Analyzer  *analyzer.ImageAnalyzer
	Mapper    *canvas.Mapper
	Resolver  *mask.Resolver
	Brush     strokes.Config
	Assembler *request.Assembler
	Generator client.Generator
	Assistant *assistant.Service
	Params    types.GenerationParams

	// FilesDir is served under /files/ when set
	FilesDir      string
	RehostResults bool
	Logger        *slog.Logger
	Clock         func() time.Time
}

// Server is an http.Handler
type Server struct {
	config Config
	logger *slog.Logger
	now    func() time.Time
	mux    *http.ServeMux
}

// New builds the route table
func New(config Config) *Server {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Analyzer == nil {
		config.Analyzer = analyzer.New()
	}
	if config.Mapper == nil {
		config.Mapper = canvas.New()
	}
	if config.Resolver == nil {
		config.Resolver = mask.NewResolverWithLogger(config.Logger)
	}
	if config.Brush.MaxWidth == 0 {
		config.Brush = strokes.DefaultConfig()
	}
	if config.Params.InferenceSteps == 0 {
		config.Params = types.DefaultGenerationParams()
	}

	s := &Server{
		config: config,
		logger: config.Logger,
		now:    config.Clock,
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /api/upload", s.handleUpload)
	s.mux.HandleFunc("POST /api/mask", s.handleMask)
	s.mux.HandleFunc("POST /api/kontext-image", s.handleKontextImage)
	s.mux.HandleFunc("POST /api/assistant", s.handleAssistant)
	s.mux.HandleFunc("GET /api/preferences/developer-message", s.handleGetDeveloperMessage)
	s.mux.HandleFunc("PUT /api/preferences/developer-message", s.handlePutDeveloperMessage)
	if config.FilesDir != "" {
		s.mux.Handle("GET /files/", http.StripPrefix("/files/", http.FileServer(http.Dir(config.FilesDir))))
	}
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.logger.DebugContext(r.Context(), "request served",
		"method", r.Method, "path", r.URL.Path, "status", rec.status, "elapsed", s.now().Sub(start))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// statusFor maps pipeline errors to HTTP statuses. Upstream statuses are
// propagated so clients see what the service said.
func statusFor(err error) int {
	var se *types.ServiceError
	switch {
	case types.IsValidation(err), types.IsGeometry(err):
		return http.StatusBadRequest
	case errors.As(err, &se) && se.Status >= 400 && se.Status <= 599:
		return se.Status
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	} else {
		s.logger.WarnContext(r.Context(), "request rejected", "path", r.URL.Path, "error", err)
	}
	writeError(w, status, types.UserMessage(err))
}
