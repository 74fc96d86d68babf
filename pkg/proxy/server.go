// Package proxy exposes the OpenAI-compatible HTTP surface and orchestrates
// the bridge: translate, admit, solve, call, reshape.
package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/crypto/acme/autocert"

	"github.com/duckbridge/duckbridge/pkg/challenge"
	"github.com/duckbridge/duckbridge/pkg/config"
	"github.com/duckbridge/duckbridge/pkg/ratelimit"
	"github.com/duckbridge/duckbridge/pkg/tools"
	"github.com/duckbridge/duckbridge/pkg/translate"
	"github.com/duckbridge/duckbridge/pkg/upstream"
)

type Server struct {
	cfg        *config.ServerConfig
	client     *upstream.Client
	governor   *ratelimit.Governor
	emulator   *tools.Emulator
	httpServer *http.Server
	started    int64
}

func NewServer(cfg *config.ServerConfig) *Server {
	httpClient := &http.Client{Timeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second}
	solver := challenge.NewSolver(cfg.Upstream.BaseURL, httpClient)
	governor := ratelimit.New(ratelimit.NewFileStore(cfg.RateLimit.StatePath), ratelimit.Options{
		MaxRequests: cfg.RateLimit.MaxRequests,
		Window:      time.Duration(cfg.RateLimit.WindowSeconds) * time.Second,
		MinInterval: time.Duration(cfg.RateLimit.MinIntervalMS) * time.Millisecond,
	})

	s := &Server{
		cfg:      cfg,
		client:   upstream.NewClient(cfg.Upstream.BaseURL, httpClient, solver, governor),
		governor: governor,
		emulator: tools.NewEmulator(),
		started:  time.Now().Unix(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.authMiddleware)
		v1.Get("/models", s.handleModels)
		v1.Get("/ratelimit", s.handleRateStatus)
		v1.Post("/chat/completions", s.handleChatCompletions)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusNotFound, "invalid_request_error", "unknown_url", fmt.Sprintf("Unknown request URL: %s %s", r.Method, r.URL.Path))
	})

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0, // streaming responses stay open
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	if s.cfg.TLS.Enabled {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(s.cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.cfg.TLS.Domain),
			Email:      s.cfg.TLS.Email,
		}

		httpsSrv := &http.Server{
			Addr:              ":443",
			Handler:           s.httpServer.Handler,
			TLSConfig:         &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12},
			ReadHeaderTimeout: s.httpServer.ReadHeaderTimeout,
			ReadTimeout:       s.httpServer.ReadTimeout,
			WriteTimeout:      s.httpServer.WriteTimeout,
			IdleTimeout:       s.httpServer.IdleTimeout,
		}

		httpChallenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			log.Info("http challenge/redirect listening", "addr", ":80")
			if err := httpChallenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http challenge server: %w", err)
			}
		}()
		go func() {
			log.Info("https listening", "addr", ":443", "domain", s.cfg.TLS.Domain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()

		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpChallenge.Shutdown(shutdownCtx)
		_ = httpsSrv.Shutdown(shutdownCtx)
		return firstErr(errCh)
	}

	go func() {
		log.Info("bridge listening", "addr", s.cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("bridge server: %w", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	return firstErr(errCh)
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

func firstErr(ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	default:
		return nil
	}
}

type modelCard struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	cards := make([]modelCard, 0, len(s.cfg.Models))
	for _, id := range s.cfg.Models {
		cards = append(cards, modelCard{
			ID:      id,
			Object:  "model",
			Created: s.started,
			OwnedBy: "duckbridge",
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": cards})
}

// handleRateStatus reports the governor's advisory view of the shared
// window.
func (s *Server) handleRateStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.governor.Status())
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		writeValidationError(w, "failed to read request body")
		return
	}
	defer r.Body.Close()

	req, validationErr := parseChatRequest(body)
	if validationErr != "" {
		writeValidationError(w, validationErr)
		return
	}
	if req.Model == "" {
		req.Model = s.cfg.Models[0]
	}

	emulate := tools.ShouldEmulate(req.Tools, req.ToolChoice)
	toolPrompt := ""
	if emulate {
		toolPrompt = tools.BuildPrompt(req.Tools, req.ToolChoice)
	}

	messages, err := translate.FoldMessages(req.Messages, toolPrompt)
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	promptChars := translate.PromptChars(messages)

	if req.Stream {
		s.streamCompletion(w, r, req, messages, promptChars, emulate)
		return
	}

	text, err := s.client.Chat(r.Context(), req.Model, messages)
	if err != nil {
		writeBridgeError(w, err)
		return
	}

	var calls []openai.ToolCall
	if emulate {
		calls = s.resolveToolCalls(req, text)
		if len(calls) > 0 {
			text = tools.StripMarkers(text)
		}
	}
	writeJSON(w, http.StatusOK, translate.NewCompletion(req.Model, text, promptChars, calls))
}

func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, req openai.ChatCompletionRequest, messages []upstream.Message, promptChars int, emulate bool) {
	includeUsage := req.StreamOptions != nil && req.StreamOptions.IncludeUsage
	sw := translate.NewStreamWriter(w, req.Model, promptChars, includeUsage)

	var accumulated []byte
	fragments := 0
	err := s.client.ChatStream(r.Context(), req.Model, messages, func(fragment string) error {
		fragments++
		if emulate {
			accumulated = append(accumulated, fragment...)
		}
		return sw.WriteFragment(fragment)
	})
	if err != nil {
		if fragments == 0 {
			writeBridgeError(w, err)
			return
		}
		// Headers are out; the stream just ends. The client sees a
		// truncated stream without [DONE] and knows something broke.
		log.Warn("stream aborted mid-flight", "err", err)
		return
	}

	if emulate {
		if calls := s.resolveToolCalls(req, string(accumulated)); len(calls) > 0 {
			if err := sw.FinishToolCalls(calls); err != nil {
				log.Debug("write tool-call finish", "err", err)
			}
			return
		}
	}
	if fragments == 0 {
		// Upstream sent nothing at all; never return an empty completion.
		if err := sw.WriteFragment(translate.EmptyResponseFallback); err != nil {
			log.Debug("write fallback fragment", "err", err)
			return
		}
	}
	if err := sw.FinishStop(); err != nil {
		log.Debug("write stream finish", "err", err)
	}
}

// resolveToolCalls extracts marker calls from completion text and, when the
// caller demanded a call that never showed up, fabricates one.
func (s *Server) resolveToolCalls(req openai.ChatCompletionRequest, text string) []openai.ToolCall {
	calls := tools.Extract(text)
	if len(calls) == 0 && tools.RequiresCall(req.ToolChoice) {
		if call, ok := s.emulator.Force(req.Tools, req.ToolChoice, lastUserText(req.Messages)); ok {
			calls = []openai.ToolCall{call}
		}
	}
	return calls
}

func lastUserText(messages []openai.ChatCompletionMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == openai.ChatMessageRoleUser {
			return messages[i].Content
		}
	}
	return ""
}

// parseChatRequest validates the raw body before typed decoding so shape
// errors (missing or non-array messages) answer with a clear message
// instead of a generic unmarshal failure.
func parseChatRequest(body []byte) (openai.ChatCompletionRequest, string) {
	var req openai.ChatCompletionRequest
	if len(body) == 0 {
		return req, "request body is required"
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return req, "request body must be a JSON object"
	}
	rawMessages, ok := raw["messages"]
	if !ok {
		return req, "messages is required"
	}
	var messageList []json.RawMessage
	if err := json.Unmarshal(rawMessages, &messageList); err != nil {
		return req, "messages must be an array"
	}
	if len(messageList) == 0 {
		return req, "messages must not be empty"
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return req, fmt.Sprintf("invalid request: %v", err)
	}
	return req, ""
}
