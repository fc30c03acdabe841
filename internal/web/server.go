package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/drjanduffy/heyberkshire/internal/crm"
	"github.com/drjanduffy/heyberkshire/internal/llm"
)

// LeadService is the slice of the CRM client the lead endpoints use.
type LeadService interface {
	Capture(ctx context.Context, lead crm.Lead) (*crm.CaptureResult, error)
	AddTag(ctx context.Context, id, tag string) error
}

// ChatStream is one streamed chat response, iterated chunk by chunk.
type ChatStream interface {
	Next() bool
	Text() string
	Err() error
	Close() error
}

// ChatService is the slice of the LLM client the chat endpoint uses.
type ChatService interface {
	SendMessage(ctx context.Context, req llm.Request) (*llm.Response, error)
	StreamMessage(ctx context.Context, req llm.Request) (ChatStream, error)
}

// LLMChat adapts an LLM client to the ChatService interface.
func LLMChat(c *llm.Client) ChatService { return llmChat{c} }

type llmChat struct{ c *llm.Client }

func (a llmChat) SendMessage(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return a.c.SendMessage(ctx, req)
}

func (a llmChat) StreamMessage(ctx context.Context, req llm.Request) (ChatStream, error) {
	return a.c.StreamMessage(ctx, req)
}

// Server is the site's HTTP surface.
type Server struct {
	router  chi.Router
	leads   LeadService
	chat    ChatService
	logger  *slog.Logger
	metrics http.Handler

	chatSystem string
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithMetricsHandler mounts a handler at /metrics.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) { s.metrics = h }
}

// WithChatSystemPrompt sets the system prompt sent with chat requests.
func WithChatSystemPrompt(prompt string) ServerOption {
	return func(s *Server) { s.chatSystem = prompt }
}

// NewServer wires the routes.
func NewServer(leads LeadService, chat ChatService, opts ...ServerOption) *Server {
	s := &Server{
		leads:      leads,
		chat:       chat,
		logger:     slog.Default(),
		chatSystem: defaultChatSystem,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestID)
	r.Use(requestLogger(s.logger))

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(edgeCacheable(5 * time.Minute))
		r.Get("/", s.handleHome)
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/lead", s.handleLead)
		r.Post("/chat", s.handleChat)
		r.Post("/webhook/crm", s.handleWebhook)
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
