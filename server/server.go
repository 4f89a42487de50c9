// Package server exposes the handbook assistant over HTTP and WebSocket.
package server

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"go.uber.org/zap"

	"github.com/xhad/handbookqa/internal/logging"
	"github.com/xhad/handbookqa/internal/models"
	"github.com/xhad/handbookqa/pkg/chat"
	"github.com/xhad/handbookqa/pkg/rag"
)

type Config struct {
	Addr string
	// MaxTopK caps the per-request top_k override.
	MaxTopK         int
	ShutdownTimeout time.Duration
}

type Server struct {
	answerer chat.Answerer
	catalog  *models.Catalog
	config   Config
	logger   *zap.Logger
	markdown goldmark.Markdown
	echo     *echo.Echo
}

func New(answerer chat.Answerer, catalog *models.Catalog, config Config, logger *zap.Logger) *Server {
	if config.Addr == "" {
		config.Addr = ":8080"
	}
	if config.MaxTopK <= 0 {
		config.MaxTopK = 50
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		answerer: answerer,
		catalog:  catalog,
		config:   config,
		logger:   logging.OrNop(logger),
		markdown: goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Info("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency))
			return nil
		},
	}))

	e.GET("/health", s.health)
	e.GET("/ws", s.handleWebSocket)
	api := e.Group("/api")
	api.GET("/courses", s.courses)
	api.POST("/ask", s.ask)

	s.echo = e
	return s
}

func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", zap.String("addr", s.config.Addr))
		errCh <- s.echo.Start(s.config.Addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

func (s *Server) courses(c echo.Context) error {
	return c.JSON(http.StatusOK, s.catalog.Courses())
}

type askRequest struct {
	Message      string        `json:"message"`
	History      []models.Turn `json:"history"`
	Course       string        `json:"course"`
	TopK         int           `json:"top_k"`
	WithContexts bool          `json:"with_contexts"`
}

type answerPayload struct {
	*rag.Answer
	HTML string `json:"answer_html"`
}

func (s *Server) ask(c echo.Context) error {
	var in askRequest
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid json"})
	}
	if strings.TrimSpace(in.Message) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "message is required"})
	}
	if !s.catalog.Has(in.Course) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unknown course", "courses": s.catalog.Names()})
	}
	if in.TopK < 0 || in.TopK > s.config.MaxTopK {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "top_k out of range"})
	}

	answer, err := s.answerer.Answer(c.Request().Context(), rag.Request{
		Message:      in.Message,
		History:      in.History,
		Course:       in.Course,
		TopK:         in.TopK,
		WithContexts: in.WithContexts,
	})
	if err != nil {
		s.logger.Error("failed to answer", zap.String("course", in.Course), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": chat.ErrorMessage})
	}
	return c.JSON(http.StatusOK, s.payload(answer))
}

func (s *Server) payload(answer *rag.Answer) answerPayload {
	return answerPayload{Answer: answer, HTML: s.renderMarkdown(answer.Text)}
}

func (s *Server) renderMarkdown(text string) string {
	var buf bytes.Buffer
	if err := s.markdown.Convert([]byte(text), &buf); err != nil {
		s.logger.Warn("failed to render markdown", zap.Error(err))
		return ""
	}
	return buf.String()
}
