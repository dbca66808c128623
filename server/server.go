// Package server exposes the engine's External Interfaces (spec.md §6) over
// HTTP: the Telegram webhook ingest point, the media upload/retrieval pair
// used by the upstream workflow to fetch voice/photo bytes, liveness, and
// Prometheus exposition. Structured after the teacher's own echo services
// (server/router/frontend), generalized from static-asset serving to a
// small JSON/multipart API surface.
package server

import (
	"context"
	"crypto/subtle"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hrygo/nikabridge/internal/config"
	"github.com/hrygo/nikabridge/internal/metrics"
)

// UpdateHandler accepts one decoded Telegram update. Both the webhook bot
// and a future non-Telegram transport could implement this.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, update tgbotapi.Update)
}

// Server wires the echo router to the engine's transport and metrics.
type Server struct {
	Config  *config.Config
	Metrics *metrics.Registry
	Telegram UpdateHandler // nil when running userbot-only

	echo *echo.Echo
}

// New builds the echo instance and registers all routes, but does not
// start listening.
func New(cfg *config.Config, reg *metrics.Registry, tgHandler UpdateHandler) *Server {
	s := &Server{Config: cfg, Metrics: reg, Telegram: tgHandler}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger())

	e.GET("/", s.handleRoot)
	e.GET("/healthz", s.handleHealthz)
	e.GET("/metrics", echo.WrapHandler(reg.Handler()))
	e.POST("/tg/webhook", s.handleTelegramWebhook)
	e.POST("/upload", s.handleUpload)
	e.GET("/files/:filename", s.handleGetFile)

	s.echo = e
	return s
}

// Start blocks serving on Config.Addr:Config.Port until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := s.Config.Addr + ":" + strconv.Itoa(s.Config.Port)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server: listening", "addr", addr)
		errCh <- s.echo.Start(addr)
	}()
	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleRoot(c echo.Context) error {
	return c.Redirect(http.StatusFound, "/healthz")
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// handleTelegramWebhook ingests one Telegram Update, per spec.md §6: bad
// secret -> 403, no webhook transport configured -> 503, undecodable body
// -> 400, otherwise hand off and reply 200.
func (s *Server) handleTelegramWebhook(c echo.Context) error {
	secret := c.QueryParam("secret")
	if subtle.ConstantTimeCompare([]byte(secret), []byte(s.Config.WebhookSecret)) != 1 {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "invalid webhook secret"})
	}
	if s.Telegram == nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "webhook transport not configured"})
	}

	var update tgbotapi.Update
	if err := c.Bind(&update); err != nil {
		slog.Warn("server: webhook decode failed", "err", err)
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid update payload"})
	}

	s.Telegram.HandleUpdate(c.Request().Context(), update)
	return c.JSON(http.StatusOK, echo.Map{"ok": true})
}

// handleUpload persists one multipart file under a UUID filename and
// returns the URL the upstream workflow can use to fetch it back, per
// spec.md §6 and the Python original's upload_bytes contract.
func (s *Server) handleUpload(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "missing multipart field \"file\""})
	}

	src, err := fh.Open()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not open upload"})
	}
	defer src.Close()

	if err := os.MkdirAll(s.Config.UploadDir, 0o755); err != nil {
		slog.Error("server: upload dir create failed", "dir", s.Config.UploadDir, "err", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "storage unavailable"})
	}

	mimeType := fh.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	filename := uuid.NewString() + filepath.Ext(fh.Filename)

	dst, err := os.Create(filepath.Join(s.Config.UploadDir, filename))
	if err != nil {
		slog.Error("server: upload file create failed", "filename", filename, "err", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "storage unavailable"})
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		slog.Error("server: upload write failed", "filename", filename, "err", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "storage write failed"})
	}

	url := strings.TrimRight(s.Config.PublicBaseURL, "/") + "/files/" + filename
	return c.JSON(http.StatusOK, echo.Map{
		"url":       url,
		"filename":  filename,
		"mime_type": mimeType,
	})
}

// handleGetFile serves back bytes stored by handleUpload. filename is a
// bare UUID(+ext) component; path traversal is rejected by construction
// since filepath.Base strips any directory component.
func (s *Server) handleGetFile(c echo.Context) error {
	filename := filepath.Base(c.Param("filename"))
	path := filepath.Join(s.Config.UploadDir, filename)
	if _, err := os.Stat(path); err != nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not found"})
	}
	return c.File(path)
}
