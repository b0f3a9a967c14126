// Package httpserver exposes the bridge's small HTTP control plane: health,
// room tokens for clients, and a view of live sessions.
package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/harunnryd/voxbridge/pkg/logging"
	"github.com/harunnryd/voxbridge/pkg/store"
)

// Sessions is the registry view served on /sessions.
type Sessions interface {
	Count() int64
	Keys() []string
}

// Transcripts reads stored turns. *store.Store satisfies it.
type Transcripts interface {
	Transcript(ctx context.Context, session string) ([]store.Turn, error)
}

// TokenIssuer mints a room-join token. livekit.Token satisfies it once the
// API key, secret and TTL are bound.
type TokenIssuer func(room, identity string) (string, error)

type Config struct {
	Addr string
	// RoomURL is returned with every token so clients know where to connect.
	RoomURL string
	Logger  *slog.Logger
}

type Deps struct {
	Health      func() error
	Sessions    Sessions
	Transcripts Transcripts
	Token       TokenIssuer
}

type Server struct {
	cfg  Config
	deps Deps
	echo *echo.Echo
	log  *slog.Logger
}

// New builds the router. Nil deps disable the matching endpoint.
func New(cfg Config, deps Deps) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	log := logging.NewComponentLogger(cfg.Logger, "http")
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURIPath: true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug("http_request",
				slog.String("method", v.Method),
				slog.String("path", v.URIPath),
				slog.Int("status", v.Status),
				slog.Int64("latency_ms", v.Latency.Milliseconds()))
			return nil
		},
	}))

	s := &Server{cfg: cfg, deps: deps, echo: e, log: log}
	e.GET("/healthz", s.healthz)
	if deps.Token != nil {
		e.GET("/token", s.token)
	}
	if deps.Sessions != nil {
		e.GET("/sessions", s.sessions)
	}
	if deps.Transcripts != nil {
		e.GET("/sessions/transcript", s.transcript)
	}
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until ctx ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http_listening", slog.String("addr", s.cfg.Addr))
		if err := s.echo.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

func (s *Server) healthz(c echo.Context) error {
	if s.deps.Health != nil {
		if err := s.deps.Health(); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type tokenResponse struct {
	Token    string `json:"token"`
	URL      string `json:"url,omitempty"`
	Room     string `json:"room"`
	Identity string `json:"identity"`
}

func (s *Server) token(c echo.Context) error {
	identity := c.QueryParam("identity")
	if identity == "" {
		identity = "You"
	}
	room := c.QueryParam("room")
	if room == "" {
		room = "my-room"
	}
	tok, err := s.deps.Token(room, identity)
	if err != nil {
		s.log.Error("token_failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "token unavailable")
	}
	return c.JSON(http.StatusOK, tokenResponse{Token: tok, URL: s.cfg.RoomURL, Room: room, Identity: identity})
}

type sessionsResponse struct {
	Count    int64    `json:"count"`
	Sessions []string `json:"sessions"`
}

func (s *Server) sessions(c echo.Context) error {
	keys := s.deps.Sessions.Keys()
	if keys == nil {
		keys = []string{}
	}
	return c.JSON(http.StatusOK, sessionsResponse{Count: s.deps.Sessions.Count(), Sessions: keys})
}

type turnView struct {
	Seq      uint64 `json:"seq"`
	Role     string `json:"role"`
	Text     string `json:"text"`
	HadImage bool   `json:"had_image"`
	Mode     string `json:"mode"`
	At       string `json:"at"`
}

func (s *Server) transcript(c echo.Context) error {
	key := c.QueryParam("session")
	if key == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session is required")
	}
	turns, err := s.deps.Transcripts.Transcript(c.Request().Context(), key)
	if err != nil {
		s.log.Error("transcript_read_failed", slog.String("session", key), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "transcript unavailable")
	}
	out := make([]turnView, 0, len(turns))
	for _, t := range turns {
		out = append(out, turnView{
			Seq:      t.Seq,
			Role:     t.Role,
			Text:     t.Text,
			HadImage: t.HadImage,
			Mode:     t.Mode,
			At:       t.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return c.JSON(http.StatusOK, out)
}
