package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/dashboard/internal/backend"
	"github.com/ehr/dashboard/internal/config"
	"github.com/ehr/dashboard/internal/dashboard"
	"github.com/ehr/dashboard/internal/platform/auth"
	"github.com/ehr/dashboard/internal/platform/middleware"
	"github.com/ehr/dashboard/internal/platform/websocket"
)

const version = "0.1.0"

// HubPublisher adapts a websocket.EventPublisher to the
// dashboard.StatePublisher interface, keeping the dashboard package free of
// transport concerns.
type HubPublisher struct {
	hub    websocket.EventPublisher
	logger zerolog.Logger
}

func NewHubPublisher(hub websocket.EventPublisher, logger zerolog.Logger) *HubPublisher {
	return &HubPublisher{hub: hub, logger: logger}
}

// PublishState implements dashboard.StatePublisher.
func (p *HubPublisher) PublishState(ctx context.Context, sessionID string, st dashboard.State) {
	data, err := json.Marshal(dashboard.NewView(st))
	if err != nil {
		p.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to encode state")
		return
	}
	evt := websocket.Event{
		Type:      websocket.EventState,
		Topic:     websocket.SessionTopic(sessionID),
		Timestamp: st.UpdatedAt,
		Data:      data,
	}
	if err := p.hub.Publish(ctx, evt); err != nil {
		p.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to publish state")
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ehr-dashboard",
		Short:         "Dashboard and CLI for the EHR integration backend",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(patientCmd())
	rootCmd.AddCommand(hl7Cmd())
	rootCmd.AddCommand(callAPICmd())
	rootCmd.AddCommand(pingCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the dashboard web server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func newBackendClient(cfg *config.Config, logger zerolog.Logger) *backend.Client {
	return backend.NewClient(cfg.BackendURL,
		backend.WithAPIKey(cfg.BackendAPIKey),
		backend.WithTimeout(cfg.RequestTimeout),
		backend.WithLogger(logger),
	)
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Logger
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Session signing key
	key, err := cfg.SessionKey()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid session secret")
	}
	key, generated, err := auth.ResolveSessionKey(key)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to resolve session key")
	}
	if generated {
		logger.Warn().Msg("SESSION_SECRET not set, using an ephemeral key; sessions end on restart")
	}
	tokens := auth.NewSessionTokens(key, cfg.SessionTTL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Backend, live updates and sessions
	client := newBackendClient(cfg, logger)
	hub := websocket.NewHub(logger)
	svc := dashboard.NewService(client,
		dashboard.WithPublisher(NewHubPublisher(hub, logger)),
		dashboard.WithServiceLogger(logger),
	)
	store := dashboard.NewStore(cfg.SessionTTL)
	go store.Run(ctx, time.Minute)

	renderer, err := dashboard.NewRenderer()
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Renderer = renderer

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	if len(cfg.CORSOrigins) > 0 {
		e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost},
			AllowHeaders:     []string{echo.HeaderContentType, middleware.RequestIDHeader},
			AllowCredentials: true,
		}))
	}

	// Dashboard
	h := dashboard.NewHandler(svc, store, tokens, dashboard.HandlerConfig{
		BackendURL:   cfg.BackendURL,
		SecureCookie: cfg.IsProduction(),
		CookieTTL:    cfg.SessionTTL,
	})
	h.RegisterRoutes(e)
	e.StaticFS("/static", dashboard.StaticFS())

	wsHandler := websocket.NewHandler(hub, sessionTopic, initialState, cfg.CORSOrigins, logger)
	e.GET("/ws", wsHandler.HandleConnect, h.WithSession)

	// Health check
	e.GET("/health", healthHandler(client))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("backend", cfg.BackendURL).Msg("starting dashboard")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func sessionTopic(c echo.Context) (string, error) {
	sess := dashboard.SessionFromContext(c)
	if sess == nil {
		return "", fmt.Errorf("no dashboard session")
	}
	return websocket.SessionTopic(sess.ID), nil
}

// initialState sends the current state so a reconnecting page catches up.
func initialState(c echo.Context, topic string) (websocket.Event, bool) {
	sess := dashboard.SessionFromContext(c)
	if sess == nil {
		return websocket.Event{}, false
	}
	st := sess.Snapshot()
	data, err := json.Marshal(dashboard.NewView(st))
	if err != nil {
		return websocket.Event{}, false
	}
	return websocket.Event{
		Type:      websocket.EventState,
		Topic:     topic,
		Timestamp: st.UpdatedAt,
		Data:      data,
	}, true
}

// pinger is the part of the backend client the health check needs.
type pinger interface {
	Ping(ctx context.Context) (json.RawMessage, error)
}

func healthHandler(client pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
		defer cancel()

		if _, err := client.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status":  "degraded",
				"version": version,
				"backend": "unreachable",
				"error":   err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
			"backend": "ok",
		})
	}
}
