package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	appconfig "github.com/murmur-ai/voice-gateway/internal/config"
	"github.com/murmur-ai/voice-gateway/internal/gemini"
	apphttp "github.com/murmur-ai/voice-gateway/internal/http"
	applogger "github.com/murmur-ai/voice-gateway/internal/logger"
	"github.com/murmur-ai/voice-gateway/internal/session"
	"github.com/murmur-ai/voice-gateway/internal/tools"
	"github.com/murmur-ai/voice-gateway/internal/ws"
)

// Server is the assembled gateway: config, logger, registries, the upstream
// proxy and the HTTP surface.
type Server struct {
	cfg      appconfig.Config
	logger   *zap.Logger
	sessions *session.Registry
	server   *http.Server
}

// New loads configuration and wires all components. The returned server is
// ready to Run.
func New(configPath string) (*Server, error) {
	cfg, err := appconfig.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load gateway config: %w", err)
	}

	logger, err := applogger.New(cfg.Log)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	logger.Info("gateway logger configured",
		zap.String("level", cfg.Log.Level),
		zap.Bool("stdout", cfg.Log.Stdout),
		zap.Bool("file_enabled", cfg.Log.File.Enabled),
	)
	logger.Info("gateway config loaded",
		zap.String("config_path", configPath),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("model", cfg.GeminiModel),
		zap.Duration("session_ttl", cfg.SessionTTL),
	)
	if cfg.GeminiAPIKey == "" {
		logger.Warn("gemini api key not configured; upstream connects will fail")
	}

	sessions := session.NewRegistry(logger, cfg.SessionTTL, cfg.SweepInterval, cfg.MemoryLimit)

	toolbox := tools.NewRegistry(logger)
	tools.RegisterBuiltins(toolbox)

	proxy := gemini.NewProxy(gemini.Config{
		APIKey:            cfg.GeminiAPIKey,
		Model:             cfg.GeminiModel,
		Endpoint:          cfg.GeminiEndpoint,
		SystemInstruction: cfg.SystemInstruction,
	}, sessions, toolbox, logger)

	wsHandler := ws.NewHandler(logger, sessions, proxy)
	router := apphttp.NewRouter(logger, sessions, toolbox, wsHandler)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	return &Server{
		cfg:      cfg,
		logger:   logger,
		sessions: sessions,
		server:   httpServer,
	}, nil
}

// Run starts the session janitor and serves HTTP until Shutdown.
func (s *Server) Run() error {
	if s == nil || s.server == nil {
		return nil
	}

	s.sessions.StartJanitor()

	s.logger.Info("starting http server", zap.String("addr", s.cfg.HTTPAddr))
	err := s.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr reports the configured listen address.
func (s *Server) Addr() string {
	if s == nil || s.server == nil {
		return ""
	}
	return s.server.Addr
}

// Logger exposes the process logger for the entrypoint.
func (s *Server) Logger() *zap.Logger {
	if s == nil {
		return zap.NewNop()
	}
	return s.logger
}

// Shutdown drains in-flight HTTP requests, then stops the janitor and closes
// every live upstream handle.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.server == nil {
		return nil
	}
	err := ignoreServerClosed(s.server.Shutdown(ctx))
	s.sessions.Close()
	return err
}

func ignoreServerClosed(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
