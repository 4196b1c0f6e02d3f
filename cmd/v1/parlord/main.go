package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/parlorlabs/parlor/internal/v1/config"
	"github.com/parlorlabs/parlor/internal/v1/health"
	"github.com/parlorlabs/parlor/internal/v1/hub"
	"github.com/parlorlabs/parlor/internal/v1/logging"
	"github.com/parlorlabs/parlor/internal/v1/middleware"
	"github.com/parlorlabs/parlor/internal/v1/push"
	"github.com/parlorlabs/parlor/internal/v1/ratelimit"
	"github.com/parlorlabs/parlor/internal/v1/tracing"
	"github.com/parlorlabs/parlor/internal/v1/turn"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "environment validation failed: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.GoEnv == "development"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	ctx := context.Background()

	// --- Optional OTLP Tracing ---
	tp, err := tracing.InitTracer(ctx, "parlor")
	if err != nil {
		logging.Error(ctx, "Failed to initialize tracing, continuing without it", zap.Error(err))
	}

	// --- TURN / ICE ---
	ice := turn.NewProvider(cfg.TURNURLs, cfg.TURNSecret, cfg.TURNUsernameTTL)
	if cfg.TURNEnabled() {
		logging.Info(ctx, "TURN relay configured", zap.Strings("urls", cfg.TURNURLs))
	} else {
		logging.Info(ctx, "No TURN relay configured, clients get STUN only")
	}

	// --- Web Push (Optional) ---
	var sink push.Sink = push.Disabled{}
	if cfg.PushEnabled() {
		sink = push.NewWebPush(cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.VAPIDSubject)
		logging.Info(ctx, "Web push enabled", zap.String("subject", cfg.VAPIDSubject))
	} else {
		logging.Info(ctx, "Web push disabled (no VAPID keys)")
	}

	// --- Signaling Hub ---
	gate := ratelimit.NewFrameGate()
	h := hub.New(gate, sink, ice, cfg.TLSEnabled(), cfg.RelayPortsTotal())

	// --- Set up Server ---
	if cfg.GoEnv != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if tp != nil {
		router.Use(otelgin.Middleware("parlor"))
	}

	// Routing
	router.GET("/ws", h.ServeWS)
	router.GET("/healthz", health.Healthz)

	checks := map[string]health.Probe{}
	if wp, ok := sink.(*push.WebPush); ok {
		checks["push"] = func(context.Context) string {
			if wp.Healthy() {
				return "healthy"
			}
			return "unhealthy"
		}
	}
	healthHandler := health.NewHandler(checks)
	router.GET("/readyz", healthHandler.Readiness)

	// REST endpoints get CORS and a per-IP limiter; the WebSocket and
	// probe endpoints do not need either.
	corsCfg := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}
	limit, err := ratelimit.NewMiddleware("60-M")
	if err != nil {
		logging.Fatal(ctx, "Failed to build rate limit middleware", zap.Error(err))
	}
	rest := router.Group("/", cors.New(corsCfg), limit)
	{
		rest.GET("/turn", turn.Handler(ice))
		rest.GET("/api/push/public-key", push.PublicKeyHandler(sink))
	}

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Static assets, when configured, behind everything else.
	if cfg.PublicDir != "" {
		router.NoRoute(gin.WrapH(http.FileServer(gin.Dir(cfg.PublicDir, false))))
	}

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: router,
	}

	// Bind explicitly so the startup line is only written once the
	// listener is actually up.
	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		logging.Fatal(ctx, "Failed to bind", zap.String("addr", cfg.Addr()), zap.Error(err))
	}
	appendStartupLog(cfg)

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		scheme := "http"
		if cfg.TLSEnabled() {
			scheme = "https"
		}
		logging.Info(ctx, "Signaling server started",
			zap.String("addr", cfg.Addr()),
			zap.String("scheme", scheme))

		var serveErr error
		if cfg.TLSEnabled() {
			serveErr = srv.ServeTLS(ln, cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			serveErr = srv.Serve(ln)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			logging.Error(ctx, "Server failed", zap.Error(serveErr))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down server...")

	// The context gives in-flight sessions and requests 30 seconds to
	// wind down.
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Close all sessions gracefully before stopping the HTTP listener.
	if err := h.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Error during hub shutdown", zap.Error(err))
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Server forced to shutdown", zap.Error(err))
	}

	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logging.Error(ctx, "Error shutting down tracer provider", zap.Error(err))
		}
	}

	logging.Info(ctx, "Server exiting")
}

// appendStartupLog appends one line to the STARTUP_LOG file, when
// configured. Failures are logged and otherwise ignored; a broken audit
// file must not stop the service.
func appendStartupLog(cfg *config.Config) {
	if cfg.StartupLog == "" {
		return
	}

	f, err := os.OpenFile(cfg.StartupLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logging.Warn(context.Background(), "Failed to open startup log", zap.Error(err))
		return
	}
	defer func() { _ = f.Close() }()

	line := fmt.Sprintf("parlord started %s addr=%s\n", time.Now().UTC().Format(time.RFC3339), cfg.Addr())
	if _, err := f.WriteString(line); err != nil {
		logging.Warn(context.Background(), "Failed to write startup log", zap.Error(err))
	}
}
