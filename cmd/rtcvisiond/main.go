// Command rtcvisiond runs the real-time video detection session server: it
// accepts WebRTC offers over HTTP, runs per-session detection stages, and
// fans detection and metrics events out over WebSocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	goredis "github.com/redis/go-redis/v9"

	"github.com/rtcvision/rtcvision/broker"
	"github.com/rtcvision/rtcvision/broker/memory"
	"github.com/rtcvision/rtcvision/broker/redis"
	"github.com/rtcvision/rtcvision/detect"
	"github.com/rtcvision/rtcvision/detect/remote"
	"github.com/rtcvision/rtcvision/events"
	"github.com/rtcvision/rtcvision/internal/logctx"
	"github.com/rtcvision/rtcvision/pipeline"
	"github.com/rtcvision/rtcvision/rtc"
	"github.com/rtcvision/rtcvision/sessions"
	"github.com/rtcvision/rtcvision/signaling"
)

// Config is populated from the environment via envdecode; defaults mirror a
// single-node development deployment.
type Config struct {
	// Addr is the HTTP listen address. ENV: ADDR
	Addr string `env:"ADDR,default=:5000"`
	// ModeDefault is the processing mode used when an offer names none.
	ModeDefault string `env:"MODE_DEFAULT,default=server"`
	// STUNURLs configures the ICE servers handed to peer sessions.
	// ENV: STUN_URLS (semicolon-separated)
	STUNURLs []string `env:"STUN_URLS,default=stun:stun.l.google.com:19302"`
	// NegotiationTimeout bounds the offer/answer exchange.
	NegotiationTimeout time.Duration `env:"NEGOTIATION_TIMEOUT,default=10s"`
	// MetricsWindow is the per-session rolling latency window size.
	MetricsWindow int `env:"METRICS_WINDOW,default=120"`

	// InferenceURL points at the external inference service. Empty disables
	// server-side detection; sessions fall back to client-assisted mode.
	InferenceURL string `env:"INFERENCE_URL"`
	// InferenceTimeout bounds one inference round trip.
	InferenceTimeout time.Duration `env:"INFERENCE_TIMEOUT,default=2s"`
	// ModelPath, when set, is watched for changes; the inference client is
	// rebuilt when the artifact is replaced.
	ModelPath string `env:"MODEL_PATH"`

	// Broker selects the event fan-out backend: memory or redis.
	Broker string `env:"BROKER,default=memory"`
	// RedisAddr is used when Broker is redis.
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`

	// LogLevel is debug, info, warn, or error.
	LogLevel string `env:"LOG_LEVEL,default=info"`
	// LogFormat is json or text.
	LogFormat string `env:"LOG_FORMAT,default=json"`
}

func newLogger(cfg Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var inner slog.Handler
	if cfg.LogFormat == "text" {
		inner = slog.NewTextHandler(os.Stderr, opts)
	} else {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(logctx.Handler{Handler: inner})
}

func newBroker(cfg Config) (broker.Broker, func() error, error) {
	switch cfg.Broker {
	case "", "memory":
		return memory.New(), func() error { return nil }, nil
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		b := redis.New(redis.Config{Client: client})
		return b, b.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown broker backend %q", cfg.Broker)
	}
}

// newDetector builds the inference capability. Returns nil when no inference
// service is configured; the controller then forces client-assisted mode.
func newDetector(ctx context.Context, cfg Config, log *slog.Logger) (detect.Detector, error) {
	if cfg.InferenceURL == "" {
		return nil, nil
	}

	build := func(string) (detect.Detector, error) {
		return remote.New(cfg.InferenceURL, remote.WithTimeout(cfg.InferenceTimeout))
	}

	client, err := build("")
	if err != nil {
		return nil, fmt.Errorf("inference client: %w", err)
	}

	if cfg.ModelPath == "" {
		return client, nil
	}

	swappable := detect.NewSwappable(client)
	if err := detect.WatchModel(ctx, swappable, cfg.ModelPath, build, log); err != nil {
		return nil, fmt.Errorf("model watch: %w", err)
	}
	return swappable, nil
}

func run(ctx context.Context) error {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("config: %w", err)
	}

	log := newLogger(cfg)
	slog.SetDefault(log)

	b, closeBroker, err := newBroker(cfg)
	if err != nil {
		return err
	}
	defer closeBroker()

	detector, err := newDetector(ctx, cfg, log)
	if err != nil {
		return err
	}
	if detector == nil {
		log.Info("no inference service configured, sessions run client-assisted")
	}

	registry := sessions.NewRegistry(cfg.MetricsWindow)
	controller, err := signaling.NewController(signaling.ControllerConfig{
		Registry:           registry,
		Peers:              rtc.NewFactory(cfg.STUNURLs),
		Broker:             b,
		Detector:           detector,
		NegotiationTimeout: cfg.NegotiationTimeout,
		Logger:             log,
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", signaling.NewHandler(controller,
		signaling.WithLogger(log),
		signaling.WithDefaultMode(pipeline.ParseMode(cfg.ModeDefault)),
	))
	mux.Handle("GET /api/events", events.NewHandler(b, events.WithLogger(log)))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", slog.String("addr", cfg.Addr), slog.String("broker", cfg.Broker))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("fatal", slog.String("err", err.Error()))
		os.Exit(1)
	}
}
