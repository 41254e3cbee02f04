package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/fx"

	"outbound-relay-go/internal/client"
	"outbound-relay-go/internal/config"
	"outbound-relay-go/internal/handler"
	"outbound-relay-go/internal/janitor"
	"outbound-relay-go/internal/metrics"
	"outbound-relay-go/internal/pipeline"
	"outbound-relay-go/internal/server"
	"outbound-relay-go/internal/service"
	"outbound-relay-go/internal/transport"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cli struct {
	config.CLI `kong:"embed"`

	Version kong.VersionFlag `kong:"help='Print version and exit.'"`

	Serve serveCmd `kong:"cmd,default='1',help='Run the relay server (default).'"`
	Send  sendCmd  `kong:"cmd,help='Send one request through the outbound pipeline and print the response.'"`
}

type serveCmd struct{}

func (serveCmd) Run(globals *config.CLI) error {
	fx.New(
		fx.Provide(
			func() *config.CLI { return globals },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newMetrics,
			newTracerProvider,
			fx.Annotate(transport.NewHTTP, fx.As(new(pipeline.Transport))),
			client.New,
			service.NewRelayService,
			handler.NewRelayHandler,
			handler.NewHealthHandler,
			handler.NewCacheHandler,
			server.New,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startJanitor, startServer),
	).Run()
	return nil
}

func main() {
	var c cli
	ctx := kong.Parse(&c,
		kong.Name("outbound-relay"),
		kong.Description("Relay that sends outbound HTTP calls through an auth, rate limit, cache, retry and timeout pipeline."),
		kong.UsageOnError(),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)
	ctx.FatalIfErrorf(ctx.Run(&c.CLI))
}

func newLogger(cfg *config.Config) *slog.Logger {
	return buildLogger(cfg, os.Stdout)
}

func buildLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		h = slog.NewJSONHandler(w, opts)
	}

	return slog.New(h)
}

// newMetrics returns nil when metrics are disabled; every consumer accepts nil.
func newMetrics(cfg *config.Config) *metrics.Metrics {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return metrics.New()
}

// newTracerProvider installs an SDK tracer provider when tracing is enabled.
// Spans are sampled and their context propagated upstream as traceparent.
func newTracerProvider(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) trace.TracerProvider {
	if !cfg.Tracing.Enabled {
		return noop.NewTracerProvider()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.Tracing.ServiceName),
			attribute.String("service.version", version),
		)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Tracing.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	logger.Info("tracing enabled", "service", cfg.Tracing.ServiceName, "sample_ratio", cfg.Tracing.SampleRatio)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tp.Shutdown(ctx)
		},
	})
	return tp
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

// startJanitor schedules sweeps of expired cache entries when caching is on.
func startJanitor(lc fx.Lifecycle, c *client.Client, cfg *config.Config, logger *slog.Logger) error {
	rc := c.Cache()
	sched := cfg.Pipeline.Cache.PurgeSchedule
	if rc == nil || sched == "" || sched == config.PurgeOff {
		return nil
	}
	j, err := janitor.New(rc, sched, logger)
	if err != nil {
		return err
	}
	lc.Append(fx.StartStopHook(j.Start, j.Stop))
	return nil
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "upstream", cfg.Upstream.BaseURL)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
