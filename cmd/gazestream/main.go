// Package main implements the gazestream binary. It connects to a Gazepoint
// Open Gaze server, enables its data outputs and streams every record as a
// multi-channel sample to the configured outputs.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/gazestream/bridge"
	"github.com/c360/gazestream/config"
	"github.com/c360/gazestream/health"
	"github.com/c360/gazestream/metric"
	"github.com/c360/gazestream/natsclient"
	"github.com/c360/gazestream/opengaze"
	"github.com/c360/gazestream/output/file"
	"github.com/c360/gazestream/output/mebo"
	"github.com/c360/gazestream/output/multi"
	"github.com/c360/gazestream/output/natssink"
	"github.com/c360/gazestream/output/websocket"
	"github.com/c360/gazestream/sample"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "gazestream"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cli, err := parseFlags(args, os.Stderr)
	if err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cli); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cli.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(os.Stdout, cli.LogLevel, cli.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cli.ConfigPath)
	if err != nil {
		return err
	}

	if cli.PrintChannels {
		return printChannels(os.Stdout, cfg)
	}
	if cli.Validate {
		logger.Info("Configuration is valid", "config_path", cli.ConfigPath)
		return nil
	}

	logger.Info("Starting gazestream",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cli.ConfigPath,
		"tracker", cfg.Tracker.Address)
	logger.Debug("Effective configuration", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, cli.ShutdownTimeout, logger)
}

// loadConfig layers the optional file over the defaults and environment.
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	loader.EnableValidation(true)
	if path != "" {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func printChannels(w io.Writer, cfg *config.Config) error {
	desc, err := cfg.Descriptor()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "INDEX\tLABEL\tUNIT\tTYPE")
	for i, ch := range desc.Channels() {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i, ch.Name, ch.Unit, ch.Type)
	}
	return tw.Flush()
}

// serve connects everything and blocks until the stream ends or ctx is done.
func serve(ctx context.Context, cfg *config.Config, shutdownTimeout time.Duration, logger *slog.Logger) error {
	var registry *metric.MetricsRegistry
	if cfg.Metrics.Enabled {
		registry = metric.NewMetricsRegistry()
	}
	monitor := health.NewMonitor(appName)

	var natsClient *natsclient.Client
	if cfg.Outputs.NATS.Enabled {
		var err error
		natsClient, err = connectNATS(ctx, cfg, logger, registry)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := natsClient.Close(closeCtx); err != nil {
				logger.Warn("NATS close failed", "error", err)
			}
		}()
		monitor.Register("nats", natsClient.Health)
	}

	entries, err := buildSinks(cfg, natsClient, logger, registry)
	if err != nil {
		return err
	}
	sink, err := multi.New(logger, entries...)
	if err != nil {
		return err
	}

	desc, err := cfg.Descriptor()
	if err != nil {
		return err
	}
	info, err := cfg.StreamInfo()
	if err != nil {
		return err
	}

	session, err := opengaze.Connect(ctx, cfg.Session(), logger.With("component", "opengaze"))
	if err != nil {
		return fmt.Errorf("connect to tracker: %w", err)
	}

	b, err := bridge.New(bridge.Deps{
		Source:          session,
		Sink:            sink,
		Decoder:         decoderFor(cfg, desc),
		Mapper:          sample.NewMapper(desc),
		StreamInfo:      info,
		AcceptTags:      cfg.Stream.AcceptTags,
		EchoSamples:     cfg.Stream.Echo,
		Logger:          logger,
		MetricsRegistry: registry,
	})
	if err != nil {
		_ = session.Close()
		return err
	}
	monitor.Register("bridge", b.Health)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		// the metrics server has nothing to serve once the stream ends
		defer cancel()
		return b.Run(gctx)
	})
	if registry != nil {
		srv := metric.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, registry, monitor.Check)
		g.Go(func() error { return srv.Run(gctx) })
		logger.Info("Metrics server enabled", "addr", cfg.Metrics.Addr, "path", cfg.Metrics.Path)
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return finish(b, logger, err)
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	}

	select {
	case err := <-done:
		return finish(b, logger, err)
	case <-time.After(shutdownTimeout):
		return fmt.Errorf("graceful shutdown timed out after %s", shutdownTimeout)
	}
}

func finish(b *bridge.Bridge, logger *slog.Logger, err error) error {
	st := b.Stats()
	logger.Info("gazestream stopped",
		"records", st.RecordsRead,
		"samples", st.SamplesPublished,
		"skipped", st.RecordsSkipped,
		"malformed_fields", st.FieldsMalformed)
	return err
}

func connectNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger, registry *metric.MetricsRegistry) (*natsclient.Client, error) {
	opts := append(cfg.NATSClientOptions(),
		natsclient.WithLogger(logger),
		natsclient.WithMetrics(registry))
	client, err := natsclient.NewClient(cfg.NATSURL(), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return client, nil
}

// buildSinks creates every enabled output. The NATS output needs a
// connected client.
func buildSinks(
	cfg *config.Config,
	natsClient *natsclient.Client,
	logger *slog.Logger,
	registry *metric.MetricsRegistry,
) ([]multi.Entry, error) {
	var entries []multi.Entry
	o := cfg.Outputs

	if o.NATS.Enabled {
		if natsClient == nil {
			return nil, fmt.Errorf("nats output enabled without a NATS connection")
		}
		s, err := natssink.New(cfg.NATSSink(), natsClient, logger, registry)
		if err != nil {
			return nil, fmt.Errorf("create nats output: %w", err)
		}
		entries = append(entries, multi.Entry{Name: "nats", Sink: s, Optional: o.NATS.Optional})
	}
	if o.File.Enabled {
		s, err := file.NewOutput(cfg.FileOutput(), logger, registry)
		if err != nil {
			return nil, fmt.Errorf("create file output: %w", err)
		}
		entries = append(entries, multi.Entry{Name: "file", Sink: s, Optional: o.File.Optional})
	}
	if o.Mebo.Enabled {
		s, err := mebo.New(cfg.MeboOutput(), logger, registry)
		if err != nil {
			return nil, fmt.Errorf("create mebo output: %w", err)
		}
		entries = append(entries, multi.Entry{Name: "mebo", Sink: s, Optional: o.Mebo.Optional})
	}
	if o.WebSocket.Enabled {
		s, err := websocket.NewOutput(cfg.WebSocketOutput(), logger, registry)
		if err != nil {
			return nil, fmt.Errorf("create websocket output: %w", err)
		}
		entries = append(entries, multi.Entry{Name: "websocket", Sink: s, Optional: o.WebSocket.Optional})
	}
	return entries, nil
}

// decoderFor decodes the full field catalogue for the default layout, or
// the timestamp plus the configured channels otherwise.
func decoderFor(cfg *config.Config, desc *sample.Descriptor) *opengaze.Decoder {
	if len(cfg.Stream.Channels) == 0 {
		return opengaze.NewDecoder()
	}
	return opengaze.NewDecoder(append([]string{sample.TimestampField}, desc.Names()...)...)
}
