package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/vcam/internal/attach"
	"github.com/zsiec/vcam/internal/audio/otosink"
	"github.com/zsiec/vcam/internal/certs"
	"github.com/zsiec/vcam/internal/codec"
	"github.com/zsiec/vcam/internal/codec/avcodec"
	"github.com/zsiec/vcam/internal/config"
	"github.com/zsiec/vcam/internal/control"
	"github.com/zsiec/vcam/internal/delivery"
	"github.com/zsiec/vcam/internal/delivery/quicsink"
	"github.com/zsiec/vcam/internal/gpu/softgpu"
	"github.com/zsiec/vcam/internal/renderer"
	"github.com/zsiec/vcam/internal/source"
	"github.com/zsiec/vcam/internal/source/avsource"
)

var version = "dev"

func main() {
	configPath := flag.String("config", envOr("VCAM_CONFIG", ""), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	level := new(slog.LevelVar)
	level.Set(cfg.Log.SlogLevel())
	slog.SetDefault(slog.New(newHandler(cfg.Log.Format, level)))

	if err := run(cfg, level); err != nil {
		slog.Error("vcam failed", "error", err)
		os.Exit(1)
	}
}

func newHandler(format string, level *slog.LevelVar) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.FormatJSON {
		return slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.NewTextHandler(os.Stderr, opts)
}

func run(cfg *config.Config, level *slog.LevelVar) error {
	log := slog.Default()

	log.Info("generating self-signed certificate")
	cert, err := certs.Generate(certs.MaxValidity)
	if err != nil {
		return err
	}
	log.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	g, ctx := errgroup.WithContext(ctx)

	latest := delivery.NewLatest()
	sinks := []delivery.Sink{latest}

	if cfg.Output.File != "" {
		fs, err := delivery.NewFileSink(cfg.Output.File, log)
		if err != nil {
			return err
		}
		defer fs.Close()
		sinks = append(sinks, fs)
	}

	var ctrl *renderer.Controller
	var transport func() any
	if cfg.Output.QUICAddr != "" {
		qs, err := quicsink.Listen(quicsink.Config{
			Addr:    cfg.Output.QUICAddr,
			Cert:    cert,
			Session: func() string { return ctrl.SessionID() },
			Logger:  log,
		})
		if err != nil {
			return err
		}
		sinks = append(sinks, qs)
		transport = func() any { return qs.Stats() }
		g.Go(func() error { return qs.Serve(ctx) })
	}

	srcOpts := avsource.Options{Logger: log}
	ctrl = renderer.New(renderer.Options{
		Probe: func(ctx context.Context, loc source.Location) error {
			return avsource.Probe(ctx, loc, srcOpts)
		},
		Open: func(ctx context.Context, loc source.Location) (source.Source, error) {
			return avsource.Open(ctx, loc, srcOpts)
		},
		Decoders:      avcodec.NewFactory(log),
		AudioSink:     newAudioSink(cfg.Pipeline.Audio, log),
		GPU:           softgpu.NewDriver(softgpu.Options{}),
		Sink:          delivery.NewTee(sinks...),
		DoubleBuffer:  !cfg.Pipeline.SyncExtraction,
		QueueCapacity: cfg.Pipeline.QueueCapacity,
		Runtime:       attach.Nop{},
		LogLevel:      level,
		Logger:        log,
	})
	defer ctrl.Close()

	ctrl.SetAPILevel(cfg.Pipeline.APILevel)
	ctrl.SetConfig(!cfg.Pipeline.Mute, true)
	if cfg.Source.IsSet() {
		if err := ctrl.SetSource(ctx, cfg.Source.Location()); err != nil {
			log.Warn("configured source rejected", "error", err)
		}
	}

	api, err := control.New(control.Config{
		Addr:      cfg.API.Addr,
		Renderer:  ctrl,
		Cert:      cert,
		Latest:    latest,
		Transport: transport,
		QUICAddr:  cfg.Output.QUICAddr,
		Logger:    log,
	})
	if err != nil {
		return err
	}
	defer api.Close()

	log.Info("vcam starting",
		"version", version,
		"api", cfg.API.Addr,
		"quic", cfg.Output.QUICAddr,
		"double_buffer", !cfg.Pipeline.SyncExtraction,
		"cert_hash", cert.FingerprintBase64(),
	)

	g.Go(func() error { return api.ListenAndServe(ctx) })

	return g.Wait()
}

func newAudioSink(driver string, log *slog.Logger) codec.AudioSink {
	if driver == config.AudioNull {
		return &codec.NullSink{}
	}
	return otosink.New(log)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
