// Command echogate is the main entry point for the echogate audio gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/loftwall/echogate/internal/bus"
	"github.com/loftwall/echogate/internal/config"
	"github.com/loftwall/echogate/internal/gateway"
	"github.com/loftwall/echogate/internal/health"
	"github.com/loftwall/echogate/internal/observe"
	"github.com/loftwall/echogate/pkg/speech"
	vadremote "github.com/loftwall/echogate/pkg/vad/remote"
	wakeremote "github.com/loftwall/echogate/pkg/wake/remote"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "echogate: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "echogate: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("echogate starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"broker", cfg.Broker.BrokerURL(),
		"input_topic", cfg.Broker.EffectiveInputTopic(),
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "echogate"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Message bus ───────────────────────────────────────────────────────────
	mqttOpts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker.BrokerURL()).
		SetClientID(cfg.Broker.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)
	router := bus.New(mqtt.NewClient(mqttOpts), cfg.Broker.BroadcastTopic, logger)
	if err := router.Start(ctx); err != nil {
		slog.Error("failed to connect to broker", "err", err)
		return 1
	}
	defer router.Stop(250)

	// ── Speech and model clients ──────────────────────────────────────────────
	speechTimeout := time.Duration(cfg.Speech.TimeoutSeconds * float64(time.Second))
	transcriber, err := speech.NewTranscriber(cfg.Speech.TranscriptionURL,
		speech.WithToken(cfg.Speech.TranscriptionToken),
		speech.WithTimeout(speechTimeout),
	)
	if err != nil {
		slog.Error("failed to create transcriber", "err", err)
		return 1
	}
	synthesizer, err := speech.NewSynthesizer(cfg.Speech.SynthesisURL,
		speech.WithToken(cfg.Speech.SynthesisToken),
		speech.WithTimeout(speechTimeout),
	)
	if err != nil {
		slog.Error("failed to create synthesizer", "err", err)
		return 1
	}
	wakeModel, err := wakeremote.New(cfg.Wake.ModelURL, cfg.Wake.Keyword)
	if err != nil {
		slog.Error("failed to create wake-word scorer", "err", err)
		return 1
	}
	vadScorer, err := vadremote.New(cfg.VAD.ModelURL)
	if err != nil {
		slog.Error("failed to create vad scorer", "err", err)
		return 1
	}

	// ── Gateway ───────────────────────────────────────────────────────────────
	gw, err := gateway.NewServer(*cfg, gateway.Options{
		Bus:         router,
		Wake:        wakeModel,
		VAD:         vadScorer,
		Transcriber: transcriber,
		Synthesizer: synthesizer,
		Logger:      logger,
	})
	if err != nil {
		slog.Error("failed to create gateway", "err", err)
		return 1
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	gw.Register(mux)
	health.New(health.Checker{
		Name: "broker",
		Check: func(context.Context) error {
			if !router.Connected() {
				return errors.New("broker connection is not open")
			}
			return nil
		},
	}).Register(mux)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server ready — press Ctrl+C to shut down")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
