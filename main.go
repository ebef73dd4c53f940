// go_torfetch fetches YouTube transcripts in parallel through multiple Tor
// daemon circuits.
//
// Each worker is bound to its own Tor instance (detected on ports
// 9050/9052/9054/...), pre-rotated to a fresh exit IP before fetching
// starts. Exit IP usage is tracked in a daily ledger so recently used
// identities sit out a cooldown before reassignment.
//
// Usage:
//
//	go_torfetch <video-id-or-url> [more ids...]
//
// Configuration is environment-driven; see initConfig for the knobs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/anatolykoptev/go-kit/env"

	"github.com/anatolykoptev/go_torfetch/internal/batch"
	"github.com/anatolykoptev/go_torfetch/internal/broker"
	"github.com/anatolykoptev/go_torfetch/internal/circuit"
	"github.com/anatolykoptev/go_torfetch/internal/engine"
	"github.com/anatolykoptev/go_torfetch/internal/ledger"
	"github.com/anatolykoptev/go_torfetch/internal/transcript"
)

var version = "dev"

type appConfig struct {
	detect    circuit.DetectConfig
	client    circuit.Config
	broker    broker.Config
	batch     batch.Config
	ledgerDir string
	outputDir string
}

func initConfig() appConfig {
	detect := circuit.DefaultDetectConfig()
	detect.Host = env.Str("TOR_HOST", detect.Host)
	detect.BaseSocksPort = env.Int("TOR_BASE_SOCKS_PORT", detect.BaseSocksPort)
	detect.BaseControlPort = env.Int("TOR_BASE_CONTROL_PORT", detect.BaseControlPort)
	detect.PortStep = env.Int("TOR_PORT_STEP", detect.PortStep)
	detect.MaxInstances = env.Int("TOR_MAX_INSTANCES", detect.MaxInstances)
	detect.ProbeTimeout = env.Duration("TOR_PROBE_TIMEOUT", detect.ProbeTimeout)

	client := circuit.DefaultConfig()
	client.Password = env.Str("TOR_CONTROL_PASSWORD", "")
	client.ProbeURL = env.Str("PROBE_URL", client.ProbeURL)
	client.SettleWait = env.Duration("ROTATE_SETTLE_WAIT", client.SettleWait)

	brk := broker.DefaultConfig()
	brk.RotateMaxAttempts = env.Int("ROTATE_MAX_ATTEMPTS", brk.RotateMaxAttempts)

	return appConfig{
		detect: detect,
		client: client,
		broker: brk,
		batch: batch.Config{
			Workers:         env.Int("WORKERS", 3),
			Langs:           env.List("LANGS", "en"),
			FetchTimeout:    env.Duration("FETCH_TIMEOUT", batchDefaults.FetchTimeout),
			RequestInterval: env.Duration("REQUEST_INTERVAL", batchDefaults.RequestInterval),
			WithTitles:      env.Str("FETCH_TITLES", "true") == "true",
		},
		ledgerDir: env.Str("LEDGER_DIR", "./data"),
		outputDir: env.Str("OUTPUT_DIR", "./transcripts"),
	}
}

var batchDefaults = transcript.DefaultConfig()

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: go_torfetch <video-id-or-url> [more ids...]")
		os.Exit(2)
	}

	videoIDs := make([]string, 0, len(os.Args)-1)
	for _, arg := range os.Args[1:] {
		id, err := transcript.ExtractVideoID(arg)
		if err != nil {
			slog.Error("invalid video argument", slog.String("arg", arg), slog.Any("error", err))
			os.Exit(2)
		}
		videoIDs = append(videoIDs, id)
	}

	cfg := initConfig()
	slog.Info("starting go_torfetch",
		slog.String("version", version),
		slog.Int("videos", len(videoIDs)),
		slog.Int("workers", cfg.batch.Workers))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, videoIDs); err != nil {
		slog.Error("run failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg appConfig, videoIDs []string) error {
	instances, err := circuit.Detect(ctx, cfg.detect)
	if err != nil {
		return fmt.Errorf("detect circuit daemons: %w", err)
	}

	pool := make([]broker.Circuit, 0, len(instances))
	for _, inst := range instances {
		pool = append(pool, circuit.NewClient(inst, cfg.client))
	}

	tracker := ledger.New(cfg.ledgerDir, env.Duration("COOLDOWN_WINDOW", time.Hour))
	b := broker.New(cfg.broker, pool, tracker)

	results, err := batch.Run(ctx, cfg.batch, b, videoIDs)
	if err != nil {
		return err
	}

	var failed int
	for _, res := range results {
		if res.Err != nil {
			failed++
			continue
		}
		if err := writeTranscript(cfg.outputDir, res); err != nil {
			slog.Warn("could not write transcript",
				slog.String("video", res.VideoID), slog.Any("error", err))
		}
	}

	slog.Info("done",
		slog.Int("fetched", len(results)-failed),
		slog.Int("failed", failed))
	fmt.Fprint(os.Stderr, engine.FormatMetrics())

	if failed == len(results) && failed > 0 {
		return fmt.Errorf("all %d videos failed", failed)
	}
	return nil
}

func writeTranscript(dir string, res batch.Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := res.Title
	if name == "" {
		name = res.VideoID
	}
	path := filepath.Join(dir, name+".txt")
	return os.WriteFile(path, []byte(res.Text), 0o644)
}
