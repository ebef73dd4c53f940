// Package batch fans a list of videos out over broker-assigned workers.
// Per-video failures are results, not errors: the run continues past
// blocked or caption-less videos and reports each outcome to the caller.
package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/anatolykoptev/go_torfetch/internal/broker"
	"github.com/anatolykoptev/go_torfetch/internal/transcript"
)

// Config controls a batch run.
type Config struct {
	Workers         int
	Langs           []string
	FetchTimeout    time.Duration
	RequestInterval time.Duration
	WithTitles      bool

	// BaseURL overrides the YouTube origin in tests.
	BaseURL string
}

// Result is the tagged per-video outcome.
type Result struct {
	VideoID string
	Worker  int
	Title   string
	Text    string
	Err     error
	Elapsed time.Duration
}

// Run builds assignments for cfg.Workers, then drains videoIDs through
// them concurrently. It returns one Result per video, in completion order.
// The only run-level errors are configuration failures (no usable
// circuits) and context cancellation.
func Run(ctx context.Context, cfg Config, b *broker.Broker, videoIDs []string) ([]Result, error) {
	if len(videoIDs) == 0 {
		return nil, nil
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(videoIDs) {
		workers = len(videoIDs)
	}

	assignments, err := b.Assignments(ctx, workers)
	if err != nil {
		return nil, err
	}

	ids := make(chan string)
	var mu sync.Mutex
	results := make([]Result, 0, len(videoIDs))

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range assignments {
		client := transcript.NewClient(a, transcript.Config{
			Langs:           cfg.Langs,
			FetchTimeout:    cfg.FetchTimeout,
			RequestInterval: cfg.RequestInterval,
			BaseURL:         cfg.BaseURL,
		})
		worker := a.Worker
		g.Go(func() error {
			for id := range ids {
				res := fetchOne(gctx, client, worker, id, cfg.WithTitles)
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
				if gctx.Err() != nil {
					return gctx.Err()
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(ids)
		for _, id := range videoIDs {
			select {
			case ids <- id:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return results, err
	}

	stats := b.Stats()
	slog.Info("batch: run complete",
		slog.Int("videos", len(videoIDs)),
		slog.Int("workers", workers),
		slog.String("daily_stats", stats.String()))
	return results, ctx.Err()
}

func fetchOne(ctx context.Context, client *transcript.Client, worker int, videoID string, withTitle bool) Result {
	start := time.Now()
	res := Result{VideoID: videoID, Worker: worker}

	res.Text, res.Err = client.Fetch(ctx, videoID)
	res.Elapsed = time.Since(start)

	if res.Err != nil {
		slog.Warn("batch: video failed",
			slog.Int("worker", worker),
			slog.String("video", videoID),
			slog.Duration("elapsed", res.Elapsed),
			slog.Any("error", res.Err))
		return res
	}

	if withTitle {
		res.Title = client.Title(ctx, videoID)
	}
	slog.Info("batch: video fetched",
		slog.Int("worker", worker),
		slog.String("video", videoID),
		slog.Int("chars", len(res.Text)),
		slog.Duration("elapsed", res.Elapsed))
	return res
}
