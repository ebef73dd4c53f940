package engine

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Metrics tracks operational counters across the pipeline.
var metrics struct {
	Rotations             atomic.Int64
	RotationFailures      atomic.Int64
	ProbeFailures         atomic.Int64
	CooldownViolations    atomic.Int64
	TranscriptFetches     atomic.Int64
	TranscriptBlocked     atomic.Int64
	TranscriptUnavailable atomic.Int64
	TranscriptRetries     atomic.Int64
	TitleFetches          atomic.Int64
}

func IncrRotation()              { metrics.Rotations.Add(1) }
func IncrRotationFailure()       { metrics.RotationFailures.Add(1) }
func IncrProbeFailure()          { metrics.ProbeFailures.Add(1) }
func IncrCooldownViolation()     { metrics.CooldownViolations.Add(1) }
func IncrTranscriptFetch()       { metrics.TranscriptFetches.Add(1) }
func IncrTranscriptBlocked()     { metrics.TranscriptBlocked.Add(1) }
func IncrTranscriptUnavailable() { metrics.TranscriptUnavailable.Add(1) }
func IncrTranscriptRetry()       { metrics.TranscriptRetries.Add(1) }
func IncrTitleFetch()            { metrics.TitleFetches.Add(1) }

// GetMetrics returns a snapshot of all counters.
func GetMetrics() map[string]int64 {
	return map[string]int64{
		"rotations":              metrics.Rotations.Load(),
		"rotation_failures":      metrics.RotationFailures.Load(),
		"probe_failures":         metrics.ProbeFailures.Load(),
		"cooldown_violations":    metrics.CooldownViolations.Load(),
		"transcript_fetches":     metrics.TranscriptFetches.Load(),
		"transcript_blocked":     metrics.TranscriptBlocked.Load(),
		"transcript_unavailable": metrics.TranscriptUnavailable.Load(),
		"transcript_retries":     metrics.TranscriptRetries.Load(),
		"title_fetches":          metrics.TitleFetches.Load(),
	}
}

// FormatMetrics returns counters as a simple text block for logging.
func FormatMetrics() string {
	m := GetMetrics()
	keys := []string{
		"rotations", "rotation_failures", "probe_failures", "cooldown_violations",
		"transcript_fetches", "transcript_blocked", "transcript_unavailable",
		"transcript_retries", "title_fetches",
	}
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s %d\n", k, m[k])
	}
	return sb.String()
}
