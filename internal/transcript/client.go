// Package transcript retrieves YouTube transcripts through an assigned
// circuit, with outcome classification and a single retry on a fresh exit
// identity.
//
// Primary:  ANDROID Innertube /player → caption track → timedtext XML
// Fallback: watch page scrape of ytInitialPlayerResponse → timedtext XML
package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/anatolykoptev/go_torfetch/internal/broker"
	"github.com/anatolykoptev/go_torfetch/internal/engine"
)

// Typed fetch outcomes. Callers use errors.Is; the batch layer turns them
// into per-video results rather than aborting the run.
var (
	// ErrBlocked: the request was rejected or rate-limited by the upstream.
	// Triggers the single retry-with-fresh-identity path.
	ErrBlocked = errors.New("transcript: blocked by upstream")
	// ErrUnavailable: the video has no transcript by either method.
	// Terminal; retrying on a new identity will not conjure captions.
	ErrUnavailable = errors.New("transcript: not available")
	// ErrTimeout: the request exceeded its deadline.
	ErrTimeout = errors.New("transcript: request timed out")
)

// Config controls a fetch client.
type Config struct {
	// Langs is the preference order for caption languages.
	Langs []string
	// FetchTimeout bounds a single fetch attempt end to end.
	FetchTimeout time.Duration
	// RequestInterval paces outbound requests per worker. Tor exits are
	// shared infrastructure; hammering them draws blocks faster.
	RequestInterval time.Duration
	// BaseURL overrides the YouTube origin in tests.
	BaseURL string
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Langs:           []string{"en"},
		FetchTimeout:    60 * time.Second,
		RequestInterval: 2 * time.Second,
	}
}

// Client fetches transcripts over one worker's assignment. Create one per
// worker; the underlying circuit serialization lives in the assignment.
type Client struct {
	assign  *broker.Assignment
	cfg     Config
	limiter *rate.Limiter
}

// NewClient builds a fetch client bound to a worker assignment.
func NewClient(a *broker.Assignment, cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if len(cfg.Langs) == 0 {
		cfg.Langs = []string{"en"}
	}
	interval := cfg.RequestInterval
	if interval <= 0 {
		interval = time.Nanosecond
	}
	return &Client{
		assign:  a,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Fetch retrieves the transcript for videoID.
//
// Per-fetch state machine: Pending → Fetching → {Succeeded, Failed}.
// A Failed attempt transitions back to Pending exactly once, after the
// broker supplies a fresh identity, before becoming terminal. Unavailable
// is terminal immediately: the identity was not at fault.
func (c *Client) Fetch(ctx context.Context, videoID string) (string, error) {
	engine.IncrTranscriptFetch()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			engine.IncrTranscriptRetry()
			addr, err := c.assign.Refresh(ctx)
			if err != nil {
				// No fresh identity to retry on; surface the fetch error.
				slog.Warn("transcript: refresh failed, not retrying",
					slog.String("video", videoID), slog.Any("error", err))
				return "", lastErr
			}
			slog.Info("transcript: retrying on fresh identity",
				slog.String("video", videoID), slog.String("exit", addr))
		}

		text, err := c.fetchOnce(ctx, videoID)
		if err == nil {
			c.assign.ReportOutcome(true)
			return text, nil
		}
		lastErr = err

		if errors.Is(err, ErrUnavailable) {
			engine.IncrTranscriptUnavailable()
			return "", err
		}
		c.assign.ReportOutcome(false)
		if errors.Is(err, ErrBlocked) {
			engine.IncrTranscriptBlocked()
			continue
		}
		if errors.Is(err, ErrTimeout) {
			continue
		}
		return "", err
	}
	return "", lastErr
}

// fetchOnce runs both methods under the assignment's serialized session.
func (c *Client) fetchOnce(ctx context.Context, videoID string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	var text string
	err := c.assign.Do(func(hc *http.Client) error {
		t, err := c.fetchViaPlayer(ctx, hc, videoID)
		if err == nil {
			text = t
			return nil
		}
		if errors.Is(err, ErrBlocked) || errors.Is(err, ErrTimeout) {
			// A blocked exit blocks the fallback too; don't burn requests.
			return err
		}
		slog.Debug("transcript: player method failed, scraping watch page",
			slog.String("video", videoID), slog.Any("error", err))

		t, err2 := c.fetchViaWatchPage(ctx, hc, videoID)
		if err2 == nil {
			text = t
			return nil
		}
		if errors.Is(err, ErrUnavailable) && errors.Is(err2, ErrUnavailable) {
			return fmt.Errorf("%s: %w", videoID, ErrUnavailable)
		}
		return err2
	})
	return text, err
}

// fetchViaPlayer uses the ANDROID Innertube /player endpoint.
func (c *Client) fetchViaPlayer(ctx context.Context, hc *http.Client, videoID string) (string, error) {
	playerResp, err := postPlayer(ctx, hc, c.cfg.BaseURL, videoID)
	if err != nil {
		return "", classify(err, "player")
	}

	if ps := playerResp.PlayabilityStatus; ps != nil && ps.Status == "LOGIN_REQUIRED" {
		// Datacenter/Tor exits get told to sign in; that's a block, not a
		// missing transcript.
		return "", fmt.Errorf("player: %s: %w", ps.Reason, ErrBlocked)
	}
	if playerResp.Captions == nil {
		if ps := playerResp.PlayabilityStatus; ps != nil && ps.Reason != "" {
			return "", fmt.Errorf("player: %s: %w", ps.Reason, ErrUnavailable)
		}
		return "", fmt.Errorf("player: no captions: %w", ErrUnavailable)
	}
	tracks := playerResp.Captions.PlayerCaptionsTracklistRenderer.CaptionTracks
	if len(tracks) == 0 {
		return "", fmt.Errorf("player: no caption tracks: %w", ErrUnavailable)
	}
	track, ok := pickBestTrack(tracks, c.cfg.Langs)
	if !ok {
		return "", fmt.Errorf("player: all tracks require PoToken: %w", ErrUnavailable)
	}

	text, err := fetchTimedText(ctx, hc, track.BaseURL)
	if err != nil {
		return "", classify(err, "timedtext")
	}
	if text == "" {
		// Empty timedtext bodies show up when an exit is soft-blocked.
		return "", fmt.Errorf("timedtext: empty body: %w", ErrBlocked)
	}
	return cleanTranscript(text), nil
}

// fetchViaWatchPage scrapes the watch page HTML and extracts the caption
// track URL from ytInitialPlayerResponse. Works from IPs where the
// Innertube API is blocked but the site itself still renders.
func (c *Client) fetchViaWatchPage(ctx context.Context, hc *http.Client, videoID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/watch?v="+videoID, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", engine.UserAgentChrome)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := hc.Do(req)
	if err != nil {
		return "", classify(err, "watch page")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", classify(&engine.HTTPStatusError{StatusCode: resp.StatusCode}, "watch page")
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 6*1024*1024))
	if err != nil {
		return "", classify(err, "watch page")
	}

	idx := strings.Index(string(body), ytInitialPlayerResponseMarker)
	if idx < 0 {
		return "", fmt.Errorf("watch page: ytInitialPlayerResponse not found: %w", ErrUnavailable)
	}
	jsonData := extractJSON(body[idx+len(ytInitialPlayerResponseMarker):])
	if jsonData == nil {
		return "", fmt.Errorf("watch page: malformed ytInitialPlayerResponse: %w", ErrUnavailable)
	}

	var playerResp innertubePlayerResp
	if err := json.Unmarshal(jsonData, &playerResp); err != nil {
		return "", fmt.Errorf("watch page: decode: %w", err)
	}
	if playerResp.Captions == nil {
		return "", fmt.Errorf("watch page: no captions: %w", ErrUnavailable)
	}
	tracks := playerResp.Captions.PlayerCaptionsTracklistRenderer.CaptionTracks
	if len(tracks) == 0 {
		return "", fmt.Errorf("watch page: no caption tracks: %w", ErrUnavailable)
	}
	track, ok := pickBestTrack(tracks, c.cfg.Langs)
	if !ok {
		return "", fmt.Errorf("watch page: all tracks require PoToken: %w", ErrUnavailable)
	}

	text, err := fetchTimedText(ctx, hc, track.BaseURL)
	if err != nil {
		return "", classify(err, "timedtext")
	}
	if text == "" {
		return "", fmt.Errorf("timedtext: empty body: %w", ErrBlocked)
	}
	return cleanTranscript(text), nil
}

// Title fetches the video title via the oEmbed endpoint through the
// assigned circuit, sanitized for use as a filename. Falls back to
// "Video_<id>" so batch output never lacks a name.
func (c *Client) Title(ctx context.Context, videoID string) string {
	engine.IncrTitleFetch()
	fallback := "Video_" + videoID

	if err := c.limiter.Wait(ctx); err != nil {
		return fallback
	}

	var title string
	err := c.assign.Do(func(hc *http.Client) error {
		resp, err := engine.RetryHTTP(ctx, engine.ProbeRetryConfig, func() (*http.Response, error) {
			url := c.cfg.BaseURL + "/oembed?url=" + c.cfg.BaseURL + "/watch?v=" + videoID + "&format=json"
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("User-Agent", engine.UserAgentChrome)
			return hc.Do(req)
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return &engine.HTTPStatusError{StatusCode: resp.StatusCode}
		}
		var oe oembedResp
		if err := json.NewDecoder(resp.Body).Decode(&oe); err != nil {
			return err
		}
		title = oe.Title
		return nil
	})
	if err != nil || title == "" {
		slog.Debug("transcript: title fetch failed, using fallback",
			slog.String("video", videoID), slog.Any("error", err))
		return fallback
	}
	return engine.SanitizeFilename(title)
}

var bracketNoiseRe = regexp.MustCompile(`\[(?:Music|Applause|Laughter)\]`)

// cleanTranscript collapses whitespace and strips caption noise markers.
func cleanTranscript(s string) string {
	return engine.CollapseSpaces(bracketNoiseRe.ReplaceAllString(s, ""))
}

// classify maps transport-level failures onto the typed outcome taxonomy.
func classify(err error, op string) error {
	var httpErr *engine.HTTPStatusError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusTooManyRequests, http.StatusForbidden:
			return fmt.Errorf("%s: HTTP %d: %w", op, httpErr.StatusCode, ErrBlocked)
		case http.StatusNotFound:
			return fmt.Errorf("%s: HTTP 404: %w", op, ErrUnavailable)
		}
		return fmt.Errorf("%s: HTTP %d: %w", op, httpErr.StatusCode, ErrBlocked)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// videoIDRe matches a canonical 11-character YouTube video ID.
var videoIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

var urlIDRe = regexp.MustCompile(`(?:v=|youtu\.be/|shorts/|embed/)([A-Za-z0-9_-]{11})`)

// ExtractVideoID accepts a bare video ID or any common YouTube URL form and
// returns the canonical 11-character ID.
func ExtractVideoID(s string) (string, error) {
	s = strings.TrimSpace(s)
	if videoIDRe.MatchString(s) {
		return s, nil
	}
	if m := urlIDRe.FindStringSubmatch(s); len(m) == 2 {
		return m[1], nil
	}
	return "", fmt.Errorf("not a YouTube video ID or URL: %q", s)
}
