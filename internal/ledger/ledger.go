// Package ledger records which exit identities were used, when, and with
// what outcome. One JSON file per calendar day; the tracker is the sole
// authority on cooldown eligibility.
//
// Persistence is best-effort: a tracker that cannot write its day file keeps
// functioning in memory and never fails a fetch because of storage I/O.
package ledger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Outcome is the recorded result of a fetch attempt made under an exit identity.
type Outcome string

const (
	Success Outcome = "success"
	Failure Outcome = "failure"
	// Unknown marks an identity that was rotated in but whose fetch has not
	// finished yet. Resolve replaces it with the final outcome.
	Unknown Outcome = "unknown"
)

// Entry is one observed exit identity. Entries are append-only within a day;
// the only permitted mutation is resolving an Unknown outcome.
type Entry struct {
	Address    string    `json:"address"`
	ObservedAt time.Time `json:"observed_at"`
	Outcome    Outcome   `json:"outcome"`
}

// Stats are derived counts, always recomputed from entries.
type Stats struct {
	Date      string `json:"date"`
	Attempts  int    `json:"attempts"`
	Unique    int    `json:"unique_addresses"`
	Successes int    `json:"successes"`
	Failures  int    `json:"failures"`
	Unknown   int    `json:"unknown"`
}

// dayFile is the on-disk shape. Aggregates are written for humans reading the
// file; they are ignored on load and recomputed from entries to avoid drift.
type dayFile struct {
	Date       string  `json:"date"`
	Entries    []Entry `json:"entries"`
	Aggregates Stats   `json:"aggregates"`
}

// Tracker is safe for concurrent use.
type Tracker struct {
	dir    string
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	date    string
	entries []Entry
}

// New creates a tracker persisting under dir, loading today's file if one
// exists. window is the cooldown during which a used address is ineligible.
func New(dir string, window time.Duration) *Tracker {
	t := &Tracker{
		dir:    dir,
		window: window,
		now:    time.Now,
	}
	t.date = t.now().Format(time.DateOnly)
	t.load()
	return t
}

func (t *Tracker) path(date string) string {
	return filepath.Join(t.dir, "exit_ledger_"+date+".json")
}

func (t *Tracker) load() {
	data, err := os.ReadFile(t.path(t.date))
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("ledger: could not read day file, starting empty",
				slog.String("date", t.date), slog.Any("error", err))
		}
		return
	}
	var df dayFile
	if err := json.Unmarshal(data, &df); err != nil {
		slog.Warn("ledger: malformed day file, starting empty",
			slog.String("date", t.date), slog.Any("error", err))
		return
	}
	if df.Date != t.date {
		slog.Warn("ledger: day file date mismatch, starting empty",
			slog.String("want", t.date), slog.String("got", df.Date))
		return
	}
	t.entries = df.Entries
	slog.Info("ledger: loaded day file",
		slog.String("date", t.date), slog.Int("entries", len(t.entries)))
}

// rollDay resets state when the calendar day changed since the last call.
// Must be called with t.mu held.
func (t *Tracker) rollDay(now time.Time) {
	date := now.Format(time.DateOnly)
	if date == t.date {
		return
	}
	slog.Info("ledger: new day, rotating ledger",
		slog.String("from", t.date), slog.String("to", date))
	t.date = date
	t.entries = nil
}

// Record appends an entry for address and persists. Storage errors are
// logged and swallowed; tracking must never abort a fetch.
func (t *Tracker) Record(address string, outcome Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.rollDay(now)
	t.entries = append(t.entries, Entry{
		Address:    address,
		ObservedAt: now,
		Outcome:    outcome,
	})
	t.persist()
}

// Resolve sets the final outcome on the most recent Unknown entry for
// address. If no such entry exists (the address was never pre-recorded, or
// its slot was already resolved), a new entry is appended instead.
func (t *Tracker) Resolve(address string, outcome Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.rollDay(now)
	for i := len(t.entries) - 1; i >= 0; i-- {
		if t.entries[i].Address == address && t.entries[i].Outcome == Unknown {
			t.entries[i].Outcome = outcome
			t.persist()
			return
		}
	}
	t.entries = append(t.entries, Entry{
		Address:    address,
		ObservedAt: now,
		Outcome:    outcome,
	})
	t.persist()
}

// Eligible reports whether address may be assigned: false if it appears in
// today's ledger within the cooldown window of now, true otherwise.
func (t *Tracker) Eligible(address string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.rollDay(now)
	for i := len(t.entries) - 1; i >= 0; i-- {
		e := t.entries[i]
		if e.Address != address {
			continue
		}
		if now.Sub(e.ObservedAt) < t.window {
			return false
		}
		// Entries are in insertion order, so the first match from the end
		// is the most recent use of this address.
		return true
	}
	return true
}

// Stats returns aggregates computed fresh from the in-memory ledger.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollDay(t.now())
	return computeStats(t.date, t.entries)
}

func computeStats(date string, entries []Entry) Stats {
	s := Stats{Date: date, Attempts: len(entries)}
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.Address]; !ok {
			seen[e.Address] = struct{}{}
			s.Unique++
		}
		switch e.Outcome {
		case Success:
			s.Successes++
		case Failure:
			s.Failures++
		default:
			s.Unknown++
		}
	}
	return s
}

// persist rewrites today's file. Must be called with t.mu held.
func (t *Tracker) persist() {
	df := dayFile{
		Date:       t.date,
		Entries:    t.entries,
		Aggregates: computeStats(t.date, t.entries),
	}
	data, err := json.MarshalIndent(df, "", "  ")
	if err != nil {
		slog.Warn("ledger: marshal failed", slog.Any("error", err))
		return
	}
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		slog.Warn("ledger: mkdir failed", slog.String("dir", t.dir), slog.Any("error", err))
		return
	}
	if err := os.WriteFile(t.path(t.date), data, 0o644); err != nil {
		slog.Warn("ledger: write failed", slog.String("path", t.path(t.date)), slog.Any("error", err))
	}
}

// String implements fmt.Stringer for log lines.
func (s Stats) String() string {
	return fmt.Sprintf("date=%s attempts=%d unique=%d ok=%d failed=%d pending=%d",
		s.Date, s.Attempts, s.Unique, s.Successes, s.Failures, s.Unknown)
}
