package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestTracker(t *testing.T, window time.Duration) (*Tracker, *time.Time) {
	t.Helper()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	tr := New(t.TempDir(), window)
	tr.now = func() time.Time { return now }
	// Re-derive the date from the fake clock.
	tr.date = now.Format(time.DateOnly)
	return tr, &now
}

func TestEligibleUnknownAddress(t *testing.T) {
	tr, _ := newTestTracker(t, time.Hour)
	if !tr.Eligible("1.2.3.4") {
		t.Error("never-seen address should be eligible")
	}
}

func TestEligibleWithinWindow(t *testing.T) {
	tr, now := newTestTracker(t, time.Hour)

	tr.Record("1.2.3.4", Failure)
	if tr.Eligible("1.2.3.4") {
		t.Error("address used just now should not be eligible")
	}

	*now = now.Add(30 * time.Minute)
	if tr.Eligible("1.2.3.4") {
		t.Error("address used 30m ago should not be eligible with 1h window")
	}

	*now = now.Add(31 * time.Minute)
	if !tr.Eligible("1.2.3.4") {
		t.Error("address used 61m ago should be eligible with 1h window")
	}
}

func TestEligibleUsesMostRecentEntry(t *testing.T) {
	tr, now := newTestTracker(t, time.Hour)

	tr.Record("1.2.3.4", Success)
	*now = now.Add(2 * time.Hour)
	tr.Record("1.2.3.4", Success)
	*now = now.Add(10 * time.Minute)

	if tr.Eligible("1.2.3.4") {
		t.Error("re-use 10m ago must win over the stale first entry")
	}
}

func TestStatsInvariants(t *testing.T) {
	tr, _ := newTestTracker(t, time.Hour)

	tr.Record("1.1.1.1", Success)
	tr.Record("2.2.2.2", Failure)
	tr.Record("1.1.1.1", Failure)
	tr.Record("3.3.3.3", Unknown)

	s := tr.Stats()
	if s.Attempts != 4 {
		t.Errorf("attempts = %d, want 4", s.Attempts)
	}
	if s.Unique != 3 {
		t.Errorf("unique = %d, want 3", s.Unique)
	}
	if s.Successes+s.Failures+s.Unknown != s.Attempts {
		t.Errorf("outcome counts %d+%d+%d do not sum to attempts %d",
			s.Successes, s.Failures, s.Unknown, s.Attempts)
	}
}

func TestStatsIdempotent(t *testing.T) {
	tr, _ := newTestTracker(t, time.Hour)
	tr.Record("1.1.1.1", Success)
	tr.Record("2.2.2.2", Failure)

	first := tr.Stats()
	second := tr.Stats()
	if first != second {
		t.Errorf("Stats not idempotent: %+v vs %+v", first, second)
	}
}

func TestResolvePendingEntry(t *testing.T) {
	tr, _ := newTestTracker(t, time.Hour)

	tr.Record("1.1.1.1", Unknown)
	tr.Resolve("1.1.1.1", Success)

	s := tr.Stats()
	if s.Attempts != 1 || s.Successes != 1 || s.Unknown != 0 {
		t.Errorf("resolve should finalize the pending entry in place, got %+v", s)
	}
}

func TestResolveWithoutPendingAppends(t *testing.T) {
	tr, _ := newTestTracker(t, time.Hour)

	tr.Resolve("9.9.9.9", Failure)
	s := tr.Stats()
	if s.Attempts != 1 || s.Failures != 1 {
		t.Errorf("resolve with no pending entry should append, got %+v", s)
	}
}

func TestPersistAndReload(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	tr := New(dir, time.Hour)
	tr.now = func() time.Time { return now }
	tr.date = now.Format(time.DateOnly)
	tr.Record("1.1.1.1", Success)
	tr.Record("2.2.2.2", Failure)

	// Fresh tracker over the same dir and day picks the entries back up.
	tr2 := New(dir, time.Hour)
	tr2.now = tr.now
	tr2.date = tr.date
	tr2.load()

	s := tr2.Stats()
	if s.Attempts != 2 || s.Successes != 1 || s.Failures != 1 {
		t.Errorf("reloaded stats = %+v", s)
	}
	if tr2.Eligible("1.1.1.1") {
		t.Error("reloaded address should still be in cooldown")
	}
}

func TestDayFileShape(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	tr := New(dir, time.Hour)
	tr.now = func() time.Time { return now }
	tr.date = now.Format(time.DateOnly)
	tr.Record("1.1.1.1", Success)

	data, err := os.ReadFile(filepath.Join(dir, "exit_ledger_2025-06-15.json"))
	if err != nil {
		t.Fatalf("day file not written: %v", err)
	}
	var df dayFile
	if err := json.Unmarshal(data, &df); err != nil {
		t.Fatalf("day file not valid JSON: %v", err)
	}
	if df.Date != "2025-06-15" || len(df.Entries) != 1 {
		t.Errorf("unexpected day file: %+v", df)
	}
	if df.Aggregates.Attempts != 1 || df.Aggregates.Successes != 1 {
		t.Errorf("aggregates not written: %+v", df.Aggregates)
	}
}

func TestPersistFailureSwallowed(t *testing.T) {
	// A path that cannot be created: a file stands where the dir should be.
	base := t.TempDir()
	blocker := filepath.Join(base, "blocked")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	tr := New(filepath.Join(blocker, "sub"), time.Hour)
	tr.Record("1.1.1.1", Success) // must not panic or error

	if s := tr.Stats(); s.Attempts != 1 {
		t.Errorf("tracker must keep functioning in memory, got %+v", s)
	}
}

func TestDayRoll(t *testing.T) {
	tr, now := newTestTracker(t, time.Hour)

	tr.Record("1.1.1.1", Success)
	*now = now.Add(24 * time.Hour)

	s := tr.Stats()
	if s.Attempts != 0 {
		t.Errorf("entries must reset on day roll, got %+v", s)
	}
	if !tr.Eligible("1.1.1.1") {
		t.Error("yesterday's address is eligible today")
	}
}
