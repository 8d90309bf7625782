package session

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/JonMunkholm/importflow/internal/validate"
)

func testStore(cfg Config) *Store {
	return NewStore(cfg, validate.NewRuleSet(
		validate.Field{Name: "name", Kind: validate.KindText, Required: true},
		validate.Field{Name: "price", Kind: validate.KindNumeric, Required: true},
		validate.Field{Name: "status", Kind: validate.KindEnum, EnumValues: []string{"draft", "active"}, Default: "draft"},
	))
}

var testMapping = validate.Mapping{"name": "name", "price": "price", "status": "status"}

func testRecords() []validate.Record {
	return []validate.Record{
		{"name": "Widget", "price": "9.99", "status": "active"},
		{"name": "", "price": "abc", "status": "draft"},
		{"name": "Gadget", "price": "12.50", "status": ""},
	}
}

// analyzedSession creates a session and runs analysis, returning its id.
func analyzedSession(t *testing.T, s *Store) string {
	t.Helper()
	id, err := s.Create(testRecords(), nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := s.Analyze(context.Background(), id, testMapping); err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	return id
}

func int64p(v int64) *int64 { return &v }

func TestCreateAndGet(t *testing.T) {
	s := testStore(Config{})

	id, err := s.Create(testRecords(), nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	snap, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if snap.Status != StatusUploaded {
		t.Errorf("status = %q, want %q", snap.Status, StatusUploaded)
	}
	if snap.TotalRecords != 3 {
		t.Errorf("totalRecords = %d, want 3", snap.TotalRecords)
	}
	if snap.ExpiresAt.IsZero() {
		t.Error("live session should carry an expiry deadline")
	}

	if _, err := s.Get("no-such-session"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get(unknown) = %v, want ErrSessionNotFound", err)
	}
}

func TestCreateCeilings(t *testing.T) {
	s := testStore(Config{MaxSessions: 1, MaxRecordsPerSession: 2})

	if _, err := s.Create(testRecords(), nil); !errors.Is(err, ErrTooManyRecords) {
		t.Fatalf("Create over record ceiling = %v, want ErrTooManyRecords", err)
	}

	if _, err := s.Create(testRecords()[:2], nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := s.Create(testRecords()[:1], nil); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("Create over session ceiling = %v, want ErrResourceExhausted", err)
	}
	if got := s.LiveCount(); got != 1 {
		t.Errorf("LiveCount = %d, want 1", got)
	}
}

func TestAnalyze(t *testing.T) {
	s := testStore(Config{})
	id, err := s.Create(testRecords(), nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := s.Analyze(context.Background(), id, nil); !errors.Is(err, ErrMissingMappings) {
		t.Fatalf("Analyze without mappings = %v, want ErrMissingMappings", err)
	}

	errs, err := s.Analyze(context.Background(), id, testMapping)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	// Record 1 fails name and price; record 2 has an empty optional status.
	if len(errs) != 2 {
		t.Fatalf("got %d errors, want 2: %v", len(errs), errs)
	}

	snap, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if snap.Status != StatusAnalyzed {
		t.Errorf("status = %q, want %q", snap.Status, StatusAnalyzed)
	}
	if snap.RemainingErrors != 2 {
		t.Errorf("remainingErrors = %d, want 2", snap.RemainingErrors)
	}

	// Re-analysis from analyzed is allowed and rebuilds the error set.
	errs, err = s.Analyze(context.Background(), id, testMapping)
	if err != nil {
		t.Fatalf("re-Analyze failed: %v", err)
	}
	if len(errs) != 2 {
		t.Errorf("re-analysis got %d errors, want 2", len(errs))
	}
}

func TestAnalyzeRejectedWhileFixing(t *testing.T) {
	s := testStore(Config{})
	id := analyzedSession(t, s)

	if _, err := s.ApplyFix(id, 1, "name", "Fixed", nil); err != nil {
		t.Fatalf("ApplyFix failed: %v", err)
	}
	if _, err := s.Analyze(context.Background(), id, testMapping); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Analyze while fixing = %v, want ErrInvalidState", err)
	}
}

func TestAnalyzeCancelRollsBack(t *testing.T) {
	s := testStore(Config{ValidateChunk: 1})
	id, err := s.Create(testRecords(), nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Analyze(ctx, id, testMapping); !errors.Is(err, context.Canceled) {
		t.Fatalf("Analyze = %v, want context.Canceled", err)
	}

	snap, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if snap.Status != StatusUploaded {
		t.Errorf("status after cancelled analysis = %q, want %q", snap.Status, StatusUploaded)
	}
}

func TestApplyFixResolvesError(t *testing.T) {
	s := testStore(Config{})
	id := analyzedSession(t, s)

	out, err := s.ApplyFix(id, 1, "name", "Fixed", nil)
	if err != nil {
		t.Fatalf("ApplyFix failed: %v", err)
	}
	if !out.ErrorRemoved {
		t.Error("fixing a failing field should remove its error")
	}
	if out.Version != 1 {
		t.Errorf("version = %d, want 1", out.Version)
	}
	if out.Status != StatusFixing || !out.StatusChanged {
		t.Errorf("status = %q changed=%v, want fixing with change", out.Status, out.StatusChanged)
	}
	if out.RemainingErrors != 1 {
		t.Errorf("remainingErrors = %d, want 1", out.RemainingErrors)
	}

	out, err = s.ApplyFix(id, 1, "price", "10.00", nil)
	if err != nil {
		t.Fatalf("ApplyFix failed: %v", err)
	}
	if out.Status != StatusResolved || !out.StatusChanged {
		t.Errorf("status = %q changed=%v, want resolved with change", out.Status, out.StatusChanged)
	}
	if out.RemainingErrors != 0 {
		t.Errorf("remainingErrors = %d, want 0", out.RemainingErrors)
	}

	snap, _ := s.Get(id)
	if snap.ResolvedCount != 2 {
		t.Errorf("resolvedCount = %d, want 2", snap.ResolvedCount)
	}
}

func TestApplyFixIntroducesError(t *testing.T) {
	s := testStore(Config{})
	id := analyzedSession(t, s)

	// Breaking a previously clean field adds an error instead of removing one.
	out, err := s.ApplyFix(id, 0, "price", "not-a-number", nil)
	if err != nil {
		t.Fatalf("ApplyFix failed: %v", err)
	}
	if out.ErrorRemoved {
		t.Error("breaking fix should not report an error removed")
	}
	if out.RemainingErrors != 3 {
		t.Errorf("remainingErrors = %d, want 3", out.RemainingErrors)
	}

	errs, err := s.Errors(id)
	if err != nil {
		t.Fatalf("Errors failed: %v", err)
	}
	if errs[0].RecordIndex != 0 || errs[0].Field != "price" || errs[0].ErrorType != validate.ErrInvalidNumeric {
		t.Errorf("first error = %+v, want record 0 price invalid_numeric", errs[0])
	}
}

func TestApplyFixVersionSemantics(t *testing.T) {
	s := testStore(Config{})
	id := analyzedSession(t, s)

	out, err := s.ApplyFix(id, 1, "name", "First", int64p(0))
	if err != nil {
		t.Fatalf("ApplyFix with matching version failed: %v", err)
	}
	if out.Version != 1 {
		t.Fatalf("version = %d, want 1", out.Version)
	}

	// A second fix carrying the already-consumed version must lose.
	if _, err := s.ApplyFix(id, 1, "name", "Second", int64p(0)); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale version = %v, want ErrVersionConflict", err)
	}

	// A nil expected version overwrites blindly.
	out, err = s.ApplyFix(id, 1, "name", "Third", nil)
	if err != nil {
		t.Fatalf("blind overwrite failed: %v", err)
	}
	if out.Version != 2 {
		t.Errorf("version = %d, want 2", out.Version)
	}

	_, got, err := s.FieldValue(id, 1, "name")
	if err != nil {
		t.Fatalf("FieldValue failed: %v", err)
	}
	if got != 2 {
		t.Errorf("FieldValue version = %d, want 2", got)
	}
}

func TestApplyFixBounds(t *testing.T) {
	s := testStore(Config{})
	id := analyzedSession(t, s)

	if _, err := s.ApplyFix(id, 99, "name", "x", nil); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("out-of-range index = %v, want ErrRecordNotFound", err)
	}
	if _, err := s.ApplyFix(id, 0, "color", "x", nil); !errors.Is(err, ErrUnknownField) {
		t.Errorf("unmapped field = %v, want ErrUnknownField", err)
	}
	if _, err := s.ApplyFix("no-such-session", 0, "name", "x", nil); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown session = %v, want ErrSessionNotFound", err)
	}
}

func TestApplyFixBeforeAnalysis(t *testing.T) {
	s := testStore(Config{})
	id, err := s.Create(testRecords(), nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := s.ApplyFix(id, 0, "name", "x", nil); !errors.Is(err, ErrInvalidState) {
		t.Errorf("fix before analysis = %v, want ErrInvalidState", err)
	}
}

func TestApplyFixAfterResolved(t *testing.T) {
	s := testStore(Config{})
	id := analyzedSession(t, s)

	if _, err := s.ApplyFix(id, 1, "name", "Fixed", nil); err != nil {
		t.Fatalf("ApplyFix failed: %v", err)
	}
	out, err := s.ApplyFix(id, 1, "price", "10.00", nil)
	if err != nil {
		t.Fatalf("ApplyFix failed: %v", err)
	}
	if out.Status != StatusResolved {
		t.Fatalf("status = %q, want %q", out.Status, StatusResolved)
	}

	// A blind overwrite still lands once the session is resolved.
	out, err = s.ApplyFix(id, 0, "name", "Renamed", nil)
	if err != nil {
		t.Fatalf("fix after resolved failed: %v", err)
	}
	if out.Status != StatusResolved || out.StatusChanged {
		t.Errorf("status = %q changed=%v, want resolved unchanged", out.Status, out.StatusChanged)
	}

	// A fix that introduces an error re-enters fixing.
	out, err = s.ApplyFix(id, 2, "price", "oops", nil)
	if err != nil {
		t.Fatalf("ApplyFix failed: %v", err)
	}
	if out.Status != StatusFixing || !out.StatusChanged {
		t.Errorf("status = %q changed=%v, want fixing with change", out.Status, out.StatusChanged)
	}
	if out.RemainingErrors != 1 {
		t.Errorf("remainingErrors = %d, want 1", out.RemainingErrors)
	}
}

func TestDisjointFixesAfterErrorsClear(t *testing.T) {
	s := testStore(Config{})
	id := analyzedSession(t, s)

	// The error-clearing fixes land first; the remaining disjoint fixes
	// must succeed anyway, whatever order they arrive in.
	if _, err := s.ApplyFix(id, 1, "name", "B", nil); err != nil {
		t.Fatalf("ApplyFix failed: %v", err)
	}
	if _, err := s.ApplyFix(id, 1, "price", "5.00", nil); err != nil {
		t.Fatalf("ApplyFix failed: %v", err)
	}
	if _, err := s.ApplyFix(id, 0, "name", "A", nil); err != nil {
		t.Errorf("fix after errors cleared = %v, want success", err)
	}
	if _, err := s.ApplyFix(id, 2, "name", "C", nil); err != nil {
		t.Errorf("fix after errors cleared = %v, want success", err)
	}

	snap, _ := s.Get(id)
	if snap.Status != StatusResolved || snap.RemainingErrors != 0 {
		t.Errorf("snapshot = %q with %d errors, want resolved with 0", snap.Status, snap.RemainingErrors)
	}
}

func TestConcurrentDisjointFixes(t *testing.T) {
	s := testStore(Config{})
	id := analyzedSession(t, s)

	targets := []struct {
		index int
		field string
		value string
	}{
		{0, "name", "A"},
		{1, "name", "B"},
		{2, "name", "C"},
		{1, "price", "5.00"},
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(targets))
	for _, tgt := range targets {
		wg.Add(1)
		go func(index int, field, value string) {
			defer wg.Done()
			if _, err := s.ApplyFix(id, index, field, value, nil); err != nil {
				errCh <- err
			}
		}(tgt.index, tgt.field, tgt.value)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("concurrent fix failed: %v", err)
	}

	snap, _ := s.Get(id)
	if snap.RemainingErrors != 0 {
		t.Errorf("remainingErrors = %d, want 0", snap.RemainingErrors)
	}
	if snap.Status != StatusResolved {
		t.Errorf("status = %q, want %q", snap.Status, StatusResolved)
	}
}

func TestConcurrentSameVersionExactlyOneWins(t *testing.T) {
	s := testStore(Config{})
	id := analyzedSession(t, s)

	const contenders = 8
	var wg sync.WaitGroup
	results := make(chan error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.ApplyFix(id, 1, "name", "winner", int64p(0))
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	wins, conflicts := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrVersionConflict):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != contenders-1 {
		t.Errorf("wins = %d conflicts = %d, want 1 and %d", wins, conflicts, contenders-1)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	s := testStore(Config{})
	id := analyzedSession(t, s)

	sum, deleted := s.Delete(id)
	if !deleted {
		t.Fatal("first delete should tear down the session")
	}
	if sum.Status != StatusDeleted || sum.TotalRecords != 3 {
		t.Errorf("summary = %+v", sum)
	}
	if got := s.LiveCount(); got != 0 {
		t.Errorf("LiveCount = %d, want 0", got)
	}

	if _, deleted := s.Delete(id); deleted {
		t.Error("second delete should be a no-op")
	}
	if _, deleted := s.Delete("no-such-session"); deleted {
		t.Error("deleting an unknown session should be a no-op")
	}

	// The tombstone stays queryable but rejects mutation.
	snap, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get on tombstone failed: %v", err)
	}
	if snap.Status != StatusDeleted {
		t.Errorf("tombstone status = %q, want %q", snap.Status, StatusDeleted)
	}
	if _, err := s.ApplyFix(id, 0, "name", "x", nil); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("fix on deleted session = %v, want ErrSessionNotFound", err)
	}
}

func TestExpiryLifecycle(t *testing.T) {
	s := testStore(Config{TTL: 10 * time.Minute, TombstoneTTL: 5 * time.Minute})
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	id := analyzedSession(t, s)

	// Inside the warning window but not yet expired.
	clock = clock.Add(6 * time.Minute)
	notices := s.ExpiringSoon(5 * time.Minute)
	if len(notices) != 1 || notices[0].ID != id {
		t.Fatalf("ExpiringSoon = %v, want one notice for %s", notices, id)
	}
	if notices[0].Remaining != 4*time.Minute {
		t.Errorf("remaining = %v, want 4m", notices[0].Remaining)
	}
	if got := s.ExpireIdle(); len(got) != 0 {
		t.Fatalf("ExpireIdle before deadline = %v, want none", got)
	}

	// Activity pushes the deadline out.
	if err := s.Touch(id); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if notices := s.ExpiringSoon(5 * time.Minute); len(notices) != 0 {
		t.Fatalf("ExpiringSoon after touch = %v, want none", notices)
	}

	// Past the refreshed deadline.
	clock = clock.Add(10 * time.Minute)
	expired := s.ExpireIdle()
	if len(expired) != 1 || expired[0].Status != StatusExpired {
		t.Fatalf("ExpireIdle = %v, want one expired summary", expired)
	}
	if got := s.LiveCount(); got != 0 {
		t.Errorf("LiveCount = %d, want 0", got)
	}

	snap, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get on expired session failed: %v", err)
	}
	if snap.Status != StatusExpired {
		t.Errorf("status = %q, want %q", snap.Status, StatusExpired)
	}
	if err := s.Touch(id); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("Touch on expired session = %v, want ErrSessionExpired", err)
	}

	// Tombstone survives until its grace period lapses.
	if purged := s.PurgeTombstones(); purged != 0 {
		t.Fatalf("purged %d tombstones inside the grace period", purged)
	}
	clock = clock.Add(5 * time.Minute)
	if purged := s.PurgeTombstones(); purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
	if _, err := s.Get(id); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get after purge = %v, want ErrSessionNotFound", err)
	}
}

func TestErrorsSorted(t *testing.T) {
	s := testStore(Config{})
	id, err := s.Create([]validate.Record{
		{"name": "", "price": "x", "status": "bogus"},
		{"name": "", "price": "1", "status": "draft"},
	}, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := s.Analyze(context.Background(), id, testMapping); err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	errs, err := s.Errors(id)
	if err != nil {
		t.Fatalf("Errors failed: %v", err)
	}
	for i := 1; i < len(errs); i++ {
		prev, cur := errs[i-1], errs[i]
		if prev.RecordIndex > cur.RecordIndex ||
			(prev.RecordIndex == cur.RecordIndex && prev.Field >= cur.Field) {
			t.Fatalf("errors not ordered at %d: %+v then %+v", i, prev, cur)
		}
	}
}

// bulkRecords builds a fresh record slice large enough that a retained
// session would show up as measurable heap growth.
func bulkRecords(n int) []validate.Record {
	records := make([]validate.Record, n)
	for i := range records {
		records[i] = validate.Record{
			"name":   strings.Repeat("x", 64),
			"price":  "9.99",
			"status": "active",
		}
	}
	return records
}

func TestDeleteReleasesSessionMemory(t *testing.T) {
	const cycles = 30

	s := testStore(Config{TombstoneTTL: time.Minute})
	clock := time.Now()
	s.now = func() time.Time { return clock }

	cycle := func() {
		id, err := s.Create(bulkRecords(1000), nil)
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if _, err := s.Analyze(context.Background(), id, testMapping); err != nil {
			t.Fatalf("Analyze failed: %v", err)
		}
		if _, err := s.ApplyFix(id, 0, "name", "Fixed", nil); err != nil {
			t.Fatalf("ApplyFix failed: %v", err)
		}
		if _, deleted := s.Delete(id); !deleted {
			t.Fatal("Delete should tear down the session")
		}
		clock = clock.Add(2 * time.Minute)
		s.PurgeTombstones()
	}

	// Warm up so one-time allocations don't count against the baseline.
	cycle()

	runtime.GC()
	var before runtime.MemStats
	runtime.ReadMemStats(&before)

	for i := 0; i < cycles; i++ {
		cycle()
	}

	runtime.GC()
	var after runtime.MemStats
	runtime.ReadMemStats(&after)

	// Each cycle holds a few hundred KB of records; retaining even a
	// fraction of the cycles would blow well past this bound.
	const maxGrowth = 4 << 20
	if growth := int64(after.HeapAlloc) - int64(before.HeapAlloc); growth > maxGrowth {
		t.Errorf("heap grew %d bytes over %d create/delete cycles, want <= %d", growth, cycles, int64(maxGrowth))
	}
}

// BenchmarkSessionCycle measures allocation behavior of a full create,
// analyze, fix, delete, purge cycle.
func BenchmarkSessionCycle(b *testing.B) {
	s := testStore(Config{TombstoneTTL: time.Nanosecond})
	records := bulkRecords(100)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		id, err := s.Create(records, nil)
		if err != nil {
			b.Fatalf("Create failed: %v", err)
		}
		if _, err := s.Analyze(context.Background(), id, testMapping); err != nil {
			b.Fatalf("Analyze failed: %v", err)
		}
		if _, err := s.ApplyFix(id, 0, "name", "Fixed", nil); err != nil {
			b.Fatalf("ApplyFix failed: %v", err)
		}
		s.Delete(id)
		s.PurgeTombstones()
	}
}
