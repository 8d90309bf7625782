package session

// store.go implements the session registry.
//
// Locking model: Store.mu guards only the sessions map. Each session
// carries its own RWMutex; all mutation of a session's records, errors,
// versions, and status happens under that session's write lock, so
// fixes within one session serialize while unrelated sessions proceed
// in parallel. Read paths (Get, Errors) take the session's read lock
// and may observe a view that is stale by one in-flight fix.

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JonMunkholm/importflow/internal/validate"
	"github.com/google/uuid"
)

// Defaults applied when Config fields are zero.
const (
	DefaultMaxSessions          = 100
	DefaultMaxRecordsPerSession = 50000
	DefaultTTL                  = 30 * time.Minute
	DefaultTombstoneTTL         = 5 * time.Minute
	DefaultValidateChunk        = 500
)

// Config bounds the store's resource usage.
type Config struct {
	MaxSessions          int           // global concurrent-session ceiling
	MaxRecordsPerSession int           // per-session record ceiling
	TTL                  time.Duration // idle time before expiry
	TombstoneTTL         time.Duration // how long terminal state stays queryable
	ValidateChunk        int           // records validated per cancellation check
}

func (c Config) withDefaults() Config {
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.MaxRecordsPerSession <= 0 {
		c.MaxRecordsPerSession = DefaultMaxRecordsPerSession
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.TombstoneTTL <= 0 {
		c.TombstoneTTL = DefaultTombstoneTTL
	}
	if c.ValidateChunk <= 0 {
		c.ValidateChunk = DefaultValidateChunk
	}
	return c
}

// errKey addresses one entry in a session's error set.
type errKey struct {
	index int
	field string
}

// state is the mutable per-session data, guarded by its own lock.
type state struct {
	mu sync.RWMutex

	id       string
	status   Status
	records  []validate.Record
	versions []int64
	mapping  validate.Mapping
	// fieldCols resolves canonical field names back to source columns
	// for fix application. Rebuilt whenever mappings are submitted.
	fieldCols map[string]string
	errs      map[errKey]validate.ErrorRecord
	resolved  int

	createdAt    time.Time
	lastActivity time.Time
	// tombstoneAt is non-zero once the session is terminal; the entry
	// is purged after tombstoneAt + TombstoneTTL.
	tombstoneAt time.Time
}

// Store is the registry of import sessions.
type Store struct {
	cfg   Config
	rules validate.RuleSet

	mu       sync.RWMutex
	sessions map[string]*state
	live     int

	now func() time.Time
}

// NewStore creates a session store validating against the given rule set.
func NewStore(cfg Config, rules validate.RuleSet) *Store {
	return &Store{
		cfg:      cfg.withDefaults(),
		rules:    rules,
		sessions: make(map[string]*state),
		now:      time.Now,
	}
}

// Rules returns the rule set the store validates against.
func (s *Store) Rules() validate.RuleSet { return s.rules }

// Create allocates a new session in uploaded status holding the given
// records. mapping may be nil; analysis requires mappings to be
// submitted. Fails with ErrResourceExhausted at the session ceiling and
// ErrTooManyRecords past the per-session record ceiling.
func (s *Store) Create(records []validate.Record, mapping validate.Mapping) (string, error) {
	if len(records) > s.cfg.MaxRecordsPerSession {
		return "", ErrTooManyRecords
	}

	now := s.now()
	st := &state{
		id:           uuid.NewString(),
		status:       StatusUploaded,
		records:      records,
		versions:     make([]int64, len(records)),
		mapping:      mapping,
		fieldCols:    reverseMapping(mapping),
		errs:         make(map[errKey]validate.ErrorRecord),
		createdAt:    now,
		lastActivity: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live >= s.cfg.MaxSessions {
		return "", ErrResourceExhausted
	}
	s.sessions[st.id] = st
	s.live++
	return st.id, nil
}

// Get returns a read-only snapshot of the session, including terminal
// tombstones still inside their grace period.
func (s *Store) Get(id string) (Snapshot, error) {
	st, err := s.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}

	st.mu.RLock()
	defer st.mu.RUnlock()
	return s.snapshotLocked(st), nil
}

// Analyze submits field mappings and validates every record, replacing
// the session's error set. Allowed from uploaded status and, for
// re-analysis with fresh mappings, from analyzed.
func (s *Store) Analyze(ctx context.Context, id string, mapping validate.Mapping) ([]validate.ErrorRecord, error) {
	if len(mapping) == 0 {
		return nil, ErrMissingMappings
	}

	st, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if err := st.checkLive(); err != nil {
		return nil, err
	}
	if st.status != StatusUploaded && st.status != StatusAnalyzed {
		return nil, ErrInvalidState
	}

	st.status = StatusAnalyzing
	st.mapping = mapping
	st.fieldCols = reverseMapping(mapping)

	errs, err := validate.Analyze(ctx, st.records, mapping, s.rules, s.cfg.ValidateChunk)
	if err != nil {
		// Cancelled mid-analysis: roll back to the last stable status so
		// the caller can resubmit.
		st.status = StatusUploaded
		return nil, err
	}

	st.errs = make(map[errKey]validate.ErrorRecord, len(errs))
	for _, e := range errs {
		st.errs[errKey{index: e.RecordIndex, field: e.Field}] = e
	}
	st.resolved = 0
	st.status = StatusAnalyzed
	st.lastActivity = s.now()

	return errs, nil
}

// ApplyFix atomically mutates one field of one record: it bumps the
// record's version, re-runs field-level validation, and updates the
// error set. When expected is non-nil it must match the record's
// current version or the fix fails with ErrVersionConflict; a nil
// expected is a deliberate blind overwrite.
func (s *Store) ApplyFix(id string, index int, field, newValue string, expected *int64) (FixOutcome, error) {
	st, err := s.lookup(id)
	if err != nil {
		return FixOutcome{}, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if err := st.checkLive(); err != nil {
		return FixOutcome{}, err
	}
	switch st.status {
	case StatusAnalyzed, StatusFixing, StatusResolved:
	default:
		return FixOutcome{}, ErrInvalidState
	}
	if index < 0 || index >= len(st.records) {
		return FixOutcome{}, ErrRecordNotFound
	}
	col, ok := st.fieldCols[field]
	if !ok {
		return FixOutcome{}, ErrUnknownField
	}
	if expected != nil && *expected != st.versions[index] {
		return FixOutcome{}, ErrVersionConflict
	}

	st.records[index][col] = newValue
	st.versions[index]++

	outcome := FixOutcome{Version: st.versions[index]}

	// Re-validate just the touched field and reconcile the error set.
	key := errKey{index: index, field: field}
	_, existed := st.errs[key]
	if f, declared := s.rules.Field(field); declared {
		if errType, msg, valid := validate.CheckField(newValue, f); valid {
			if existed {
				delete(st.errs, key)
				st.resolved++
				outcome.ErrorRemoved = true
			}
		} else {
			st.errs[key] = validate.ErrorRecord{
				RecordIndex: index,
				Field:       field,
				ErrorType:   errType,
				Message:     msg,
				AutoFix:     validate.SuggestFix(errType, newValue, f),
			}
		}
	} else if existed {
		delete(st.errs, key)
		st.resolved++
		outcome.ErrorRemoved = true
	}

	prev := st.status
	switch {
	case len(st.errs) == 0:
		st.status = StatusResolved
	case st.status != StatusFixing:
		// analyzed on the first fix, or resolved when the fix itself
		// introduced a new error.
		st.status = StatusFixing
	}
	outcome.Status = st.status
	outcome.StatusChanged = st.status != prev
	outcome.RemainingErrors = len(st.errs)
	st.lastActivity = s.now()

	return outcome, nil
}

// Errors returns a copy of the session's current error set, ordered by
// (recordIndex, field).
func (s *Store) Errors(id string) ([]validate.ErrorRecord, error) {
	st, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	st.mu.RLock()
	out := make([]validate.ErrorRecord, 0, len(st.errs))
	for _, e := range st.errs {
		out = append(out, e)
	}
	st.mu.RUnlock()

	sortErrorRecords(out)
	return out, nil
}

// FieldValue returns the current raw value and version of one record
// field. Used to compute deterministic auto-fix transforms.
func (s *Store) FieldValue(id string, index int, field string) (string, int64, error) {
	st, err := s.lookup(id)
	if err != nil {
		return "", 0, err
	}

	st.mu.RLock()
	defer st.mu.RUnlock()

	if err := st.checkLive(); err != nil {
		return "", 0, err
	}
	if index < 0 || index >= len(st.records) {
		return "", 0, ErrRecordNotFound
	}
	col, ok := st.fieldCols[field]
	if !ok {
		return "", 0, ErrUnknownField
	}
	return st.records[index][col], st.versions[index], nil
}

// Touch refreshes the session's activity timestamp, extending its
// expiry window.
func (s *Store) Touch(id string) error {
	st, err := s.lookup(id)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.checkLive(); err != nil {
		return err
	}
	st.lastActivity = s.now()
	return nil
}

// Delete releases the session's records and errors immediately, leaving
// a deleted tombstone for the grace period. Deleting an unknown or
// already-terminal session is a no-op; the second return value reports
// whether a live session was actually torn down.
func (s *Store) Delete(id string) (Summary, bool) {
	s.mu.RLock()
	st := s.sessions[id]
	s.mu.RUnlock()
	if st == nil {
		return Summary{}, false
	}

	st.mu.Lock()
	if st.status.Terminal() {
		st.mu.Unlock()
		return Summary{}, false
	}
	sum := s.terminateLocked(st, StatusDeleted)
	st.mu.Unlock()

	s.mu.Lock()
	s.live--
	s.mu.Unlock()
	return sum, true
}

// ExpiringSoon lists live sessions whose idle deadline falls within the
// given window, for advance warning events.
func (s *Store) ExpiringSoon(within time.Duration) []Notice {
	now := s.now()
	var out []Notice

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.sessions {
		st.mu.RLock()
		if !st.status.Terminal() {
			remaining := st.lastActivity.Add(s.cfg.TTL).Sub(now)
			if remaining > 0 && remaining <= within {
				out = append(out, Notice{ID: st.id, Remaining: remaining})
			}
		}
		st.mu.RUnlock()
	}
	return out
}

// ExpireIdle transitions every session past its idle deadline to
// expired, freeing records and errors, and returns their summaries.
func (s *Store) ExpireIdle() []Summary {
	now := s.now()

	s.mu.RLock()
	candidates := make([]*state, 0)
	for _, st := range s.sessions {
		candidates = append(candidates, st)
	}
	s.mu.RUnlock()

	var out []Summary
	for _, st := range candidates {
		st.mu.Lock()
		if !st.status.Terminal() && !now.Before(st.lastActivity.Add(s.cfg.TTL)) {
			out = append(out, s.terminateLocked(st, StatusExpired))
		}
		st.mu.Unlock()
	}

	if len(out) > 0 {
		s.mu.Lock()
		s.live -= len(out)
		s.mu.Unlock()
	}
	return out
}

// PurgeTombstones removes terminal sessions past their grace period and
// returns the number purged.
func (s *Store) PurgeTombstones() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, st := range s.sessions {
		st.mu.RLock()
		stale := !st.tombstoneAt.IsZero() && now.Sub(st.tombstoneAt) >= s.cfg.TombstoneTTL
		st.mu.RUnlock()
		if stale {
			delete(s.sessions, id)
			purged++
		}
	}
	return purged
}

// LiveCount returns the number of non-terminal sessions.
func (s *Store) LiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live
}

// terminateLocked frees a session's bulk state and records the terminal
// status. Caller holds st.mu.
func (s *Store) terminateLocked(st *state, status Status) Summary {
	now := s.now()
	sum := Summary{
		ID:              st.id,
		Status:          status,
		TotalRecords:    len(st.records),
		RemainingErrors: len(st.errs),
		ResolvedCount:   st.resolved,
		CreatedAt:       st.createdAt,
		EndedAt:         now,
	}

	st.status = status
	st.records = nil
	st.versions = nil
	st.errs = nil
	st.mapping = nil
	st.fieldCols = nil
	st.tombstoneAt = now
	return sum
}

// lookup finds a session entry, tombstones included.
func (s *Store) lookup(id string) (*state, error) {
	s.mu.RLock()
	st := s.sessions[id]
	s.mu.RUnlock()
	if st == nil {
		return nil, ErrSessionNotFound
	}
	return st, nil
}

// checkLive rejects mutations on terminal sessions. Caller holds st.mu
// in either mode.
func (st *state) checkLive() error {
	switch st.status {
	case StatusExpired:
		return ErrSessionExpired
	case StatusDeleted:
		return ErrSessionNotFound
	default:
		return nil
	}
}

// snapshotLocked builds a Snapshot. Caller holds st.mu in either mode.
func (s *Store) snapshotLocked(st *state) Snapshot {
	snap := Snapshot{
		ID:              st.id,
		Status:          st.status,
		TotalRecords:    len(st.records),
		RemainingErrors: len(st.errs),
		ResolvedCount:   st.resolved,
		CreatedAt:       st.createdAt,
		LastActivityAt:  st.lastActivity,
	}
	if !st.status.Terminal() {
		snap.ExpiresAt = st.lastActivity.Add(s.cfg.TTL)
	}
	return snap
}

// sortErrorRecords orders error records by (recordIndex, field) for
// stable API responses.
func sortErrorRecords(errs []validate.ErrorRecord) {
	sort.Slice(errs, func(i, j int) bool {
		if errs[i].RecordIndex != errs[j].RecordIndex {
			return errs[i].RecordIndex < errs[j].RecordIndex
		}
		return errs[i].Field < errs[j].Field
	})
}

// reverseMapping inverts a source-column → canonical-field mapping.
func reverseMapping(m validate.Mapping) map[string]string {
	out := make(map[string]string, len(m))
	for col, field := range m {
		out[field] = col
	}
	return out
}
