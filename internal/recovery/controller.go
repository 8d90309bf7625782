// Package recovery is the operation surface over the session store:
// status, suggestions, single and bulk fixes, and rule-driven automated
// fixes. It owns batch semantics and announces every mutation on the
// progress broadcaster; the store remains the only component touching
// session internals.
package recovery

import (
	"context"
	"sort"
	"sync"

	"github.com/JonMunkholm/importflow/internal/broadcast"
	"github.com/JonMunkholm/importflow/internal/session"
	"github.com/JonMunkholm/importflow/internal/validate"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxWorkers bounds bulk-fix parallelism. Per-record locking in
// the store makes parallel application safe; this just keeps very large
// batches from spawning unbounded goroutines.
const DefaultMaxWorkers = 16

// FixRequest addresses one fix. ExpectedVersion nil means blind
// overwrite; non-nil engages the optimistic concurrency check.
type FixRequest struct {
	RecordIndex     int    `json:"recordIndex"`
	Field           string `json:"field"`
	NewValue        string `json:"newValue"`
	ExpectedVersion *int64 `json:"expectedVersion,omitempty"`
}

// FixFailure reports one failed item of a bulk operation.
type FixFailure struct {
	RecordIndex int    `json:"recordIndex"`
	Field       string `json:"field"`
	Reason      string `json:"reason"`
}

// BulkFixResult is the synchronous outcome of a bulk operation. For a
// batch of size N, Successful + len(Failed) == N.
type BulkFixResult struct {
	Successful int          `json:"successful"`
	Failed     []FixFailure `json:"failed"`
}

// Suggestion is one representative auto-fix recommendation for a group
// of errors sharing (field, errorType).
type Suggestion struct {
	Field     string             `json:"field"`
	ErrorType validate.ErrorType `json:"errorType"`
	Count     int                `json:"count"`
	AutoFix   *validate.AutoFix  `json:"autoFix,omitempty"`
}

// AutoFixRule selects errors by field (and implicitly by the repair's
// applicable error types) and names the deterministic transform to
// apply to each.
type AutoFixRule struct {
	Type         validate.FixAction `json:"type"`
	Field        string             `json:"field"`
	DefaultValue string             `json:"defaultValue,omitempty"`
}

// Controller exposes the recovery operations. It holds session ids and
// a broadcaster, never direct references to mutable session internals.
type Controller struct {
	store      *session.Store
	hub        *broadcast.Hub
	maxWorkers int
}

// New creates a controller. maxWorkers <= 0 selects DefaultMaxWorkers.
func New(store *session.Store, hub *broadcast.Hub, maxWorkers int) *Controller {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	return &Controller{store: store, hub: hub, maxWorkers: maxWorkers}
}

// Status returns the session's status and error counters. Read-only;
// never blocks writers.
func (c *Controller) Status(sessionID string) (session.Snapshot, error) {
	return c.store.Get(sessionID)
}

// Analyze submits field mappings and validates the whole dataset,
// announcing the status transition to subscribers.
func (c *Controller) Analyze(ctx context.Context, sessionID string, mapping validate.Mapping) ([]validate.ErrorRecord, error) {
	errs, err := c.store.Analyze(ctx, sessionID, mapping)
	if err != nil {
		return nil, err
	}

	c.hub.Publish(sessionID, broadcast.StatusChanged(sessionID, string(session.StatusAnalyzed)))
	return errs, nil
}

// Suggestions groups the session's current errors by (field, errorType)
// and returns one representative recommendation per group with the
// number of records it would affect. Computed on demand from the live
// error set, never cached.
func (c *Controller) Suggestions(sessionID string) ([]Suggestion, error) {
	errs, err := c.store.Errors(sessionID)
	if err != nil {
		return nil, err
	}

	type groupKey struct {
		field   string
		errType validate.ErrorType
	}
	groups := make(map[groupKey]*Suggestion)
	for _, e := range errs {
		key := groupKey{field: e.Field, errType: e.ErrorType}
		g, ok := groups[key]
		if !ok {
			g = &Suggestion{Field: e.Field, ErrorType: e.ErrorType}
			groups[key] = g
		}
		g.Count++
		if g.AutoFix == nil && e.AutoFix != nil {
			g.AutoFix = e.AutoFix
		}
	}

	out := make([]Suggestion, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Field != out[j].Field {
			return out[i].Field < out[j].Field
		}
		return out[i].ErrorType < out[j].ErrorType
	})
	return out, nil
}

// FixSingle applies one fix and announces it. Returns the record's new
// version.
func (c *Controller) FixSingle(ctx context.Context, sessionID string, req FixRequest) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	outcome, err := c.store.ApplyFix(sessionID, req.RecordIndex, req.Field, req.NewValue, req.ExpectedVersion)
	if err != nil {
		return 0, err
	}

	c.hub.Publish(sessionID, broadcast.FixApplied(sessionID, req.RecordIndex, req.Field))
	if outcome.StatusChanged {
		c.hub.Publish(sessionID, broadcast.StatusChanged(sessionID, string(outcome.Status)))
	}
	return outcome.Version, nil
}

// FixBulk applies each fix independently: a conflict or validation
// failure on one item never aborts the batch. Items are applied in
// parallel by a worker pool sized to the batch (bounded by maxWorkers);
// the store's per-record serialization makes this safe.
func (c *Controller) FixBulk(ctx context.Context, sessionID string, fixes []FixRequest) (BulkFixResult, error) {
	// Fail the whole call only for errors that apply to every item.
	if _, err := c.store.Get(sessionID); err != nil {
		return BulkFixResult{}, err
	}
	if len(fixes) == 0 {
		return BulkFixResult{}, nil
	}

	var (
		mu     sync.Mutex
		result BulkFixResult
	)
	lastStatus := ""

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(min(len(fixes), c.maxWorkers))

	for _, fix := range fixes {
		fix := fix
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				mu.Lock()
				result.Failed = append(result.Failed, FixFailure{
					RecordIndex: fix.RecordIndex,
					Field:       fix.Field,
					Reason:      "Cancelled",
				})
				mu.Unlock()
				return nil
			}

			outcome, err := c.store.ApplyFix(sessionID, fix.RecordIndex, fix.Field, fix.NewValue, fix.ExpectedVersion)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed = append(result.Failed, FixFailure{
					RecordIndex: fix.RecordIndex,
					Field:       fix.Field,
					Reason:      session.Reason(err),
				})
				return nil
			}
			result.Successful++
			if outcome.StatusChanged {
				lastStatus = string(outcome.Status)
			}
			return nil
		})
	}
	// Workers never return errors; per-item failures live in the result.
	_ = g.Wait()

	sortFailures(result.Failed)
	c.hub.Publish(sessionID, broadcast.BulkFixCompleted(sessionID, result.Successful, len(result.Failed)))
	if lastStatus != "" {
		c.hub.Publish(sessionID, broadcast.StatusChanged(sessionID, lastStatus))
	}
	return result, nil
}

// AutoFix applies rule-driven repairs: for each rule it finds the
// current errors on the rule's field that the rule's transform can
// repair, computes the deterministic new value, and applies the whole
// set as a bulk fix.
func (c *Controller) AutoFix(ctx context.Context, sessionID string, rules []AutoFixRule) (BulkFixResult, error) {
	errs, err := c.store.Errors(sessionID)
	if err != nil {
		return BulkFixResult{}, err
	}

	var fixes []FixRequest
	seen := make(map[[2]any]bool)
	for _, rule := range rules {
		for _, e := range errs {
			if e.Field != rule.Field {
				continue
			}
			key := [2]any{e.RecordIndex, e.Field}
			if seen[key] {
				continue
			}

			newValue, ok := c.transform(sessionID, rule, e)
			if !ok {
				continue
			}
			seen[key] = true
			fixes = append(fixes, FixRequest{
				RecordIndex: e.RecordIndex,
				Field:       e.Field,
				NewValue:    newValue,
			})
		}
	}

	if len(fixes) == 0 {
		return BulkFixResult{}, nil
	}
	return c.FixBulk(ctx, sessionID, fixes)
}

// transform computes the deterministic new value for one error under
// one rule, or ok=false when the rule does not apply.
func (c *Controller) transform(sessionID string, rule AutoFixRule, e validate.ErrorRecord) (string, bool) {
	switch rule.Type {
	case validate.ActionApplyDefault:
		if e.ErrorType != validate.ErrMissingRequired {
			return "", false
		}
		if rule.DefaultValue != "" {
			return rule.DefaultValue, true
		}
		if e.AutoFix != nil && e.AutoFix.Action == validate.ActionApplyDefault {
			return e.AutoFix.NewValue, true
		}
		return "", false

	case validate.ActionTrimWhitespace, validate.ActionReformat:
		// The suggestion already encodes the transform's result for the
		// current value; recomputing from the raw value guards against
		// the value having changed since analysis.
		if e.AutoFix == nil || e.AutoFix.Action != rule.Type {
			return "", false
		}
		raw, _, err := c.store.FieldValue(sessionID, e.RecordIndex, e.Field)
		if err != nil {
			return "", false
		}
		f, ok := c.store.Rules().Field(e.Field)
		if !ok {
			return "", false
		}
		fix := validate.SuggestFix(e.ErrorType, raw, f)
		if fix == nil || fix.Action != rule.Type {
			return "", false
		}
		return fix.NewValue, true
	}

	return "", false
}

// Delete tears down a session and closes its event subscribers.
// Idempotent: deleting an unknown or already-terminal session reports
// found=false and is not an error.
func (c *Controller) Delete(sessionID string) (session.Summary, bool) {
	sum, found := c.store.Delete(sessionID)
	if found {
		c.hub.Publish(sessionID, broadcast.StatusChanged(sessionID, string(session.StatusDeleted)))
		c.hub.CloseSession(sessionID)
	}
	return sum, found
}

// sortFailures orders bulk failures by (recordIndex, field) so results
// are stable regardless of worker scheduling.
func sortFailures(failed []FixFailure) {
	sort.Slice(failed, func(i, j int) bool {
		if failed[i].RecordIndex != failed[j].RecordIndex {
			return failed[i].RecordIndex < failed[j].RecordIndex
		}
		return failed[i].Field < failed[j].Field
	})
}
