// Package ledger is the append-only per-run state log. Every status
// transition writes a brand-new entry keyed by (run, timestamp); the
// run's current state is simply its newest entry. Concurrent writers
// are resolved by create-only conditional writes instead of locks: a
// lost race re-reads and re-appends, so no update is ever overwritten.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/scorchlab/scorch/storage"
	"github.com/scorchlab/scorch/types"
)

const partitionPrefix = "run#"

// sortFormat orders entries chronologically under lexicographic sort.
const sortFormat = "20060102T150405.000000000"

// appendRetries bounds re-append attempts after losing a write race.
const appendRetries = 10

// Entry is one ledger row: a full run snapshot at a point in time.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Run       types.Run `json:"run"`
}

// Ledger stores run state as an append-only sequence of snapshots.
type Ledger struct {
	store  storage.Store
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a ledger over the given store.
func New(store storage.Store, logger zerolog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger.With().Str("component", "ledger").Logger(),
		now:    time.Now,
	}
}

// Append writes a new entry for runID. apply receives the latest known
// state (or a fresh run if none exists) and mutates only the fields
// that changed; everything else carries forward. The written snapshot
// is returned.
func (l *Ledger) Append(ctx context.Context, runID string, apply func(*types.Run)) (types.Run, error) {
	for attempt := 0; attempt < appendRetries; attempt++ {
		run, err := l.Latest(ctx, runID)
		if err == storage.ErrNotFound {
			run = types.Run{ID: runID}
		} else if err != nil {
			return types.Run{}, err
		}

		apply(&run)
		run.ID = runID

		ts := l.now().UTC()
		entry := Entry{Timestamp: ts, Run: run}
		value, err := json.Marshal(entry)
		if err != nil {
			return types.Run{}, fmt.Errorf("failed to encode ledger entry: %w", err)
		}

		// Create-only write: colliding with a concurrent appender (or
		// a same-nanosecond entry) re-reads and tries again.
		err = l.store.PutIf(ctx, partitionPrefix+runID, ts.Format(sortFormat), value, 0)
		if err == storage.ErrVersionConflict {
			continue
		}
		if err != nil {
			return types.Run{}, fmt.Errorf("failed to append ledger entry: %w", err)
		}

		l.logger.Debug().
			Str("run_id", runID).
			Str("status", string(run.Status)).
			Str("phase", string(run.Phase)).
			Msg("ledger entry appended")
		return run, nil
	}
	return types.Run{}, fmt.Errorf("failed to append ledger entry for %s: too many write conflicts", runID)
}

// Latest returns the newest snapshot for a run, or storage.ErrNotFound
// when the run has no entries. This is the sole read path for "what is
// this run's status now".
func (l *Ledger) Latest(ctx context.Context, runID string) (types.Run, error) {
	records, err := l.store.Scan(ctx, partitionPrefix+runID)
	if err != nil {
		return types.Run{}, err
	}
	if len(records) == 0 {
		return types.Run{}, storage.ErrNotFound
	}

	// Scan returns sort-key order, which is chronological.
	var entry Entry
	if err := json.Unmarshal(records[len(records)-1].Value, &entry); err != nil {
		return types.Run{}, fmt.Errorf("corrupt ledger entry for %s: %w", runID, err)
	}
	return entry.Run, nil
}

// History returns every snapshot for a run, oldest first.
func (l *Ledger) History(ctx context.Context, runID string) ([]Entry, error) {
	records, err := l.store.Scan(ctx, partitionPrefix+runID)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		var entry Entry
		if err := json.Unmarshal(rec.Value, &entry); err != nil {
			return nil, fmt.Errorf("corrupt ledger entry for %s: %w", runID, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// List returns the newest snapshot of each run, newest-first,
// optionally filtered by status, up to limit (0 means no limit).
func (l *Ledger) List(ctx context.Context, statusFilter types.RunStatus, limit int) ([]types.Run, error) {
	records, err := l.store.ScanAll(ctx)
	if err != nil {
		return nil, err
	}

	// Records arrive partition-ordered then sort-ordered, so the last
	// record seen per partition is that run's newest entry.
	newest := make(map[string]Entry)
	for _, rec := range records {
		if !strings.HasPrefix(rec.Partition, partitionPrefix) {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(rec.Value, &entry); err != nil {
			return nil, fmt.Errorf("corrupt ledger entry in %s: %w", rec.Partition, err)
		}
		newest[rec.Partition] = entry
	}

	entries := make([]Entry, 0, len(newest))
	for _, entry := range newest {
		if statusFilter != "" && entry.Run.Status != statusFilter {
			continue
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	runs := make([]types.Run, len(entries))
	for i, entry := range entries {
		runs[i] = entry.Run
	}
	return runs, nil
}
