package audit

import (
	"errors"
	"testing"
	"time"
)

func TestJournalAppendAndReplay(t *testing.T) {
	dir := t.TempDir()

	journal, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if err := journal.Append(EventSubmitted, "run-1", map[string]int{"scenarios": 2}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := journal.Append(EventPhase, "run-1", map[string]string{"to": "provisioning"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := journal.AppendError(EventDeletion, "run-1", map[string]string{"resource": "i-1"}, errors.New("DependencyViolation")); err != nil {
		t.Fatalf("AppendError() error = %v", err)
	}
	if err := journal.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	var entries []*Entry
	err = Replay(dir, time.Time{}, func(e *Entry) error {
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}

	if len(entries) != 3 {
		t.Fatalf("replayed %d entries, want 3", len(entries))
	}
	if entries[0].Kind != EventSubmitted || entries[0].RunID != "run-1" {
		t.Errorf("first entry = %+v", entries[0])
	}
	if entries[1].Sequence != 2 {
		t.Errorf("sequence = %d, want 2", entries[1].Sequence)
	}
	if entries[2].Error != "DependencyViolation" {
		t.Errorf("error text = %q", entries[2].Error)
	}
}

func TestReplaySinceFilters(t *testing.T) {
	dir := t.TempDir()

	journal, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := journal.Append(EventSubmitted, "run-1", nil); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	_ = journal.Close()

	count := 0
	err = Replay(dir, time.Now().Add(time.Hour), func(e *Entry) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if count != 0 {
		t.Errorf("replayed %d entries after future cutoff, want 0", count)
	}
}
