package storage

import (
	"context"
	"sync"

	"github.com/google/btree"
)

// MemoryStore is an in-memory Store backed by an ordered btree.
// Used in tests and local development mode.
type MemoryStore struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[*Record]
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tree: btree.NewG[*Record](32, func(a, b *Record) bool {
			if a.Partition != b.Partition {
				return a.Partition < b.Partition
			}
			return a.Sort < b.Sort
		}),
	}
}

// Get returns the record at (partition, sort) or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, partition, sort string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, found := s.tree.Get(&Record{Partition: partition, Sort: sort})
	if !found {
		return Record{}, ErrNotFound
	}
	return cloneRecord(item), nil
}

// Put writes unconditionally.
func (s *MemoryStore) Put(ctx context.Context, partition, sort string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	version := int64(1)
	if existing, found := s.tree.Get(&Record{Partition: partition, Sort: sort}); found {
		version = existing.Version + 1
	}
	s.tree.ReplaceOrInsert(&Record{
		Partition: partition,
		Sort:      sort,
		Value:     append([]byte(nil), value...),
		Version:   version,
	})
	return nil
}

// PutIf writes only when the stored version matches expectVersion.
func (s *MemoryStore) PutIf(ctx context.Context, partition, sort string, value []byte, expectVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, found := s.tree.Get(&Record{Partition: partition, Sort: sort})
	switch {
	case !found && expectVersion != 0:
		return ErrVersionConflict
	case found && existing.Version != expectVersion:
		return ErrVersionConflict
	}

	s.tree.ReplaceOrInsert(&Record{
		Partition: partition,
		Sort:      sort,
		Value:     append([]byte(nil), value...),
		Version:   expectVersion + 1,
	})
	return nil
}

// Scan returns all records in a partition ordered by sort key.
func (s *MemoryStore) Scan(ctx context.Context, partition string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []Record
	s.tree.AscendGreaterOrEqual(&Record{Partition: partition}, func(item *Record) bool {
		if item.Partition != partition {
			return false
		}
		results = append(results, cloneRecord(item))
		return true
	})
	return results, nil
}

// ScanAll returns every record in key order.
func (s *MemoryStore) ScanAll(ctx context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []Record
	s.tree.Ascend(func(item *Record) bool {
		results = append(results, cloneRecord(item))
		return true
	})
	return results, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }

func cloneRecord(r *Record) Record {
	return Record{
		Partition: r.Partition,
		Sort:      r.Sort,
		Value:     append([]byte(nil), r.Value...),
		Version:   r.Version,
	}
}
