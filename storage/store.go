// Package storage defines the shared state store the ledger and rate
// limiter persist to. The contract is deliberately small: key-value
// records addressed by (partition, sort), conditional writes keyed on a
// version token, and range scans within a partition.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no record exists for a key.
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict is returned when a conditional write loses a race.
	ErrVersionConflict = errors.New("version conflict")
)

// Record is one stored item. Version starts at 1 on create and
// increments on every successful write.
type Record struct {
	Partition string `json:"partition"`
	Sort      string `json:"sort"`
	Value     []byte `json:"value"`
	Version   int64  `json:"version"`
}

// Store is a key-value store with optimistic-concurrency writes.
type Store interface {
	// Get returns the record at (partition, sort) or ErrNotFound.
	Get(ctx context.Context, partition, sort string) (Record, error)

	// Put writes unconditionally, creating or replacing the record.
	Put(ctx context.Context, partition, sort string, value []byte) error

	// PutIf writes only when the stored version equals expectVersion.
	// expectVersion 0 means the record must not exist yet. Lost races
	// return ErrVersionConflict.
	PutIf(ctx context.Context, partition, sort string, value []byte, expectVersion int64) error

	// Scan returns all records in a partition ordered by sort key.
	Scan(ctx context.Context, partition string) ([]Record, error)

	// ScanAll returns every record ordered by (partition, sort).
	ScanAll(ctx context.Context) ([]Record, error)

	Close() error
}
