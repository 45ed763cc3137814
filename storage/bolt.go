package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"go.etcd.io/bbolt"
)

var bucketRecords = []byte("records")

// keySep separates partition from sort key inside the bucket. 0x00 sorts
// before any printable byte so composite keys keep partition ordering.
const keySep = "\x00"

// BoltStore is a bbolt-backed Store for single-node deployments.
// Conditional writes are serialized by bbolt's single-writer transaction,
// so the version check and the put are atomic.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (or creates) a store under dir.
func NewBoltStore(dir string) (*BoltStore, error) {
	dbPath := filepath.Join(dir, "scorch.db")

	db, err := bbolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRecords)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Get returns the record at (partition, sort) or ErrNotFound.
func (s *BoltStore) Get(ctx context.Context, partition, sort string) (Record, error) {
	var rec Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRecords).Get(makeKey(partition, sort))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Put writes unconditionally.
func (s *BoltStore) Put(ctx context.Context, partition, sort string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)
		key := makeKey(partition, sort)

		version := int64(1)
		if data := bucket.Get(key); data != nil {
			var existing Record
			if err := json.Unmarshal(data, &existing); err == nil {
				version = existing.Version + 1
			}
		}

		return putRecord(bucket, key, Record{
			Partition: partition,
			Sort:      sort,
			Value:     value,
			Version:   version,
		})
	})
}

// PutIf writes only when the stored version matches expectVersion.
func (s *BoltStore) PutIf(ctx context.Context, partition, sort string, value []byte, expectVersion int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)
		key := makeKey(partition, sort)

		data := bucket.Get(key)
		if data == nil {
			if expectVersion != 0 {
				return ErrVersionConflict
			}
		} else {
			var existing Record
			if err := json.Unmarshal(data, &existing); err != nil {
				return fmt.Errorf("corrupt record at %s/%s: %w", partition, sort, err)
			}
			if existing.Version != expectVersion {
				return ErrVersionConflict
			}
		}

		return putRecord(bucket, key, Record{
			Partition: partition,
			Sort:      sort,
			Value:     value,
			Version:   expectVersion + 1,
		})
	})
}

// Scan returns all records in a partition ordered by sort key.
func (s *BoltStore) Scan(ctx context.Context, partition string) ([]Record, error) {
	prefix := []byte(partition + keySep)
	var results []Record

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt record at %q: %w", k, err)
			}
			results = append(results, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// ScanAll returns every record in key order.
func (s *BoltStore) ScanAll(ctx context.Context) ([]Record, error) {
	var results []Record

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt record at %q: %w", k, err)
			}
			results = append(results, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func putRecord(bucket *bbolt.Bucket, key []byte, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return bucket.Put(key, data)
}

func makeKey(partition, sort string) []byte {
	return []byte(partition + keySep + sort)
}
