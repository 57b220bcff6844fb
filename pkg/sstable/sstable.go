// Package sstable is the persisted sorted-run layer: every upload from
// pkg/version turns a SharedBufferBatch into one durable bbolt bucket per
// sorted run, keyed by full_key (user_key || epoch), readable back in
// sorted order through ScanRun.
//
// Grounded on the teacher's pkg/storage/boltdb.go (one bolt.DB, bucket per
// logical collection, json.Marshal'd values, db.Update/db.View closures)
// generalized from "one bucket per resource kind" to "one bucket per SST
// id" — a sorted run, not a CRUD table, so entries are written once and
// never updated in place.
package sstable

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/riverstream/river/pkg/errs"
	"github.com/riverstream/river/pkg/sharedbuffer"
)

var bucketRuns = []byte("runs")     // run id (big-endian uint64) -> manifest json (SSTInfo)
var bucketIndex = []byte("sst_idx") // reserved for a future block index; each run's own bucket is named by runBucketName

func runBucketName(id uint64) []byte {
	name := make([]byte, 8+len("run_"))
	copy(name, "run_")
	binary.BigEndian.PutUint64(name[4:], id)
	return name
}

// Store is a bbolt-backed collection of persisted sorted runs. One Store
// serves one compute node; compaction groups share the same underlying
// bolt.DB but each run is its own bucket so merge iteration can open a
// bolt cursor directly over the bucket's already-sorted keys.
type Store struct {
	mu   sync.Mutex
	db   *bolt.DB
	next uint64
}

// Open creates or reopens a Store backed by a single bbolt file under
// dataDir.
func Open(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, "sstable.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errs.New(errs.Store, "sstable.Open", err)
	}
	s := &Store{db: db}
	if err := db.Update(func(tx *bolt.Tx) error {
		runs, err := tx.CreateBucketIfNotExists(bucketRuns)
		if err != nil {
			return err
		}
		if k, _ := runs.Cursor().Last(); k != nil {
			s.next = binary.BigEndian.Uint64(k) + 1
		}
		_, err = tx.CreateBucketIfNotExists(bucketIndex)
		return err
	}); err != nil {
		db.Close()
		return nil, errs.New(errs.Store, "sstable.Open", err)
	}
	return s, nil
}

// Close closes the underlying bolt.DB.
func (s *Store) Close() error { return s.db.Close() }

// rowRecord is one Entry's on-disk encoding: json is good enough here
// since runs are write-once and read-path performance is dominated by
// bolt's B+tree lookup, not decode cost.
type rowRecord struct {
	Op sharedbuffer.Op
}

// Write persists one SharedBufferBatch as a new sorted run and returns its
// SSTInfo (this is the contract pkg/version.Manager.upload calls through).
func (s *Store) Write(ctx context.Context, batch *sharedbuffer.SharedBufferBatch) (sharedbuffer.SSTInfo, error) {
	s.mu.Lock()
	id := s.next
	s.next++
	s.mu.Unlock()

	var minKey, maxKey []byte
	err := s.db.Update(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		run, err := tx.CreateBucketIfNotExists(runBucketName(id))
		if err != nil {
			return err
		}
		batch.Iter(nil, nil, func(e sharedbuffer.Entry) bool {
			if minKey == nil {
				minKey = append([]byte(nil), e.FullKey...)
			}
			maxKey = append([]byte(nil), e.FullKey...)
			data, mErr := json.Marshal(rowRecord{Op: e.Op})
			if mErr != nil {
				err = mErr
				return false
			}
			err = run.Put(e.FullKey, data)
			return err == nil
		})
		if err != nil {
			return err
		}
		info := sharedbuffer.SSTInfo{ID: id, MinKey: minKey, MaxKey: maxKey, ByteSize: batch.Size()}
		manifest, mErr := json.Marshal(info)
		if mErr != nil {
			return mErr
		}
		return runs.Put(runKey(id), manifest)
	})
	if err != nil {
		return sharedbuffer.SSTInfo{}, errs.New(errs.Store, "sstable.Write", err)
	}
	return sharedbuffer.SSTInfo{ID: id, MinKey: minKey, MaxKey: maxKey, ByteSize: batch.Size()}, nil
}

func runKey(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

// Manifest returns the persisted SSTInfo for a run id.
func (s *Store) Manifest(id uint64) (sharedbuffer.SSTInfo, bool, error) {
	var info sharedbuffer.SSTInfo
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get(runKey(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &info)
	})
	if err != nil {
		return sharedbuffer.SSTInfo{}, false, errs.New(errs.Store, "sstable.Manifest", err)
	}
	return info, found, nil
}

// ScanRun walks a run's entries in key order within [start, end), calling
// fn for each. A nil bound is unbounded on that side. Grounded on
// pkg/iterator's PrioritizedSource contract: runs are read back in the
// same ascending full-key order they were written in.
func (s *Store) ScanRun(ctx context.Context, id uint64, start, end []byte, fn func(sharedbuffer.Entry) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(runBucketName(id))
		if bucket == nil {
			return errs.New(errs.Store, "sstable.ScanRun", fmt.Errorf("run %d not found", id))
		}
		c := bucket.Cursor()
		var k, v []byte
		if start == nil {
			k, v = c.First()
		} else {
			k, v = c.Seek(start)
		}
		for ; k != nil; k, v = c.Next() {
			if end != nil && bytes.Compare(k, end) >= 0 {
				break
			}
			var rec rowRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if err := fn(sharedbuffer.Entry{FullKey: append([]byte(nil), k...), Op: rec.Op}); err != nil {
				return err
			}
		}
		return nil
	})
}
