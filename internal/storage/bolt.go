// Package storage persists targets, scans and scan artifacts as JSON blobs
// in bbolt buckets. bbolt serialises writers, which is what keeps scan
// status transitions and artifact upserts race-free without extra locking.
package storage

import (
	"bytes"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/mzaki/scanward/internal/faults"
)

const (
	bucketTargets     = "targets"
	bucketTargetIndex = "target_index" // domain -> target id
	bucketScans       = "scans"
	bucketScanIndex   = "scan_index" // target id -> []scan id
	bucketSubdomains  = "subdomains"
	bucketEndpoints   = "endpoints"
	bucketFindings    = "findings"
	bucketPorts       = "ports"
	bucketCheckpoints = "checkpoints" // scan id -> checkpoint blob
	bucketSystem      = "system"
)

// keySep joins a scan ID with a natural key. Scan IDs are UUIDs, so the
// separator never appears inside the prefix.
const keySep = "/"

var allBuckets = []string{
	bucketTargets,
	bucketTargetIndex,
	bucketScans,
	bucketScanIndex,
	bucketSubdomains,
	bucketEndpoints,
	bucketFindings,
	bucketPorts,
	bucketCheckpoints,
	bucketSystem,
}

// Store wraps a bbolt database holding all scan state
type Store struct {
	db  *bbolt.DB
	log *zap.Logger
}

// NewStore opens a bbolt database at the given path and initializes required buckets
func NewStore(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, faults.New(faults.StoreWriteFailure, "storage.NewStore", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, faults.New(faults.StoreWriteFailure, "storage.NewStore", err)
	}

	return &Store{db: db, log: log}, nil
}

// Close closes the bbolt database
func (s *Store) Close() error {
	return s.db.Close()
}

// scanKey builds a composite artifact key under a scan's prefix
func scanKey(scanID, natural string) []byte {
	return []byte(scanID + keySep + natural)
}

// scanPrefix is the cursor prefix covering every artifact of one scan
func scanPrefix(scanID string) []byte {
	return []byte(scanID + keySep)
}

// deletePrefix removes every key under prefix in the named bucket. Keys
// are collected first; deleting while a cursor iterates is not safe.
func deletePrefix(tx *bbolt.Tx, bucket string, prefix []byte) error {
	b := tx.Bucket([]byte(bucket))

	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}

	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
