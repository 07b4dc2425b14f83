// Package history persists probe outcomes in an embedded bolt store so
// past provider behaviour can be inspected. It is an audit log only;
// routing state is never restored from it.
package history

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/lemonhall/ai-gateway/internal/prober"
)

var bucketProbes = []byte("probe_history")

// Record is one persisted probe outcome.
type Record struct {
	Provider       string    `json:"provider"`
	Online         bool      `json:"online"`
	ResponseTimeMS float64   `json:"response_time"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Store is a bolt-backed append-only probe log.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the history database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketProbes)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create history bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append persists one probe record. Keys are monotonic sequence numbers,
// so iteration order is insertion order.
func (s *Store) Append(rec Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProbes)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		value, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(key, value)
	})
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}

	var records []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketProbes).Cursor()
		for k, v := c.Last(); k != nil && len(records) < limit; k, v = c.Prev() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode history record: %w", err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// RecordProbe implements prober.Sink. Persistence failures are discarded
// without being logged; the probe cycle never depends on the log.
func (s *Store) RecordProbe(res prober.Result) {
	_ = s.Append(Record{
		Provider:       res.Provider,
		Online:         res.Online,
		ResponseTimeMS: res.ResponseTimeMS,
		Error:          res.Error,
		Timestamp:      res.Timestamp,
	})
}
