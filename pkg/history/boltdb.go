package history

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	bolt "go.etcd.io/bbolt"
)

var bucketHistory = []byte("history")

// BoltStore keeps the processing history in a local BoltDB file. Entries
// are keyed by a monotonic sequence so iteration order is insertion
// order; retention trims the oldest entries past maxLen.
type BoltStore struct {
	db     *bolt.DB
	maxLen int
}

// NewBoltStore opens (or creates) the history database under dataDir,
// creating the directory on first run.
func NewBoltStore(dataDir string, maxLen int) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "history.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketHistory)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history bucket: %w", err)
	}

	if maxLen <= 0 {
		maxLen = 1000
	}
	return &BoltStore{db: db, maxLen: maxLen}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Record appends an event and trims the bucket to the retention length.
func (s *BoltStore) Record(_ context.Context, ev Event) error {
	ev.Message = boundedMessage(ev.Message)

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		ev.ID = strconv.FormatUint(seq, 10)

		data, err := json.Marshal(&ev)
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), data); err != nil {
			return err
		}

		// keys are the monotonic sequence, so retention is a range
		// delete of everything below seq-maxLen
		if seq > uint64(s.maxLen) {
			threshold := seqKey(seq - uint64(s.maxLen))
			c := b.Cursor()
			for k, _ := c.First(); k != nil && string(k) <= string(threshold); k, _ = c.First() {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Recent returns up to limit events, newest first.
func (s *BoltStore) Recent(_ context.Context, limit int, ticketID int64) ([]Event, error) {
	limit = clampLimit(limit)

	var out []Event
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketHistory).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if ticketID != 0 && ev.TicketID != ticketID {
				continue
			}
			out = append(out, ev)
		}
		return nil
	})
	return out, err
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
