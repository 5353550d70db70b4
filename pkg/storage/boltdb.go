package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/tierd/pkg/events"
	"github.com/cuemby/tierd/pkg/log"
	"github.com/cuemby/tierd/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketDrives = []byte("drives")
	bucketTasks  = []byte("tasks")
	bucketEvents = []byte("events")
)

// DefaultEventRetention is how many events are kept in the journal
const DefaultEventRetention = 500

// BoltStore implements Journal using BoltDB
type BoltStore struct {
	db        *bolt.DB
	retention int
}

// NewBoltStore opens (creating if needed) the journal database at path
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketDrives, bucketTasks, bucketEvents} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, retention: DefaultEventRetention}, nil
}

// OpenReadOnly opens an existing journal without taking the write lock,
// so the CLI can inspect it while the daemon runs.
func OpenReadOnly(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0400, &bolt.Options{ReadOnly: true, Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &BoltStore{db: db, retention: DefaultEventRetention}, nil
}

// SetRetention changes how many events are kept
func (s *BoltStore) SetRetention(n int) {
	if n > 0 {
		s.retention = n
	}
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Drive operations
func (s *BoltStore) PutDrive(rec *types.DriveRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDrives)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.DevicePath), data)
	})
}

func (s *BoltStore) GetDrive(devicePath string) (*types.DriveRecord, error) {
	var rec types.DriveRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDrives)
		if b == nil {
			return fmt.Errorf("%w: drive %s", ErrNotFound, devicePath)
		}
		data := b.Get([]byte(devicePath))
		if data == nil {
			return fmt.Errorf("%w: drive %s", ErrNotFound, devicePath)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListDrives() ([]*types.DriveRecord, error) {
	var recs []*types.DriveRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDrives)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var rec types.DriveRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

// Task operations
func (s *BoltStore) PutTaskRun(run *types.TaskRun) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data, err := json.Marshal(run)
		if err != nil {
			return err
		}
		return b.Put([]byte(run.Name), data)
	})
}

func (s *BoltStore) ListTaskRuns() ([]*types.TaskRun, error) {
	var runs []*types.TaskRun
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var run types.TaskRun
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			runs = append(runs, &run)
			return nil
		})
	})
	return runs, err
}

// Event operations

// AppendEvent stores ev under a monotonically increasing key and trims the
// bucket to the retention limit.
func (s *BoltStore) AppendEvent(ev *events.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if err := b.Put(itob(seq), data); err != nil {
			return err
		}

		if seq <= uint64(s.retention) {
			return nil
		}
		cutoff := seq - uint64(s.retention)
		var stale [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= cutoff; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecentEvents returns up to limit events, newest first
func (s *BoltStore) RecentEvents(limit int) ([]*events.Event, error) {
	var out []*events.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(out) < limit); k, v = c.Prev() {
			var ev events.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			out = append(out, &ev)
		}
		return nil
	})
	return out, err
}

// Record appends every event received on sub until the channel closes.
func (s *BoltStore) Record(sub events.Subscriber) {
	logger := log.WithComponent("journal")
	for ev := range sub {
		if err := s.AppendEvent(ev); err != nil {
			logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("Failed to journal event")
		}
	}
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
