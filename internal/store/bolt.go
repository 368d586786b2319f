// Package store persists the synchronized schedule in a BoltDB file.
package store

import (
	"cmp"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"time"

	bolt "go.etcd.io/bbolt"

	appLog "confsync/internal/log"
	"confsync/internal/model"
	"confsync/internal/observable"
)

var (
	// Bucket names
	bucketEvents = []byte("events")
	bucketDays   = []byte("days")
	bucketMeta   = []byte("meta")

	keyFreshnessTag = []byte("freshness_tag")
)

// FileName is the database file created inside the data directory.
const FileName = "confsync.db"

// openTimeout bounds the wait for the file lock held by another process.
const openTimeout = 2 * time.Second

// Store is the schedule storage sink backed by BoltDB. A sync replaces the
// stored schedule in a single transaction: either every record and the new
// freshness tag are committed, or nothing is.
type Store struct {
	db   *bolt.DB
	days *observable.Value[[]model.Day]
}

// Open opens (or creates) the database in dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, FileName)

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketEvents, bucketDays, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: %w", err)
	}

	s := &Store{db: db, days: observable.NewValue[[]model.Day](nil)}
	days, err := s.loadDays()
	if err != nil {
		db.Close()
		return nil, err
	}
	s.days.Set(days)
	appLog.Debug("store opened", "path", dbPath, "days", len(days))
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Days publishes the conference days, in chronological order.
func (s *Store) Days() *observable.Value[[]model.Day] { return s.days }

// FreshnessTag returns the tag stored by the last successful sync.
func (s *Store) FreshnessTag(ctx context.Context) (model.FreshnessTag, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var tag model.FreshnessTag
	err := s.db.View(func(tx *bolt.Tx) error {
		tag = model.FreshnessTag(tx.Bucket(bucketMeta).Get(keyFreshnessTag))
		return nil
	})
	return tag, err
}

// StoreIncremental writes records in the order received, removes events that
// are no longer part of the schedule, rebuilds the day list and stores tag.
// An error from records or from ctx aborts the transaction.
//
// records is usually pulled straight off the network, so the write
// transaction stays open for the whole download. Readers are not blocked.
func (s *Store) StoreIncremental(ctx context.Context, records iter.Seq2[*model.Event, error], tag model.FreshnessTag) (int, error) {
	var (
		count   int
		written int
		days    = make(map[int]model.Day)
	)

	err := s.db.Update(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents)
		seen := make(map[string]struct{})

		for ev, err := range records {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			key := eventKey(ev.ID)
			data, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("encode event %d: %w", ev.ID, err)
			}
			// Unchanged records are not rewritten.
			if old := events.Get(key); old == nil || string(old) != string(data) {
				if err := events.Put(key, data); err != nil {
					return err
				}
				written++
			}
			seen[string(key)] = struct{}{}
			days[ev.Day.Index] = ev.Day
			count++
		}

		var stale [][]byte
		if err := events.ForEach(func(k, _ []byte) error {
			if _, ok := seen[string(k)]; !ok {
				stale = append(stale, slices.Clone(k))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := events.Delete(k); err != nil {
				return err
			}
		}

		if err := replaceDays(tx, days); err != nil {
			return err
		}

		meta := tx.Bucket(bucketMeta)
		if tag == "" {
			return meta.Delete(keyFreshnessTag)
		}
		return meta.Put(keyFreshnessTag, []byte(tag))
	})
	if err != nil {
		return 0, fmt.Errorf("store: incremental store: %w", err)
	}

	s.days.Set(sortedDays(days))
	appLog.Debug("store committed schedule", "records", count, "written", written, "days", len(days))
	return count, nil
}

// Events returns the stored events ordered by day, start time and id. A
// non-empty dayKey ("2024-02-03") restricts the result to that day.
func (s *Store) Events(ctx context.Context, dayKey string) ([]*model.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var events []*model.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).ForEach(func(_, v []byte) error {
			var ev model.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if dayKey != "" && ev.Day.Key() != dayKey {
				return nil
			}
			events = append(events, &ev)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}

	slices.SortStableFunc(events, compareEvents)
	return events, nil
}

// Event returns a single event, or ErrNotFound.
func (s *Store) Event(ctx context.Context, id int64) (*model.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ev model.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEvents).Get(eventKey(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &ev)
	})
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// ErrNotFound is returned by Event for an unknown id.
var ErrNotFound = errors.New("store: event not found")

func (s *Store) loadDays() ([]model.Day, error) {
	days := make(map[int]model.Day)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDays).ForEach(func(_, v []byte) error {
			var d model.Day
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			days[d.Index] = d
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: load days: %w", err)
	}
	return sortedDays(days), nil
}

func replaceDays(tx *bolt.Tx, days map[int]model.Day) error {
	if err := tx.DeleteBucket(bucketDays); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
		return err
	}
	b, err := tx.CreateBucket(bucketDays)
	if err != nil {
		return err
	}
	for idx, d := range days {
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		if err := b.Put(eventKey(int64(idx)), data); err != nil {
			return err
		}
	}
	return nil
}

func sortedDays(m map[int]model.Day) []model.Day {
	days := make([]model.Day, 0, len(m))
	for _, d := range m {
		days = append(days, d)
	}
	slices.SortFunc(days, func(a, b model.Day) int {
		if c := a.Date.Compare(b.Date); c != 0 {
			return c
		}
		return cmp.Compare(a.Index, b.Index)
	})
	return days
}

func compareEvents(a, b *model.Event) int {
	if c := cmp.Compare(a.Day.Index, b.Day.Index); c != 0 {
		return c
	}
	switch {
	case a.StartTime != nil && b.StartTime != nil:
		if c := a.StartTime.Compare(*b.StartTime); c != 0 {
			return c
		}
	case a.StartTime != nil:
		return -1
	case b.StartTime != nil:
		return 1
	}
	return cmp.Compare(a.ID, b.ID)
}

// eventKey encodes ids big-endian so that keys iterate in numeric order.
func eventKey(id int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}
