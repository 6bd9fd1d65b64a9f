// Package offline is the client-side queue of edits that have not been
// acknowledged by the server.  Changes survive restarts in a bbolt file.
// The queue holds at most one change per field: a newer edit replaces the
// pending one and moves it to the end of the replay order.
package offline

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/iliyamo/rundown-sync/internal/model"
)

var (
	bucketChanges = []byte("changes") // order key → change
	bucketKeys    = []byte("keys")    // field key → order key
)

// Fresh enqueues are numbered from base upwards; requeued changes take
// keys below the current head so they replay first.
const base = uint64(1) << 40

// Queue is a durable, per-field deduplicating queue of OfflineChange.
// It is safe for concurrent use.
type Queue struct {
	db *bolt.DB
}

// Open opens or creates the queue file at path and restores any pending
// changes.
func Open(path string) (*Queue, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("offline: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketChanges, bucketKeys} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("offline: init %s: %w", path, err)
	}
	return &Queue{db: db}, nil
}

// Close closes the file.  Calls after Close fail.
func (q *Queue) Close() error {
	return q.db.Close()
}

func encodeKey(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

// Enqueue records a local edit.  A pending change for the same field with
// an older or equal timestamp is superseded: its value and timestamp are
// replaced, the new timestamp is appended to its history and it moves to
// the end of the queue.  When the pending change is newer it keeps its
// value and place and only its history records c.
func (q *Queue) Enqueue(c model.OfflineChange) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		changes, keys := tx.Bucket(bucketChanges), tx.Bucket(bucketKeys)
		fieldKey := []byte(c.Key())

		history := []int64{c.Timestamp}
		if old := keys.Get(fieldKey); old != nil {
			var prev model.OfflineChange
			if err := json.Unmarshal(changes.Get(old), &prev); err != nil {
				return err
			}
			if prev.Timestamp > c.Timestamp {
				prev.History = mergeHistory(prev.History, []int64{c.Timestamp})
				return put(changes, keys, old, prev)
			}
			history = append(prev.History, c.Timestamp)
			if err := changes.Delete(old); err != nil {
				return err
			}
		}
		c.History = history

		seq, err := changes.NextSequence()
		if err != nil {
			return err
		}
		return put(changes, keys, encodeKey(base+seq), c)
	})
}

func put(changes, keys *bolt.Bucket, order []byte, c model.OfflineChange) error {
	body, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := changes.Put(order, body); err != nil {
		return err
	}
	return keys.Put([]byte(c.Key()), order)
}

// Pending returns the queued changes in replay order without removing
// them.
func (q *Queue) Pending() ([]model.OfflineChange, error) {
	var out []model.OfflineChange
	err := q.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = readAll(tx.Bucket(bucketChanges))
		return err
	})
	return out, err
}

func readAll(b *bolt.Bucket) ([]model.OfflineChange, error) {
	out := []model.OfflineChange{}
	err := b.ForEach(func(_, v []byte) error {
		var c model.OfflineChange
		if err := json.Unmarshal(v, &c); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

// Drain removes and returns every queued change in replay order.  The
// queue is empty afterwards; changes that fail to send go back through
// Requeue.
func (q *Queue) Drain() ([]model.OfflineChange, error) {
	var out []model.OfflineChange
	err := q.db.Update(func(tx *bolt.Tx) error {
		var err error
		if out, err = readAll(tx.Bucket(bucketChanges)); err != nil {
			return err
		}
		seq := tx.Bucket(bucketChanges).Sequence()
		for _, name := range [][]byte{bucketChanges, bucketKeys} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}
		changes, err := tx.CreateBucket(bucketChanges)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucket(bucketKeys); err != nil {
			return err
		}
		return changes.SetSequence(seq)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Requeue puts drained changes back at the head of the queue, keeping
// their relative order.  When a field has been edited again since it was
// drained the two are folded into the queued entry: the greater
// timestamp keeps its value and the histories are merged.
func (q *Queue) Requeue(cs []model.OfflineChange) error {
	if len(cs) == 0 {
		return nil
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		changes, keys := tx.Bucket(bucketChanges), tx.Bucket(bucketKeys)
		head := base
		if k, _ := changes.Cursor().First(); k != nil {
			head = binary.BigEndian.Uint64(k)
		}
		for i := len(cs) - 1; i >= 0; i-- {
			c := cs[i]
			if cur := keys.Get([]byte(c.Key())); cur != nil {
				var newer model.OfflineChange
				if err := json.Unmarshal(changes.Get(cur), &newer); err != nil {
					return err
				}
				newer.History = mergeHistory(c.History, newer.History)
				if c.Timestamp > newer.Timestamp {
					newer.Value, newer.Timestamp = c.Value, c.Timestamp
				}
				if err := put(changes, keys, cur, newer); err != nil {
					return err
				}
				continue
			}
			if head == 0 {
				return errors.New("offline: requeue space exhausted")
			}
			head--
			if err := put(changes, keys, encodeKey(head), c); err != nil {
				return err
			}
		}
		return nil
	})
}

// mergeHistory returns older followed by the entries of newer not already
// present.
func mergeHistory(older, newer []int64) []int64 {
	seen := make(map[int64]bool, len(older))
	out := make([]int64, 0, len(older)+len(newer))
	for _, ts := range older {
		seen[ts] = true
		out = append(out, ts)
	}
	for _, ts := range newer {
		if !seen[ts] {
			out = append(out, ts)
		}
	}
	return out
}

// Len returns the number of queued changes.
func (q *Queue) Len() (int, error) {
	n := 0
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeys).ForEach(func(_, _ []byte) error {
			n++
			return nil
		})
	})
	return n, err
}
