// Package servicetest provides in-memory collaborators for coordinator
// tests.
package servicetest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/rundown-sync/internal/lock"
	"github.com/iliyamo/rundown-sync/internal/model"
	"github.com/iliyamo/rundown-sync/internal/queue"
	"github.com/iliyamo/rundown-sync/internal/repository"
	"github.com/iliyamo/rundown-sync/internal/rundown"
)

// Store is an in-memory RundownStore with the same revision semantics as
// the MySQL repository.
type Store struct {
	mu      sync.Mutex
	docs    map[string]*model.Rundown
	members map[string]map[string]string

	// BeforeSave, when set, runs before every SaveStructural and may
	// simulate a concurrent writer through Touch.
	BeforeSave func(rundownID string)
	Saves      int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{docs: map[string]*model.Rundown{}, members: map[string]map[string]string{}}
}

// Put stores rd as is and makes OwnerID its owner.
func (s *Store) Put(rd *model.Rundown) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[rd.ID] = rd.Clone()
	s.members[rd.ID] = map[string]string{rd.OwnerID: model.RoleOwner}
}

// Doc returns a copy of the stored document.
func (s *Store) Doc(id string) *model.Rundown {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs[id].Clone()
}

// Touch bumps the revision of a document as another writer would.
func (s *Store) Touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rd := s.docs[id]; rd != nil {
		rd.Revision++
	}
}

func (s *Store) GetByID(_ context.Context, id string) (*model.Rundown, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rd, ok := s.docs[id]
	if !ok {
		return nil, repository.ErrRundownNotFound
	}
	return rd.Clone(), nil
}

func (s *Store) CanAccess(_ context.Context, rundownID, userID string, write bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[rundownID]; !ok {
		return repository.ErrRundownNotFound
	}
	role, ok := s.members[rundownID][userID]
	if !ok || (write && !model.CanWrite(role)) {
		return repository.ErrForbidden
	}
	return nil
}

func (s *Store) Create(_ context.Context, rd *model.Rundown) error {
	s.Put(rd)
	return nil
}

func (s *Store) SaveStructural(_ context.Context, rd *model.Rundown, expectedRevision int64) error {
	if s.BeforeSave != nil {
		s.BeforeSave(rd.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Saves++
	cur, ok := s.docs[rd.ID]
	if !ok {
		return repository.ErrRundownNotFound
	}
	if cur.Revision != expectedRevision {
		return repository.ErrRevisionConflict
	}
	next := rd.Clone()
	next.Revision = expectedRevision + 1
	s.docs[rd.ID] = next
	rd.Revision = next.Revision
	return nil
}

func (s *Store) ApplyCellEdits(_ context.Context, rundownID string, updates []model.FieldUpdate, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rd, ok := s.docs[rundownID]
	if !ok {
		return repository.ErrRundownNotFound
	}
	next := rd
	for _, u := range updates {
		var err error
		if next, err = rundown.ApplyFieldUpdate(next, u); err != nil {
			return err
		}
	}
	next = next.Clone()
	next.Revision = rd.Revision + 1
	next.UpdatedAt = at
	next.UpdatedBy = userID
	s.docs[rundownID] = next
	return nil
}

func (s *Store) AddMember(_ context.Context, rundownID, ownerID, userID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rd, ok := s.docs[rundownID]
	if !ok {
		return repository.ErrRundownNotFound
	}
	if rd.OwnerID != ownerID || ownerID == userID {
		return repository.ErrForbidden
	}
	s.members[rundownID][userID] = role
	return nil
}

func (s *Store) ListForUser(_ context.Context, userID string) ([]model.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.Summary{}
	for id, m := range s.members {
		role, ok := m[userID]
		if !ok {
			continue
		}
		rd := s.docs[id]
		out = append(out, model.Summary{ID: id, Title: rd.Title, ShowDate: rd.ShowDate, DocVersion: rd.DocVersion, Role: role, ItemCount: len(rd.Items)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Log is an in-memory OperationLog.
type Log struct {
	mu     sync.Mutex
	ops    []model.Operation
	pruned map[string]int64

	// AppendErr, when set, fails every Append.
	AppendErr error
}

// NewLog returns an empty log.
func NewLog() *Log { return &Log{pruned: map[string]int64{}} }

// Ops returns every stored operation in append order.
func (l *Log) Ops() []model.Operation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.Operation(nil), l.ops...)
}

func (l *Log) Append(_ context.Context, op *model.Operation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.AppendErr != nil {
		return l.AppendErr
	}
	l.ops = append(l.ops, *op)
	return nil
}

func (l *Log) ListSince(_ context.Context, rundownID string, since int64, limit int) ([]model.Operation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []model.Operation{}
	for _, op := range l.ops {
		if op.RundownID == rundownID && op.SequenceNumber > since {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *Log) LatestSequence(_ context.Context, rundownID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var max int64
	for _, op := range l.ops {
		if op.RundownID == rundownID && op.SequenceNumber > max {
			max = op.SequenceNumber
		}
	}
	return max, nil
}

func (l *Log) PrunedThrough(_ context.Context, rundownID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pruned[rundownID], nil
}

func (l *Log) PruneBefore(_ context.Context, before time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.ops[:0]
	var n int64
	for _, op := range l.ops {
		if op.AppliedAt.Before(before) {
			if op.SequenceNumber > l.pruned[op.RundownID] {
				l.pruned[op.RundownID] = op.SequenceNumber
			}
			n++
			continue
		}
		kept = append(kept, op)
	}
	l.ops = kept
	return n, nil
}

// Sequence is a counting allocator.
type Sequence struct {
	mu   sync.Mutex
	next int64
	Err  error
}

func (s *Sequence) Next(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	s.next++
	return s.next, nil
}

// Locker is a process-local Locker.  Held keys can be pre-seeded to
// simulate another instance holding the lock.
type Locker struct {
	mu       sync.Mutex
	held     map[int64]bool
	Acquired int
}

// NewLocker returns a Locker with nothing held.
func NewLocker() *Locker { return &Locker{held: map[int64]bool{}} }

// Hold marks the lock of rundownID as held elsewhere.
func (l *Locker) Hold(rundownID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held[lock.Key(rundownID)] = true
}

// Held reports whether the lock of rundownID is currently held.
func (l *Locker) Held(rundownID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[lock.Key(rundownID)]
}

func (l *Locker) TryLock(_ context.Context, key int64) (lock.Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	l.Acquired++
	return lease{l: l, key: key}, true, nil
}

type lease struct {
	l   *Locker
	key int64
}

func (le lease) Release(context.Context) error {
	le.l.mu.Lock()
	defer le.l.mu.Unlock()
	delete(le.l.held, le.key)
	return nil
}

// Notifier records notifications.
type Notifier struct {
	mu   sync.Mutex
	Sent []model.Notification
	Err  error
}

func (n *Notifier) Notify(_ context.Context, note model.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return n.Err
	}
	n.Sent = append(n.Sent, note)
	return nil
}

// Notifications returns a copy of the recorded notifications.
func (n *Notifier) Notifications() []model.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.Notification(nil), n.Sent...)
}

// Events records integration events.
type Events struct {
	mu  sync.Mutex
	evs []queue.OperationAppliedEvent
}

func (e *Events) Publish(_ context.Context, ev queue.OperationAppliedEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evs = append(e.evs, ev)
	return nil
}

// Published returns a copy of the recorded events.
func (e *Events) Published() []queue.OperationAppliedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]queue.OperationAppliedEvent(nil), e.evs...)
}

// ErrUnavailable is a generic backend failure.
var ErrUnavailable = errors.New("backend unavailable")
