package client

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/iliyamo/rundown-sync/internal/merge"
	"github.com/iliyamo/rundown-sync/internal/model"
	"github.com/iliyamo/rundown-sync/internal/offline"
	"github.com/iliyamo/rundown-sync/internal/rundown"
)

// DefaultDebounce is the pause after the last edit before unsent edits are
// flushed.
const DefaultDebounce = 1200 * time.Millisecond

// appliedWindow bounds the set of sequence numbers remembered above the
// floor.
const appliedWindow = 1024

// errLate reports a cell operation that arrived after one with a higher
// sequence number was applied.  The server order of the two is unknown, so
// the document is refetched.
var errLate = errors.New("client: operation arrived out of order")

// Backend is the part of the API the syncer uses.
type Backend interface {
	Snapshot(ctx context.Context, rundownID string) (*Snapshot, error)
	OperationsSince(ctx context.Context, rundownID string, since int64, limit int) (*OperationsPage, error)
	SubmitOperation(ctx context.Context, rundownID, clientID string, opType model.OpType, payload json.RawMessage) (*StructuralResult, error)
	SubmitCells(ctx context.Context, rundownID, clientID string, updates []model.FieldUpdate) (*CellResult, error)
}

// Options tune a Syncer.
type Options struct {
	Debounce time.Duration
	// Retry builds the backoff policy of one flush.  The default retries
	// with exponential delays for up to a minute.
	Retry func() backoff.BackOff
	Now   func() time.Time
	// OnChange is called, outside the syncer lock, after the local
	// document changed.
	OnChange func(*model.Rundown)
}

// Syncer keeps a local copy of one rundown in sync with the server.  Local
// edits are applied immediately, queued durably and flushed after a
// debounce.  Notifications from peers are applied in order; a gap in the
// version chain triggers a catch-up from the operation log, and a pruned
// log or a cell operation that arrives late triggers a full refetch merged
// with the unsent edits.
//
// Sequence numbers are shared by all rundowns, so the ones a rundown sees
// are not contiguous.  The syncer remembers which it applied above floor,
// the position of the last full fetch; lastSeq is the highest of them.
type Syncer struct {
	api       Backend
	queue     *offline.Queue
	rundownID string
	clientID  string
	opts      Options
	applier   rundown.Applier

	mu       sync.Mutex
	doc      *model.Rundown
	lastSeq  int64
	floor    int64
	applied  mapset.Set[int64]
	inflight []model.OfflineChange
	timer    *time.Timer
	stopped  error

	flushMu sync.Mutex
}

// NewSyncer returns a Syncer; call Load before editing.
func NewSyncer(api Backend, q *offline.Queue, rundownID, clientID string, opts Options) *Syncer {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Retry == nil {
		opts.Retry = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxElapsedTime = time.Minute
			return b
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Syncer{
		api:       api,
		queue:     q,
		rundownID: rundownID,
		clientID:  clientID,
		opts:      opts,
		applier:   rundown.NewApplier(),
		applied:   mapset.NewThreadUnsafeSet[int64](),
	}
}

// Document returns a copy of the local document.
func (s *Syncer) Document() *model.Rundown {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Clone()
}

// LastSequence returns the newest operation sequence applied locally.
func (s *Syncer) LastSequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

func (s *Syncer) changed() {
	if s.opts.OnChange == nil {
		return
	}
	s.opts.OnChange(s.Document())
}

// stop records a hard failure; later calls return it.
func (s *Syncer) stop(err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) {
		s.mu.Lock()
		s.stopped = err
		if s.timer != nil {
			s.timer.Stop()
		}
		s.mu.Unlock()
	}
	return err
}

// Load fetches the document and lays the unsent edits of a previous
// session on top of it.
func (s *Syncer) Load(ctx context.Context) error {
	snap, err := s.api.Snapshot(ctx, s.rundownID)
	if err != nil {
		return s.stop(err)
	}
	pending, err := s.queue.Pending()
	if err != nil {
		return err
	}
	res := merge.Merge(&snap.Rundown, pending)
	s.mu.Lock()
	s.doc = res.Rundown
	s.resetLocked(snap.LatestSequence)
	s.mu.Unlock()
	if len(pending) > 0 {
		s.schedule()
	}
	s.changed()
	return nil
}

// Edit applies a field edit locally, queues it and restarts the debounce.
// itemID is empty for document fields.
func (s *Syncer) Edit(itemID, field string, value json.RawMessage) error {
	u := model.FieldUpdate{ItemID: itemID, Field: field, Value: value, Timestamp: s.opts.Now().UnixMilli()}
	u, err := rundown.NormalizeUpdate(u)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.stopped != nil {
		s.mu.Unlock()
		return s.stopped
	}
	if s.doc == nil {
		s.mu.Unlock()
		return errors.New("client: document not loaded")
	}
	next, err := rundown.ApplyFieldUpdate(s.doc, u)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.doc = next
	s.mu.Unlock()

	if err := s.queue.Enqueue(model.OfflineChange{ItemID: u.ItemID, Field: u.Field, Value: u.Value, Timestamp: u.Timestamp}); err != nil {
		return err
	}
	s.schedule()
	s.changed()
	return nil
}

func (s *Syncer) schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped != nil {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.opts.Debounce, func() {
		if err := s.Flush(context.Background()); err != nil {
			log.Printf("sync: flush %s: %v", s.rundownID, err)
		}
	})
}

// Flush sends every queued edit now.  Transport failures and retryable
// server errors are retried with exponential backoff; edits that still
// fail go back to the queue.  Edits the server rejects as invalid are
// dropped.
func (s *Syncer) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	stopped := s.stopped
	s.mu.Unlock()
	if stopped != nil {
		return stopped
	}

	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	changes, err := s.queue.Drain()
	if err != nil || len(changes) == 0 {
		return err
	}
	s.mu.Lock()
	s.inflight = changes
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inflight = nil
		s.mu.Unlock()
	}()
	updates := make([]model.FieldUpdate, len(changes))
	for i, c := range changes {
		updates[i] = c.Update()
	}

	send := func() error {
		_, err := s.api.SubmitCells(ctx, s.rundownID, s.clientID, updates)
		var apiErr *APIError
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrForbidden):
			return backoff.Permanent(err)
		case errors.As(err, &apiErr) && apiErr.Permanent():
			return backoff.Permanent(err)
		}
		return err
	}
	err = backoff.Retry(send, backoff.WithContext(s.opts.Retry(), ctx))
	if err == nil {
		return nil
	}
	var apiErr *APIError
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrForbidden):
		return s.stop(err)
	case errors.As(err, &apiErr) && apiErr.Permanent():
		log.Printf("sync: dropping %d rejected edit(s) for %s: %v", len(changes), s.rundownID, err)
		return err
	}
	if rqErr := s.queue.Requeue(changes); rqErr != nil {
		return errors.Join(err, rqErr)
	}
	return err
}

// Structural submits a structural operation and then catches up, which
// brings the normalized operation back from the log and applies it
// locally in order with any peer operations.
func (s *Syncer) Structural(ctx context.Context, opType model.OpType, payload json.RawMessage) (*StructuralResult, error) {
	if err := s.Flush(ctx); err != nil {
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			return nil, err
		}
	}
	res, err := s.api.SubmitOperation(ctx, s.rundownID, s.clientID, opType, payload)
	if err != nil {
		return nil, s.stop(err)
	}
	if err := s.CatchUp(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// HandleNotification applies an operation pushed by the server.
func (s *Syncer) HandleNotification(ctx context.Context, n model.Notification) error {
	if n.RundownID != s.rundownID {
		return nil
	}
	s.mu.Lock()
	gap := s.doc == nil
	late := false
	if !gap {
		var err error
		gap, err = s.applyLocked(n.Operation)
		switch {
		case errors.Is(err, errLate):
			late = true
		case err != nil:
			log.Printf("sync: apply %s seq=%d: %v", n.Operation.Type, n.Operation.SequenceNumber, err)
			gap = true
		}
	}
	s.mu.Unlock()
	if late {
		return s.refetch(ctx, true)
	}
	if gap {
		return s.CatchUp(ctx)
	}
	s.changed()
	return nil
}

// applyLocked applies one logged operation to the local document.  It
// reports a gap when the operation does not directly follow the local
// version, in which case nothing is applied, and errLate for a cell
// operation older than one already applied.
func (s *Syncer) applyLocked(op model.Operation) (gap bool, err error) {
	if s.seenLocked(op.SequenceNumber) {
		return false, nil
	}
	if op.Type.IsStructural() {
		switch {
		case op.DocVersion <= s.doc.DocVersion:
			s.advance(op.SequenceNumber)
			return false, nil
		case op.DocVersion > s.doc.DocVersion+1:
			return true, nil
		}
		res, err := s.applier.Apply(s.doc, op.Type, op.Payload)
		if err != nil {
			return false, err
		}
		res.Rundown.DocVersion = op.DocVersion
		res.Rundown.UpdatedAt = op.AppliedAt
		res.Rundown.UpdatedBy = op.UserID
		s.doc = res.Rundown
		s.advance(op.SequenceNumber)
		return false, nil
	}
	if op.SequenceNumber != 0 && op.SequenceNumber < s.lastSeq {
		return false, errLate
	}
	if op.DocVersion > s.doc.DocVersion {
		return true, nil
	}
	var p struct {
		FieldUpdates []model.FieldUpdate `json:"fieldUpdates"`
	}
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return false, err
	}
	doc := s.doc
	for _, u := range p.FieldUpdates {
		if u.Timestamp < doc.FieldTime(u.Key()) {
			continue
		}
		next, err := rundown.ApplyFieldUpdate(doc, u)
		if err != nil {
			if errors.Is(err, rundown.ErrItemNotFound) {
				continue
			}
			return false, err
		}
		doc = next
	}
	if op.AppliedAt.After(doc.UpdatedAt) {
		next := *doc
		next.UpdatedAt = op.AppliedAt
		doc = &next
	}
	s.doc = doc
	s.advance(op.SequenceNumber)
	return false, nil
}

func (s *Syncer) seenLocked(seq int64) bool {
	return seq != 0 && (seq <= s.floor || s.applied.Contains(seq))
}

// advance records seq as applied.
func (s *Syncer) advance(seq int64) {
	if seq == 0 || seq <= s.floor {
		return
	}
	s.applied.Add(seq)
	if seq > s.lastSeq {
		s.lastSeq = seq
	}
	if s.applied.Cardinality() <= appliedWindow {
		return
	}
	seqs := s.applied.ToSlice()
	slices.Sort(seqs)
	for _, old := range seqs[:len(seqs)/2] {
		s.applied.Remove(old)
	}
	s.floor = seqs[len(seqs)/2-1]
}

// resetLocked starts over from a full fetch at position seq.
func (s *Syncer) resetLocked(seq int64) {
	s.floor, s.lastSeq = seq, seq
	s.applied.Clear()
}

// CatchUp replays the operation log from the last applied sequence.  It
// falls back to Resync when the log no longer reaches back that far or an
// operation cannot be applied in order.
func (s *Syncer) CatchUp(ctx context.Context) error {
	for {
		since := s.LastSequence()
		page, err := s.api.OperationsSince(ctx, s.rundownID, since, 0)
		if err != nil {
			return s.stop(err)
		}
		if page.ResyncRequired {
			return s.Resync(ctx)
		}
		s.mu.Lock()
		if s.doc == nil {
			s.mu.Unlock()
			return s.Resync(ctx)
		}
		for _, op := range page.Operations {
			gap, err := s.applyLocked(op)
			if err != nil || gap {
				s.mu.Unlock()
				if err != nil {
					log.Printf("sync: replay %s seq=%d: %v", op.Type, op.SequenceNumber, err)
				}
				return s.Resync(ctx)
			}
		}
		if len(page.Operations) == 0 {
			s.advance(page.LatestSequence)
		}
		s.mu.Unlock()
		if !page.HasMore || len(page.Operations) == 0 {
			break
		}
	}
	s.changed()
	return nil
}

// Resync refetches the whole document and merges the unsent edits onto it,
// including a batch a concurrent Flush is still sending.  A local copy that
// looks up to date is kept.
func (s *Syncer) Resync(ctx context.Context) error {
	return s.refetch(ctx, false)
}

// refetch is Resync; with force set the server document replaces a local
// copy that only looks up to date.
func (s *Syncer) refetch(ctx context.Context, force bool) error {
	snap, err := s.api.Snapshot(ctx, s.rundownID)
	if err != nil {
		return s.stop(err)
	}
	pending, err := s.queue.Pending()
	if err != nil {
		return err
	}
	s.mu.Lock()
	local := s.doc
	if local == nil {
		local = &model.Rundown{}
	}
	unsent := append(append([]model.OfflineChange(nil), s.inflight...), pending...)
	res, err := merge.Resolve(local, &snap.Rundown, unsent)
	if err == nil && force && res.Staleness == merge.UpToDate {
		res = merge.Merge(&snap.Rundown, unsent)
	}
	if err != nil {
		// local state stays
		log.Printf("sync: %s: %v (local v%d, remote v%d)", s.rundownID, err, local.DocVersion, snap.DocVersion)
		s.mu.Unlock()
		return nil
	}
	s.doc = res.Rundown
	s.resetLocked(snap.LatestSequence)
	s.mu.Unlock()
	s.changed()
	return nil
}
