// Package service coordinates writes to rundowns.  Structural operations
// are serialized per document behind an advisory lock and a revision
// compare-and-swap; cell edits go straight to targeted JSON updates.
// Every applied change is appended to the operation log and fanned out
// to connected clients.  Logging, notification and integration events
// are best effort: their failures are logged and counted but never undo
// a committed write.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/rundown-sync/internal/config"
	"github.com/iliyamo/rundown-sync/internal/lock"
	"github.com/iliyamo/rundown-sync/internal/model"
	"github.com/iliyamo/rundown-sync/internal/queue"
	"github.com/iliyamo/rundown-sync/internal/repository"
	"github.com/iliyamo/rundown-sync/internal/rundown"
	"github.com/iliyamo/rundown-sync/internal/sequence"
)

// ErrConflict is returned when a structural operation lost the
// compare-and-swap race on every attempt.  Clients retry it.
var ErrConflict = errors.New("rundown changed concurrently, retry")

// Counters exported under /debug/vars.
var metrics = expvar.NewMap("coordinator")

const (
	metricLockFallbacks   = "lock_contention_fallbacks"
	metricAppendFailures  = "oplog_append_failures"
	metricSequenceFailure = "sequence_failures"
	metricCASRetries      = "cas_retries"
	metricNotifyFailures  = "broadcast_failures"
	metricEventFailures   = "event_failures"
	metricStructuralOps   = "structural_ops"
	metricCellBatches     = "cell_edit_batches"
)

// RundownStore persists rundown documents and memberships.
type RundownStore interface {
	GetByID(ctx context.Context, id string) (*model.Rundown, error)
	CanAccess(ctx context.Context, rundownID, userID string, write bool) error
	Create(ctx context.Context, rd *model.Rundown) error
	SaveStructural(ctx context.Context, rd *model.Rundown, expectedRevision int64) error
	ApplyCellEdits(ctx context.Context, rundownID string, updates []model.FieldUpdate, userID string, at time.Time) error
	AddMember(ctx context.Context, rundownID, ownerID, userID, role string) error
	ListForUser(ctx context.Context, userID string) ([]model.Summary, error)
}

// OperationLog is the append-only history of applied operations.
type OperationLog interface {
	Append(ctx context.Context, op *model.Operation) error
	ListSince(ctx context.Context, rundownID string, since int64, limit int) ([]model.Operation, error)
	LatestSequence(ctx context.Context, rundownID string) (int64, error)
	PrunedThrough(ctx context.Context, rundownID string) (int64, error)
	PruneBefore(ctx context.Context, before time.Time) (int64, error)
}

// Notifier delivers a notification to the clients connected to a rundown.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification) error
}

// EventPublisher forwards applied operations to external integrations.
type EventPublisher interface {
	Publish(ctx context.Context, ev queue.OperationAppliedEvent) error
}

// SnapshotCache caches full documents between writes, each paired with
// the log position read before it.
type SnapshotCache interface {
	Get(ctx context.Context, id string) (*model.Rundown, int64, bool)
	Set(ctx context.Context, rd *model.Rundown, position int64) error
	Invalidate(ctx context.Context, id string) error
}

// Deps are the collaborators of a Coordinator.  Notifier, Events and Cache
// are optional.
type Deps struct {
	Store    RundownStore
	Log      OperationLog
	Sequence sequence.Allocator
	Locker   lock.Locker
	Notifier Notifier
	Events   EventPublisher
	Cache    SnapshotCache
	Applier  rundown.Applier
	Now      func() time.Time
	NewID    func() string
}

// Coordinator is the single writer path for rundowns.
type Coordinator struct {
	store    RundownStore
	oplog    OperationLog
	seq      sequence.Allocator
	locker   lock.Locker
	notifier Notifier
	events   EventPublisher
	cache    SnapshotCache
	applier  rundown.Applier
	now      func() time.Time
	newID    func() string
	cfg      config.SyncConfig

	wg sync.WaitGroup
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(d Deps, cfg config.SyncConfig) *Coordinator {
	c := &Coordinator{
		store:    d.Store,
		oplog:    d.Log,
		seq:      d.Sequence,
		locker:   d.Locker,
		notifier: d.Notifier,
		events:   d.Events,
		cache:    d.Cache,
		applier:  d.Applier,
		now:      d.Now,
		newID:    d.NewID,
		cfg:      cfg,
	}
	if c.applier.NewID == nil {
		c.applier = rundown.NewApplier()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	if c.cfg.SaveRetries < 1 {
		c.cfg.SaveRetries = 1
	}
	if c.cfg.LockRetryAttempts < 1 {
		c.cfg.LockRetryAttempts = 1
	}
	return c
}

// Close waits for in-flight integration events.
func (c *Coordinator) Close() {
	c.wg.Wait()
}

// StructuralResult is returned by ApplyStructuralOperation.
type StructuralResult struct {
	NewVersion     int64  `json:"newVersion"`
	ItemCount      int    `json:"itemCount"`
	Description    string `json:"description"`
	SequenceNumber int64  `json:"sequenceNumber"`
}

// ApplyStructuralOperation applies one structural operation on behalf of
// actor.  The document is re-read and the operation re-applied when a
// concurrent write wins the revision race.
func (c *Coordinator) ApplyStructuralOperation(ctx context.Context, rundownID, actor, clientID string, opType model.OpType, payload json.RawMessage) (StructuralResult, error) {
	if !opType.IsStructural() {
		return StructuralResult{}, fmt.Errorf("%w: %q", rundown.ErrUnknownOperation, opType)
	}
	if err := c.store.CanAccess(ctx, rundownID, actor, true); err != nil {
		return StructuralResult{}, err
	}

	lease, err := lock.Acquire(ctx, c.locker, lock.Key(rundownID), c.cfg.LockRetryAttempts, c.cfg.LockRetryDelay)
	if err != nil {
		if ctx.Err() != nil {
			return StructuralResult{}, ctx.Err()
		}
		metrics.Add(metricLockFallbacks, 1)
		log.Printf("coordinator: lock for %s not acquired, proceeding: %v", rundownID, err)
	} else {
		defer func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := lease.Release(rctx); err != nil {
				log.Printf("coordinator: release lock for %s: %v", rundownID, err)
			}
		}()
	}

	var (
		next   *model.Rundown
		res    rundown.Result
		saveAt time.Time
	)
	for attempt := 1; ; attempt++ {
		snap, err := c.store.GetByID(ctx, rundownID)
		if err != nil {
			return StructuralResult{}, err
		}
		res, err = c.applier.Apply(snap, opType, payload)
		if err != nil {
			return StructuralResult{}, err
		}
		next = res.Rundown
		saveAt = c.now().UTC()
		next.DocVersion = snap.DocVersion + 1
		next.UpdatedAt = saveAt
		next.UpdatedBy = actor

		err = c.store.SaveStructural(ctx, next, snap.Revision)
		if err == nil {
			break
		}
		if !errors.Is(err, repository.ErrRevisionConflict) {
			return StructuralResult{}, err
		}
		if attempt >= c.cfg.SaveRetries {
			return StructuralResult{}, ErrConflict
		}
		metrics.Add(metricCASRetries, 1)
	}
	metrics.Add(metricStructuralOps, 1)

	op := model.Operation{
		ID:         c.newID(),
		RundownID:  rundownID,
		Type:       opType,
		Payload:    res.Payload,
		UserID:     actor,
		ClientID:   clientID,
		DocVersion: next.DocVersion,
		AppliedAt:  saveAt,
	}
	c.record(ctx, &op)
	c.invalidate(ctx, rundownID)
	c.announce(ctx, op, len(next.Items), res.Description)

	return StructuralResult{
		NewVersion:     next.DocVersion,
		ItemCount:      len(next.Items),
		Description:    res.Description,
		SequenceNumber: op.SequenceNumber,
	}, nil
}

// CellEditsPayload is the logged payload of cell_edit and global_edit
// operations.
type CellEditsPayload struct {
	FieldUpdates []model.FieldUpdate `json:"fieldUpdates"`
}

// CellResult is returned by SubmitCellEdits.
type CellResult struct {
	UpdatedAt      time.Time `json:"updatedAt"`
	SequenceNumber int64     `json:"sequenceNumber"`
}

// SubmitCellEdits validates and writes a batch of field updates.  The
// batch is all or nothing.  Timestamps in the future are clamped to the
// server clock and a missing timestamp becomes the server time.
func (c *Coordinator) SubmitCellEdits(ctx context.Context, rundownID, actor, clientID string, updates []model.FieldUpdate) (CellResult, error) {
	if len(updates) == 0 {
		return CellResult{}, fmt.Errorf("%w: no field updates", rundown.ErrInvalidPayload)
	}
	if err := c.store.CanAccess(ctx, rundownID, actor, true); err != nil {
		return CellResult{}, err
	}
	now := c.now().UTC()
	nowMs := now.UnixMilli()
	normalized := make([]model.FieldUpdate, len(updates))
	for i, u := range updates {
		n, err := rundown.NormalizeUpdate(u)
		if err != nil {
			return CellResult{}, err
		}
		if n.Timestamp <= 0 || n.Timestamp > nowMs {
			n.Timestamp = nowMs
		}
		normalized[i] = n
	}

	snap, err := c.store.GetByID(ctx, rundownID)
	if err != nil {
		return CellResult{}, err
	}
	check := snap
	for _, u := range normalized {
		if check, err = rundown.ApplyFieldUpdate(check, u); err != nil {
			return CellResult{}, err
		}
	}
	if err := c.store.ApplyCellEdits(ctx, rundownID, normalized, actor, now); err != nil {
		return CellResult{}, err
	}
	metrics.Add(metricCellBatches, 1)
	c.invalidate(ctx, rundownID)

	var items, globals []model.FieldUpdate
	for _, u := range normalized {
		if u.ItemID == "" {
			globals = append(globals, u)
		} else {
			items = append(items, u)
		}
	}
	var last int64
	for _, group := range []struct {
		t model.OpType
		u []model.FieldUpdate
	}{{model.OpCellEdit, items}, {model.OpGlobalEdit, globals}} {
		if len(group.u) == 0 {
			continue
		}
		payload, err := json.Marshal(CellEditsPayload{FieldUpdates: group.u})
		if err != nil {
			return CellResult{}, err
		}
		op := model.Operation{
			ID:         c.newID(),
			RundownID:  rundownID,
			Type:       group.t,
			Payload:    payload,
			UserID:     actor,
			ClientID:   clientID,
			DocVersion: snap.DocVersion,
			AppliedAt:  now,
		}
		c.record(ctx, &op)
		c.announce(ctx, op, len(snap.Items), fmt.Sprintf("Updated %d field(s)", len(group.u)))
		if op.SequenceNumber > last {
			last = op.SequenceNumber
		}
	}
	return CellResult{UpdatedAt: now, SequenceNumber: last}, nil
}

// record assigns the sequence number and appends op to the log.  Both
// steps are best effort.
func (c *Coordinator) record(ctx context.Context, op *model.Operation) {
	seq, err := c.seq.Next(ctx)
	if err != nil {
		metrics.Add(metricSequenceFailure, 1)
		log.Printf("coordinator: allocate sequence for %s %s: %v", op.RundownID, op.Type, err)
		return
	}
	op.SequenceNumber = seq
	if err := c.oplog.Append(ctx, op); err != nil {
		metrics.Add(metricAppendFailures, 1)
		log.Printf("coordinator: append %s seq=%d to log: %v", op.Type, seq, err)
	}
}

func (c *Coordinator) invalidate(ctx context.Context, rundownID string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Invalidate(ctx, rundownID); err != nil {
		log.Printf("coordinator: invalidate cache for %s: %v", rundownID, err)
	}
}

// announce notifies connected clients synchronously and publishes the
// integration event in the background.
func (c *Coordinator) announce(ctx context.Context, op model.Operation, itemCount int, description string) {
	if c.notifier != nil {
		n := model.Notification{RundownID: op.RundownID, Operation: op, ItemCount: itemCount}
		if err := c.notifier.Notify(ctx, n); err != nil {
			metrics.Add(metricNotifyFailures, 1)
			log.Printf("coordinator: notify %s: %v", op.RundownID, err)
		}
	}
	if c.events == nil {
		return
	}
	ev := queue.OperationAppliedEvent{
		RundownID:      op.RundownID,
		OperationID:    op.ID,
		OperationType:  string(op.Type),
		SequenceNumber: op.SequenceNumber,
		DocVersion:     op.DocVersion,
		UserID:         op.UserID,
		ClientID:       op.ClientID,
		ItemCount:      itemCount,
		Description:    description,
		AppliedAt:      op.AppliedAt.Format(time.RFC3339Nano),
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ectx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.events.Publish(ectx, ev); err != nil {
			metrics.Add(metricEventFailures, 1)
		}
	}()
}
