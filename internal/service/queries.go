package service

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/iliyamo/rundown-sync/internal/model"
	"github.com/iliyamo/rundown-sync/internal/repository"
	"github.com/iliyamo/rundown-sync/internal/rundown"
)

// OperationsPage is one page of the operation log.  ResyncRequired is set
// when operations after since have been pruned; the client must refetch
// the full document instead of replaying.
type OperationsPage struct {
	Operations     []model.Operation `json:"operations"`
	LatestSequence int64             `json:"latestSequence"`
	HasMore        bool              `json:"hasMore"`
	ResyncRequired bool              `json:"resyncRequired"`
}

// FetchOperationsSince returns the operations of a rundown with a sequence
// number greater than since.
func (c *Coordinator) FetchOperationsSince(ctx context.Context, rundownID, actor string, since int64, limit int) (OperationsPage, error) {
	if err := c.store.CanAccess(ctx, rundownID, actor, false); err != nil {
		return OperationsPage{}, err
	}
	if limit <= 0 {
		limit = c.cfg.OpsPageLimit
	}
	if limit <= 0 || limit > repository.MaxOperationsPage {
		limit = repository.MaxOperationsPage
	}
	if since < 0 {
		since = 0
	}
	latest, pruned, err := c.position(ctx, rundownID)
	if err != nil {
		return OperationsPage{}, err
	}
	if since < pruned {
		return OperationsPage{Operations: []model.Operation{}, LatestSequence: latest, ResyncRequired: true}, nil
	}
	ops, err := c.oplog.ListSince(ctx, rundownID, since, limit)
	if err != nil {
		return OperationsPage{}, err
	}
	page := OperationsPage{Operations: ops, LatestSequence: latest}
	if n := len(ops); n > 0 && ops[n-1].SequenceNumber < latest {
		page.HasMore = true
	}
	return page, nil
}

// position returns the newest sequence number of a rundown and the
// pruning watermark.  A fully pruned log still reports the watermark as
// its latest position.
func (c *Coordinator) position(ctx context.Context, rundownID string) (latest, pruned int64, err error) {
	if latest, err = c.oplog.LatestSequence(ctx, rundownID); err != nil {
		return 0, 0, err
	}
	if pruned, err = c.oplog.PrunedThrough(ctx, rundownID); err != nil {
		return 0, 0, err
	}
	if pruned > latest {
		latest = pruned
	}
	return latest, pruned, nil
}

// Snapshot is a full document together with the log position it is at
// least as new as.  Clients resume the operation stream from
// LatestSequence.
type Snapshot struct {
	*model.Rundown
	LatestSequence int64 `json:"latestSequence"`
}

// FetchSnapshot returns the current document with derived times filled in.
// The log position is read before the document so that replaying from it
// can repeat an operation but never skip one.  A cached document comes
// with the position that was read before it.
func (c *Coordinator) FetchSnapshot(ctx context.Context, rundownID, actor string) (Snapshot, error) {
	if err := c.store.CanAccess(ctx, rundownID, actor, false); err != nil {
		return Snapshot{}, err
	}
	var (
		rd     *model.Rundown
		latest int64
		hit    bool
	)
	if c.cache != nil {
		rd, latest, hit = c.cache.Get(ctx, rundownID)
	}
	if !hit {
		var err error
		if latest, _, err = c.position(ctx, rundownID); err != nil {
			return Snapshot{}, err
		}
		if rd, err = c.store.GetByID(ctx, rundownID); err != nil {
			return Snapshot{}, err
		}
		if c.cache != nil {
			if err := c.cache.Set(ctx, rd, latest); err != nil {
				log.Printf("coordinator: cache %s: %v", rundownID, err)
			}
		}
	}
	out := *rd
	out.Items = rundown.CalculateTimes(rd.Items, rd.StartTime)
	return Snapshot{Rundown: &out, LatestSequence: latest}, nil
}

// CreateRundown creates an empty rundown owned by actor.
func (c *Coordinator) CreateRundown(ctx context.Context, actor, title, showDate, startTime, timezone string) (*model.Rundown, error) {
	now := c.now().UTC()
	rd := &model.Rundown{
		ID:               c.newID(),
		OwnerID:          actor,
		Title:            strings.TrimSpace(title),
		Items:            []model.Item{},
		LockedRowNumbers: map[string]string{},
		FieldUpdatedAt:   map[string]int64{},
		UpdatedAt:        now,
		UpdatedBy:        actor,
	}
	var err error
	if rd.ShowDate, err = rundown.NormalizeShowDate(showDate); err != nil {
		return nil, err
	}
	for field, v := range map[string]string{model.FieldStartTime: startTime, model.FieldTimezone: timezone} {
		if v == "" {
			continue
		}
		raw, _ := json.Marshal(v)
		if rd, err = rundown.ApplyDocumentField(rd, field, raw); err != nil {
			return nil, err
		}
	}
	if err := c.store.Create(ctx, rd); err != nil {
		return nil, err
	}
	return rd, nil
}

// ShareRundown grants userID a role on a rundown owned by actor.
func (c *Coordinator) ShareRundown(ctx context.Context, rundownID, actor, userID, role string) error {
	switch role {
	case model.RoleEditor, model.RoleViewer:
	default:
		return rundown.ErrInvalidValue
	}
	if strings.TrimSpace(userID) == "" {
		return rundown.ErrInvalidValue
	}
	return c.store.AddMember(ctx, rundownID, actor, userID, role)
}

// CheckAccess reports whether actor may read the rundown.
func (c *Coordinator) CheckAccess(ctx context.Context, rundownID, actor string) error {
	return c.store.CanAccess(ctx, rundownID, actor, false)
}

// ListRundowns returns the rundowns visible to actor.
func (c *Coordinator) ListRundowns(ctx context.Context, actor string) ([]model.Summary, error) {
	return c.store.ListForUser(ctx, actor)
}

// PruneOperations deletes logged operations applied before now minus the
// retention.  A zero retention keeps everything.
func (c *Coordinator) PruneOperations(ctx context.Context) (int64, error) {
	if c.cfg.OplogRetention <= 0 {
		return 0, nil
	}
	return c.oplog.PruneBefore(ctx, c.now().Add(-c.cfg.OplogRetention))
}

// RunPruner prunes the operation log every PruneInterval until ctx is done.
func (c *Coordinator) RunPruner(ctx context.Context) {
	if c.cfg.OplogRetention <= 0 {
		return
	}
	interval := c.cfg.PruneInterval
	if interval <= 0 {
		interval = time.Hour
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := c.PruneOperations(ctx)
			if err != nil {
				log.Printf("coordinator: prune operation log: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("coordinator: pruned %d operation(s)", n)
			}
		}
	}
}
