// Package cache keeps recently read rundown snapshots in Redis so that a
// burst of clients refetching after a broadcast does not hit MySQL for
// every request.  Every write to a rundown invalidates its entry.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/rundown-sync/internal/config"
	"github.com/iliyamo/rundown-sync/internal/model"
)

// entry carries the revision alongside the document because Revision is
// not part of the client JSON form.  Position is the operation log position
// read before the document; the document is at least as new as it.
type entry struct {
	Rundown  *model.Rundown `json:"rundown"`
	Revision int64          `json:"revision"`
	Position int64          `json:"position"`
}

// Snapshots is a Redis-backed snapshot cache.  A nil *Snapshots, or one
// built with caching disabled, misses on every Get and ignores writes.
type Snapshots struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// NewSnapshots returns nil when caching is disabled or Redis is absent.
func NewSnapshots(cfg config.CacheConfig, rdb *redis.Client) *Snapshots {
	if !cfg.Enabled || rdb == nil {
		return nil
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Snapshots{rdb: rdb, ttl: ttl, prefix: cfg.Prefix}
}

func (s *Snapshots) key(id string) string { return s.prefix + ":rundown:" + id }

// Get returns the cached snapshot of id and the log position stored with
// it.  Redis errors count as misses.
func (s *Snapshots) Get(ctx context.Context, id string) (*model.Rundown, int64, bool) {
	if s == nil {
		return nil, 0, false
	}
	bs, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		return nil, 0, false
	}
	var e entry
	if err := json.Unmarshal(bs, &e); err != nil || e.Rundown == nil {
		return nil, 0, false
	}
	e.Rundown.Revision = e.Revision
	return e.Rundown, e.Position, true
}

// Set stores rd with the log position read before it.  A concurrent writer
// may have invalidated the entry in between our read and this call, so
// the stored document can be older than the store.  It is never older than
// position, which is what readers resume the log from, and the short TTL
// bounds how long it stays.  SET only goes ahead when no newer revision is
// cached.
func (s *Snapshots) Set(ctx context.Context, rd *model.Rundown, position int64) error {
	if s == nil || rd == nil {
		return nil
	}
	bs, err := json.Marshal(entry{Rundown: rd, Revision: rd.Revision, Position: position})
	if err != nil {
		return err
	}
	err = setIfNewer.Run(ctx, s.rdb, []string{s.key(rd.ID)}, bs, rd.Revision, s.ttl.Milliseconds()).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// Invalidate drops the cached snapshot of id.
func (s *Snapshots) Invalidate(ctx context.Context, id string) error {
	if s == nil {
		return nil
	}
	return s.rdb.Del(ctx, s.key(id)).Err()
}

var setIfNewer = redis.NewScript(`
	local cur = redis.call('GET', KEYS[1])
	if cur then
		local ok, doc = pcall(cjson.decode, cur)
		if ok and doc['revision'] and tonumber(doc['revision']) > tonumber(ARGV[2]) then
			return 0
		end
	end
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
	return 1
`)
