// Package merge reconciles a client's unsent edits with a freshly fetched
// server document.  Every field is decided on its own: the most recent
// write wins, comparing the client's edit time with the server's
// per-field write time.
package merge

import (
	"errors"
	"time"

	"github.com/iliyamo/rundown-sync/internal/model"
	"github.com/iliyamo/rundown-sync/internal/rundown"
)

// Staleness compares a client's copy of a rundown with the server's.
type Staleness int

const (
	// UpToDate means the client copy already reflects the server.
	UpToDate Staleness = iota
	// MergeRequired means the server moved on and local edits must be
	// merged onto the server document.
	MergeRequired
	// RemoteBehind means the server is older than what the client has
	// already seen.  It points at a server bug and is never merged.
	RemoteBehind
)

func (s Staleness) String() string {
	switch s {
	case UpToDate:
		return "up-to-date"
	case MergeRequired:
		return "merge-required"
	case RemoteBehind:
		return "remote-behind"
	}
	return "unknown"
}

// ErrRemoteBehind is returned by Resolve when the server document is older
// than the local one.
var ErrRemoteBehind = errors.New("merge: remote document is behind local state")

// DetectStaleness classifies the remote document against the local copy.
// Versions decide first; cell edits do not bump the version, so equal
// versions fall back to the update times.
func DetectStaleness(localVersion, remoteVersion int64, localUpdated, remoteUpdated time.Time) Staleness {
	switch {
	case remoteVersion > localVersion:
		return MergeRequired
	case remoteVersion < localVersion:
		return RemoteBehind
	case remoteUpdated.After(localUpdated):
		return MergeRequired
	}
	return UpToDate
}

// Result reports the outcome of a merge.
type Result struct {
	Rundown   *model.Rundown
	Staleness Staleness
	Applied   []model.OfflineChange
	Discarded []model.OfflineChange
}

// Merge applies changes onto a deep copy of remote.  For every field the
// newest change is kept (a later position wins a timestamp tie) and it
// overwrites the remote value only when strictly newer than the remote
// write time of that field.  Changes to items that no longer exist, or
// that no longer validate, are discarded.
func Merge(remote *model.Rundown, changes []model.OfflineChange) Result {
	res := Result{Rundown: remote.Clone(), Staleness: MergeRequired}

	latest := map[string]int{}
	var order []string
	for i, c := range changes {
		key := c.Key()
		j, ok := latest[key]
		if !ok {
			order = append(order, key)
		}
		if !ok || c.Timestamp >= changes[j].Timestamp {
			if ok {
				res.Discarded = append(res.Discarded, changes[j])
			}
			latest[key] = i
			continue
		}
		res.Discarded = append(res.Discarded, c)
	}

	for _, key := range order {
		c := changes[latest[key]]
		if c.Timestamp <= remote.FieldTime(key) {
			res.Discarded = append(res.Discarded, c)
			continue
		}
		next, err := rundown.ApplyFieldUpdate(res.Rundown, c.Update())
		if err != nil {
			res.Discarded = append(res.Discarded, c)
			continue
		}
		res.Rundown = next
		res.Applied = append(res.Applied, c)
	}
	return res
}

// Resolve decides how local state relates to remote and merges when
// needed.  With UpToDate the local state is kept; with RemoteBehind the
// local state is returned together with ErrRemoteBehind.
func Resolve(local, remote *model.Rundown, changes []model.OfflineChange) (Result, error) {
	s := DetectStaleness(local.DocVersion, remote.DocVersion, local.UpdatedAt, remote.UpdatedAt)
	switch s {
	case UpToDate:
		return Result{Rundown: local.Clone(), Staleness: s}, nil
	case RemoteBehind:
		return Result{Rundown: local.Clone(), Staleness: s}, ErrRemoteBehind
	}
	return Merge(remote, changes), nil
}
