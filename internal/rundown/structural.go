package rundown

import (
	"encoding/json"
	"fmt"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/iliyamo/rundown-sync/internal/model"
)

// AddRowsPayload is the payload of add_row and add_header.  A nil Index
// appends at the end.
type AddRowsPayload struct {
	Items []model.Item `json:"items"`
	Index *int         `json:"index,omitempty"`
}

// DeleteRowsPayload is the payload of delete_row.
type DeleteRowsPayload struct {
	ItemIDs []string `json:"itemIds"`
}

// MoveRowsPayload is the payload of move_rows.  ToIndex is a position in
// the list that remains after the moved items have been taken out.
type MoveRowsPayload struct {
	ItemIDs []string `json:"itemIds"`
	ToIndex int      `json:"toIndex"`
}

// CopyRowsPayload is the payload of copy_rows.  NewIDs, when it has one id
// per copied item, fixes the ids of the copies; otherwise they are
// generated and written back into the normalized payload.
type CopyRowsPayload struct {
	ItemIDs []string `json:"itemIds"`
	Index   *int     `json:"index,omitempty"`
	NewIDs  []string `json:"newIds,omitempty"`
}

// ReorderPayload is the payload of reorder.
type ReorderPayload struct {
	Order []string `json:"order"`
}

// ToggleLockPayload is the payload of toggle_lock.
type ToggleLockPayload struct {
	NumberingLocked  bool              `json:"numberingLocked"`
	LockedRowNumbers map[string]string `json:"lockedRowNumbers"`
}

// SortOrderPayload is the payload of update_sort_order.
type SortOrderPayload struct {
	SortOrders map[string]string `json:"sortOrders"`
}

// Result is the outcome of applying one structural operation.  Payload is
// the normalized payload (generated ids filled in) that peers can replay
// deterministically.
type Result struct {
	Rundown     *model.Rundown
	Payload     json.RawMessage
	Description string
}

// Applier applies structural operations.  NewID generates ids for inserted
// and copied items.
type Applier struct {
	NewID func() string
}

// NewApplier returns an Applier generating uuid item ids.
func NewApplier() Applier {
	return Applier{NewID: uuid.NewString}
}

// Apply applies a structural operation to snap and returns the new
// snapshot.  snap is not modified.  DocVersion and the update metadata are
// left to the caller.
func (a Applier) Apply(snap *model.Rundown, opType model.OpType, payload json.RawMessage) (Result, error) {
	if a.NewID == nil {
		a.NewID = uuid.NewString
	}
	next := snap.Clone()
	var (
		normalized  any
		description string
		renumber    = true
		err         error
	)
	switch opType {
	case model.OpAddRow, model.OpAddHeader:
		var p AddRowsPayload
		if err = decode(payload, &p); err != nil {
			return Result{}, err
		}
		description, err = a.addRows(next, &p, opType == model.OpAddHeader)
		normalized = p
	case model.OpDeleteRow:
		var p DeleteRowsPayload
		if err = decode(payload, &p); err != nil {
			return Result{}, err
		}
		description = deleteRows(next, p)
		normalized = p
	case model.OpMoveRows:
		var p MoveRowsPayload
		if err = decode(payload, &p); err != nil {
			return Result{}, err
		}
		description = moveRows(next, p)
		normalized = p
	case model.OpCopyRows:
		var p CopyRowsPayload
		if err = decode(payload, &p); err != nil {
			return Result{}, err
		}
		description, err = a.copyRows(next, &p)
		normalized = p
	case model.OpReorder:
		var p ReorderPayload
		if err = decode(payload, &p); err != nil {
			return Result{}, err
		}
		description = reorder(next, p)
		normalized = p
	case model.OpToggleLock:
		var p ToggleLockPayload
		if err = decode(payload, &p); err != nil {
			return Result{}, err
		}
		description = toggleLock(next, &p)
		normalized = p
	case model.OpUpdateSortOrder:
		var p SortOrderPayload
		if err = decode(payload, &p); err != nil {
			return Result{}, err
		}
		description = updateSortOrder(next, p)
		normalized = p
		renumber = false
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownOperation, opType)
	}
	if err != nil {
		return Result{}, err
	}
	if renumber {
		next.Items = Renumber(next.Items, next.NumberingLocked, next.LockedRowNumbers)
	}
	raw, err := json.Marshal(normalized)
	if err != nil {
		return Result{}, err
	}
	return Result{Rundown: next, Payload: raw, Description: description}, nil
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}

func insertAt(items []model.Item, at int, add ...model.Item) []model.Item {
	out := make([]model.Item, 0, len(items)+len(add))
	out = append(out, items[:at]...)
	out = append(out, add...)
	return append(out, items[at:]...)
}

func itemIDs(items []model.Item) mapset.Set[string] {
	ids := mapset.NewThreadUnsafeSetWithSize[string](len(items))
	for _, it := range items {
		ids.Add(it.ID)
	}
	return ids
}

func checkItemID(id string) error {
	if strings.IndexByte(id, model.FieldKeySeparator) >= 0 {
		return fmt.Errorf("%w: item id %q contains %q", ErrInvalidPayload, id, model.FieldKeySeparator)
	}
	return nil
}

func (a Applier) addRows(r *model.Rundown, p *AddRowsPayload, header bool) (string, error) {
	if len(p.Items) == 0 {
		return "", fmt.Errorf("%w: no items to add", ErrInvalidPayload)
	}
	existing := itemIDs(r.Items)
	for i := range p.Items {
		it := &p.Items[i]
		if it.ID == "" {
			it.ID = a.NewID()
		}
		if err := checkItemID(it.ID); err != nil {
			return "", err
		}
		if existing.Contains(it.ID) {
			return "", fmt.Errorf("%w: duplicate item id %s", ErrInvalidPayload, it.ID)
		}
		existing.Add(it.ID)
		switch {
		case header:
			it.Type = model.ItemHeader
		case it.Type == "":
			it.Type = model.ItemRegular
		}
		if it.CustomFields == nil {
			it.CustomFields = map[string]string{}
		}
	}
	at := len(r.Items)
	if p.Index != nil {
		at = clampIndex(*p.Index, len(r.Items))
	}
	idx := at
	p.Index = &idx
	r.Items = insertAt(r.Items, at, p.Items...)
	kind := "row"
	if header {
		kind = "header"
	}
	return fmt.Sprintf("Added %d %s(s) at position %d", len(p.Items), kind, at+1), nil
}

func deleteRows(r *model.Rundown, p DeleteRowsPayload) string {
	ids := mapset.NewThreadUnsafeSet[string](p.ItemIDs...)
	kept := make([]model.Item, 0, len(r.Items))
	removed := 0
	for _, it := range r.Items {
		if ids.Contains(it.ID) {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	r.Items = kept
	for id := range ids.Iter() {
		delete(r.LockedRowNumbers, id)
		prefix := model.FieldKey(id, "")
		for key := range r.FieldUpdatedAt {
			if strings.HasPrefix(key, prefix) {
				delete(r.FieldUpdatedAt, key)
			}
		}
	}
	return fmt.Sprintf("Deleted %d row(s)", removed)
}

func moveRows(r *model.Rundown, p MoveRowsPayload) string {
	ids := mapset.NewThreadUnsafeSet[string](p.ItemIDs...)
	moved := make([]model.Item, 0, len(p.ItemIDs))
	rest := make([]model.Item, 0, len(r.Items))
	for _, it := range r.Items {
		if ids.Contains(it.ID) {
			moved = append(moved, it)
		} else {
			rest = append(rest, it)
		}
	}
	at := clampIndex(p.ToIndex, len(rest))
	r.Items = insertAt(rest, at, moved...)
	return fmt.Sprintf("Moved %d row(s) to position %d", len(moved), at+1)
}

func (a Applier) copyRows(r *model.Rundown, p *CopyRowsPayload) (string, error) {
	ids := mapset.NewThreadUnsafeSet[string](p.ItemIDs...)
	var sources []model.Item
	last := -1
	for i, it := range r.Items {
		if ids.Contains(it.ID) {
			sources = append(sources, it)
			last = i
		}
	}
	if len(sources) == 0 {
		return "", fmt.Errorf("%w: nothing to copy", ErrItemNotFound)
	}
	existing := itemIDs(r.Items)
	if len(p.NewIDs) != len(sources) {
		p.NewIDs = make([]string, len(sources))
		for i := range p.NewIDs {
			p.NewIDs[i] = a.NewID()
		}
	}
	copies := make([]model.Item, len(sources))
	for i, src := range sources {
		if err := checkItemID(p.NewIDs[i]); err != nil {
			return "", err
		}
		if existing.Contains(p.NewIDs[i]) {
			return "", fmt.Errorf("%w: duplicate item id %s", ErrInvalidPayload, p.NewIDs[i])
		}
		existing.Add(p.NewIDs[i])
		c := src.Clone()
		c.ID = p.NewIDs[i]
		copies[i] = c
	}
	at := last + 1
	if p.Index != nil {
		at = clampIndex(*p.Index, len(r.Items))
	}
	idx := at
	p.Index = &idx
	r.Items = insertAt(r.Items, at, copies...)
	return fmt.Sprintf("Copied %d row(s) to position %d", len(copies), at+1), nil
}

func reorder(r *model.Rundown, p ReorderPayload) string {
	byID := make(map[string]model.Item, len(r.Items))
	for _, it := range r.Items {
		byID[it.ID] = it
	}
	placed := mapset.NewThreadUnsafeSetWithSize[string](len(p.Order))
	out := make([]model.Item, 0, len(r.Items))
	for _, id := range p.Order {
		it, ok := byID[id]
		if !ok || placed.Contains(id) {
			continue
		}
		placed.Add(id)
		out = append(out, it)
	}
	for _, it := range r.Items {
		if !placed.Contains(it.ID) {
			out = append(out, it)
		}
	}
	r.Items = out
	return fmt.Sprintf("Reordered %d row(s)", placed.Cardinality())
}

func toggleLock(r *model.Rundown, p *ToggleLockPayload) string {
	present := itemIDs(r.Items)
	locks := make(map[string]string, len(p.LockedRowNumbers))
	for id, label := range p.LockedRowNumbers {
		if present.Contains(id) {
			locks[id] = label
		}
	}
	p.LockedRowNumbers = locks
	r.LockedRowNumbers = locks
	r.NumberingLocked = p.NumberingLocked
	if p.NumberingLocked {
		return fmt.Sprintf("Locked numbering for %d row(s)", len(locks))
	}
	return "Unlocked numbering"
}

func updateSortOrder(r *model.Rundown, p SortOrderPayload) string {
	updated := 0
	for i := range r.Items {
		if so, ok := p.SortOrders[r.Items[i].ID]; ok {
			r.Items[i].SortOrder = so
			updated++
		}
	}
	return fmt.Sprintf("Updated sort order of %d row(s)", updated)
}
