package rundown_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/rundown-sync/internal/model"
	"github.com/iliyamo/rundown-sync/internal/rundown"
)

func seqIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return prefix + string(rune('0'+n))
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func apply(t *testing.T, doc *model.Rundown, op model.OpType, payload any) rundown.Result {
	t.Helper()
	res, err := rundown.Applier{NewID: seqIDs("new-")}.Apply(doc, op, mustJSON(t, payload))
	require.NoError(t, err)
	return res
}

func names(items []model.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Name
	}
	return out
}

func sampleDoc() *model.Rundown {
	items := []model.Item{
		{ID: "open", Type: model.ItemHeader, Name: "Open"},
		{ID: "seg1", Type: model.ItemRegular, Name: "Seg1", Duration: "01:30"},
		{ID: "seg2", Type: model.ItemRegular, Name: "Seg2", Duration: "02:00"},
	}
	return &model.Rundown{
		ID:               "r1",
		Items:            rundown.Renumber(items, false, nil),
		LockedRowNumbers: map[string]string{},
		FieldUpdatedAt:   map[string]int64{},
		DocVersion:       4,
	}
}

func TestDeleteRowRenumbers(t *testing.T) {
	doc := sampleDoc()
	doc.LockedRowNumbers["seg1"] = "1"
	doc.FieldUpdatedAt[model.FieldKey("seg1", "name")] = 100
	doc.FieldUpdatedAt[model.FieldKey("seg2", "name")] = 200

	res := apply(t, doc, model.OpDeleteRow, rundown.DeleteRowsPayload{ItemIDs: []string{"seg1"}})

	assert.Equal(t, []string{"Open", "Seg2"}, names(res.Rundown.Items))
	assert.Equal(t, []string{"A", "1"}, labels(res.Rundown.Items))
	assert.NotContains(t, res.Rundown.LockedRowNumbers, "seg1")
	assert.NotContains(t, res.Rundown.FieldUpdatedAt, "seg1:name")
	assert.Contains(t, res.Rundown.FieldUpdatedAt, "seg2:name")
	assert.Equal(t, int64(4), res.Rundown.DocVersion, "version is bumped by the coordinator")

	assert.Len(t, doc.Items, 3, "snapshot must not be modified")
	assert.Equal(t, "2", doc.Items[2].RowNumber)
	assert.Contains(t, doc.LockedRowNumbers, "seg1")
}

func TestToggleLockDoesNotResurrectDeletedRows(t *testing.T) {
	doc := sampleDoc()
	res := apply(t, doc, model.OpToggleLock, rundown.ToggleLockPayload{
		NumberingLocked:  true,
		LockedRowNumbers: map[string]string{"seg1": "1", "seg2": "2"},
	})
	res = apply(t, res.Rundown, model.OpDeleteRow, rundown.DeleteRowsPayload{ItemIDs: []string{"seg1"}})
	require.Equal(t, map[string]string{"seg2": "2"}, res.Rundown.LockedRowNumbers)

	// a client that still has the stale map sends it back
	res = apply(t, res.Rundown, model.OpToggleLock, rundown.ToggleLockPayload{
		NumberingLocked:  true,
		LockedRowNumbers: map[string]string{"seg1": "1", "seg2": "2"},
	})
	assert.Equal(t, map[string]string{"seg2": "2"}, res.Rundown.LockedRowNumbers)

	var normalized rundown.ToggleLockPayload
	require.NoError(t, json.Unmarshal(res.Payload, &normalized))
	assert.Equal(t, map[string]string{"seg2": "2"}, normalized.LockedRowNumbers)
}

func TestMoveRowsPreservesContent(t *testing.T) {
	var items []model.Item
	for _, id := range []string{"a", "b", "c", "X", "e"} {
		items = append(items, model.Item{
			ID: id, Type: model.ItemRegular, Name: "name-" + id, Talent: "talent-" + id,
			Duration: "00:30", CustomFields: map[string]string{"cam": id},
		})
	}
	doc := &model.Rundown{ID: "r1", Items: rundown.Renumber(items, false, nil)}
	before := doc.Items[3]

	res := apply(t, doc, model.OpMoveRows, rundown.MoveRowsPayload{ItemIDs: []string{"X"}, ToIndex: 0})

	moved := res.Rundown.Items[0]
	assert.Equal(t, "X", moved.ID)
	assert.Equal(t, "1", moved.RowNumber)
	before.RowNumber = moved.RowNumber
	if diff := cmp.Diff(before, moved); diff != "" {
		t.Errorf("moved item content changed (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"name-X", "name-a", "name-b", "name-c", "name-e"}, names(res.Rundown.Items))
}

func TestMoveRowsClampsIndex(t *testing.T) {
	res := apply(t, sampleDoc(), model.OpMoveRows, rundown.MoveRowsPayload{ItemIDs: []string{"open", "seg1"}, ToIndex: 99})
	assert.Equal(t, []string{"Seg2", "Open", "Seg1"}, names(res.Rundown.Items))
	assert.Equal(t, []string{"1", "A", "2"}, labels(res.Rundown.Items))
}

func TestAddRowGeneratesIDs(t *testing.T) {
	idx := 1
	res := apply(t, sampleDoc(), model.OpAddRow, rundown.AddRowsPayload{
		Items: []model.Item{{Name: "New"}},
		Index: &idx,
	})
	require.Len(t, res.Rundown.Items, 4)
	added := res.Rundown.Items[1]
	assert.Equal(t, "new-1", added.ID)
	assert.Equal(t, model.ItemRegular, added.Type)
	assert.Equal(t, []string{"A", "1", "2", "3"}, labels(res.Rundown.Items))

	var normalized rundown.AddRowsPayload
	require.NoError(t, json.Unmarshal(res.Payload, &normalized))
	assert.Equal(t, "new-1", normalized.Items[0].ID)
	require.NotNil(t, normalized.Index)
	assert.Equal(t, 1, *normalized.Index)

	// replaying the normalized payload yields the same document
	replayed, err := rundown.Applier{NewID: seqIDs("other-")}.Apply(sampleDoc(), model.OpAddRow, res.Payload)
	require.NoError(t, err)
	if diff := cmp.Diff(res.Rundown.Items, replayed.Rundown.Items); diff != "" {
		t.Errorf("replay diverged (-want +got):\n%s", diff)
	}
}

func TestAddHeaderForcesType(t *testing.T) {
	res := apply(t, sampleDoc(), model.OpAddHeader, rundown.AddRowsPayload{
		Items: []model.Item{{ID: "h2", Type: model.ItemRegular, Name: "Close"}},
	})
	last := res.Rundown.Items[len(res.Rundown.Items)-1]
	assert.Equal(t, model.ItemHeader, last.Type)
	assert.Equal(t, "B", last.RowNumber)
}

func TestAddRowRejectsDuplicateIDs(t *testing.T) {
	_, err := rundown.NewApplier().Apply(sampleDoc(), model.OpAddRow,
		mustJSON(t, rundown.AddRowsPayload{Items: []model.Item{{ID: "seg1"}}}))
	assert.ErrorIs(t, err, rundown.ErrInvalidPayload)
}

func TestItemIDsMustNotContainKeySeparator(t *testing.T) {
	doc := sampleDoc()
	doc.FieldUpdatedAt[model.FieldKey("seg1", "name")] = 100

	_, err := rundown.NewApplier().Apply(doc, model.OpAddRow,
		mustJSON(t, rundown.AddRowsPayload{Items: []model.Item{{ID: "seg1:name"}}}))
	assert.ErrorIs(t, err, rundown.ErrInvalidPayload)

	_, err = rundown.NewApplier().Apply(doc, model.OpCopyRows,
		mustJSON(t, rundown.CopyRowsPayload{ItemIDs: []string{"seg2"}, NewIDs: []string{"seg1:x"}}))
	assert.ErrorIs(t, err, rundown.ErrInvalidPayload)

	// a row whose id prefixes another's keeps the other row's stamps on delete
	doc = apply(t, doc, model.OpAddRow, rundown.AddRowsPayload{Items: []model.Item{{ID: "seg"}}}).Rundown
	doc.FieldUpdatedAt[model.FieldKey("seg", "name")] = 50
	res := apply(t, doc, model.OpDeleteRow, rundown.DeleteRowsPayload{ItemIDs: []string{"seg"}})
	assert.NotContains(t, res.Rundown.FieldUpdatedAt, "seg:name")
	assert.Equal(t, int64(100), res.Rundown.FieldUpdatedAt["seg1:name"])
}

func TestCopyRows(t *testing.T) {
	doc := sampleDoc()
	doc.Items[1].CustomFields = map[string]string{"cam": "2"}
	res := apply(t, doc, model.OpCopyRows, rundown.CopyRowsPayload{ItemIDs: []string{"seg1"}})

	require.Len(t, res.Rundown.Items, 4)
	cp := res.Rundown.Items[2]
	assert.Equal(t, "new-1", cp.ID)
	assert.Equal(t, "Seg1", cp.Name)
	assert.Equal(t, []string{"A", "1", "2", "3"}, labels(res.Rundown.Items))

	cp.CustomFields["cam"] = "changed"
	assert.Equal(t, "2", res.Rundown.Items[1].CustomFields["cam"], "copies must not share custom fields")

	var normalized rundown.CopyRowsPayload
	require.NoError(t, json.Unmarshal(res.Payload, &normalized))
	assert.Equal(t, []string{"new-1"}, normalized.NewIDs)

	_, err := rundown.NewApplier().Apply(doc, model.OpCopyRows, mustJSON(t, rundown.CopyRowsPayload{ItemIDs: []string{"gone"}}))
	assert.ErrorIs(t, err, rundown.ErrItemNotFound)
}

func TestReorderDropsUnknownIDs(t *testing.T) {
	res := apply(t, sampleDoc(), model.OpReorder, rundown.ReorderPayload{Order: []string{"seg2", "nope", "open"}})
	assert.Equal(t, []string{"Seg2", "Open", "Seg1"}, names(res.Rundown.Items))
	assert.Equal(t, []string{"1", "A", "2"}, labels(res.Rundown.Items))
}

func TestDisjointSortOrderUpdates(t *testing.T) {
	doc := sampleDoc()
	doc.Items[0].SortOrder = "a0"
	doc.Items[1].SortOrder = "a1"
	doc.Items[2].SortOrder = "a2"

	res := apply(t, doc, model.OpUpdateSortOrder, rundown.SortOrderPayload{SortOrders: map[string]string{"seg1": "b1"}})
	res = apply(t, res.Rundown, model.OpUpdateSortOrder, rundown.SortOrderPayload{SortOrders: map[string]string{"seg2": "b2"}})

	got := map[string]string{}
	for _, it := range res.Rundown.Items {
		got[it.ID] = it.SortOrder
	}
	assert.Equal(t, map[string]string{"open": "a0", "seg1": "b1", "seg2": "b2"}, got)
}

func TestApplyRejectsUnknownOperation(t *testing.T) {
	_, err := rundown.NewApplier().Apply(sampleDoc(), model.OpType("explode"), json.RawMessage(`{}`))
	assert.True(t, errors.Is(err, rundown.ErrUnknownOperation))

	_, err = rundown.NewApplier().Apply(sampleDoc(), model.OpDeleteRow, json.RawMessage(`{"itemIds": 7}`))
	assert.ErrorIs(t, err, rundown.ErrInvalidPayload)

	_, err = rundown.NewApplier().Apply(sampleDoc(), model.OpReorder, nil)
	assert.ErrorIs(t, err, rundown.ErrInvalidPayload)
}
