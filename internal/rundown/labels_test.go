package rundown_test

import (
	"encoding/json"
	"fmt"
	"strconv"
	"testing"

	"github.com/sanity-io/litter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/iliyamo/rundown-sync/internal/model"
	"github.com/iliyamo/rundown-sync/internal/rundown"
)

func TestHeaderLabel(t *testing.T) {
	tests := []struct {
		i    int
		want string
	}{
		{0, "A"},
		{1, "B"},
		{25, "Z"},
		{26, "AA"},
		{27, "AB"},
		{51, "AZ"},
		{52, "BA"},
		{701, "ZZ"},
		{702, "AAA"},
		{-1, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, rundown.HeaderLabel(tt.i), "HeaderLabel(%d)", tt.i)
	}
}

func labels(items []model.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.RowNumber
	}
	return out
}

func TestRenumber(t *testing.T) {
	items := []model.Item{
		{ID: "h1", Type: model.ItemHeader},
		{ID: "a", Type: model.ItemRegular},
		{ID: "b", Type: model.ItemRegular, IsFloating: true},
		{ID: "h2", Type: model.ItemHeader},
		{ID: "c", Type: model.ItemRegular},
	}
	got := rundown.Renumber(items, false, nil)
	assert.Equal(t, []string{"A", "1", "2", "B", "3"}, labels(got))
	assert.Empty(t, items[0].RowNumber, "input must not be modified")

	again := rundown.Renumber(got, false, nil)
	assert.Equal(t, got, again, "renumbering is idempotent")
}

func TestRenumberLocked(t *testing.T) {
	items := []model.Item{
		{ID: "x", Type: model.ItemRegular},
		{ID: "a", Type: model.ItemRegular},
		{ID: "b", Type: model.ItemRegular},
		{ID: "h", Type: model.ItemHeader},
		{ID: "c", Type: model.ItemRegular},
		{ID: "d", Type: model.ItemRegular},
	}
	locked := map[string]string{"a": "3", "c": "7"}
	got := rundown.Renumber(items, true, locked)
	assert.Equal(t, []string{"1", "3", "3A", "A", "7", "7A"}, labels(got))

	unlocked := rundown.Renumber(got, false, locked)
	assert.Equal(t, []string{"1", "2", "3", "A", "4", "5"}, labels(unlocked))
}

func TestToggleLockRelabels(t *testing.T) {
	doc := &model.Rundown{ID: "r1", Items: rundown.Renumber([]model.Item{
		{ID: "h", Type: model.ItemHeader},
		{ID: "seg1", Type: model.ItemRegular},
		{ID: "seg2", Type: model.ItemRegular},
	}, false, nil)}
	a := rundown.Applier{NewID: func() string { return "seg3" }}
	step := func(op model.OpType, payload string) {
		t.Helper()
		res, err := a.Apply(doc, op, json.RawMessage(payload))
		require.NoError(t, err)
		doc = res.Rundown
	}

	step(model.OpToggleLock, `{"numberingLocked":true,"lockedRowNumbers":{"seg2":"7"}}`)
	assert.Equal(t, []string{"A", "1", "7"}, labels(doc.Items))

	step(model.OpAddRow, `{"items":[{"name":"late"}]}`)
	assert.Equal(t, []string{"A", "1", "7", "7A"}, labels(doc.Items))

	step(model.OpToggleLock, `{"numberingLocked":false}`)
	assert.Equal(t, []string{"A", "1", "2", "3"}, labels(doc.Items))
}

// structureMachine applies random structural operations and checks the
// labels after each of them: contiguous while numbering is unlocked, pinned
// labels and their lettered followers while it is locked.
type structureMachine struct {
	applier rundown.Applier
	doc     *model.Rundown
	next    int
}

func (m *structureMachine) Init(t *rapid.T) {
	m.applier = rundown.Applier{NewID: func() string {
		m.next++
		return "gen-" + strconv.Itoa(m.next)
	}}
	m.doc = &model.Rundown{ID: "r1"}
}

func (m *structureMachine) apply(t *rapid.T, op model.OpType, payload any) {
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	res, err := m.applier.Apply(m.doc, op, raw)
	if err != nil {
		t.Fatalf("%s %s: %v", op, raw, err)
	}
	m.doc = res.Rundown
}

func (m *structureMachine) ids() []string {
	out := make([]string, len(m.doc.Items))
	for i, it := range m.doc.Items {
		out[i] = it.ID
	}
	return out
}

func (m *structureMachine) pick(t *rapid.T, label string) []string {
	ids := m.ids()
	if len(ids) == 0 {
		t.Skip("empty rundown")
	}
	n := rapid.IntRange(1, len(ids)).Draw(t, label+"-n").(int)
	var out []string
	for i := 0; i < n; i++ {
		out = append(out, ids[rapid.IntRange(0, len(ids)-1).Draw(t, label).(int)])
	}
	return out
}

func (m *structureMachine) AddRow(t *rapid.T) {
	idx := rapid.IntRange(-1, len(m.doc.Items)+1).Draw(t, "index").(int)
	floating := rapid.Bool().Draw(t, "floating").(bool)
	m.apply(t, model.OpAddRow, rundown.AddRowsPayload{
		Items: []model.Item{{Name: "seg", IsFloating: floating}},
		Index: &idx,
	})
}

func (m *structureMachine) AddHeader(t *rapid.T) {
	idx := rapid.IntRange(0, len(m.doc.Items)).Draw(t, "index").(int)
	m.apply(t, model.OpAddHeader, rundown.AddRowsPayload{Items: []model.Item{{Name: "section"}}, Index: &idx})
}

func (m *structureMachine) DeleteRow(t *rapid.T) {
	m.apply(t, model.OpDeleteRow, rundown.DeleteRowsPayload{ItemIDs: m.pick(t, "delete")})
}

func (m *structureMachine) MoveRows(t *rapid.T) {
	ids := m.pick(t, "move")
	to := rapid.IntRange(-2, len(m.doc.Items)+2).Draw(t, "to").(int)
	m.apply(t, model.OpMoveRows, rundown.MoveRowsPayload{ItemIDs: ids, ToIndex: to})
}

func (m *structureMachine) CopyRows(t *rapid.T) {
	m.apply(t, model.OpCopyRows, rundown.CopyRowsPayload{ItemIDs: m.pick(t, "copy")})
}

func (m *structureMachine) Reorder(t *rapid.T) {
	ids := m.ids()
	for i := len(ids) - 1; i > 0; i-- {
		j := rapid.IntRange(0, i).Draw(t, "swap").(int)
		ids[i], ids[j] = ids[j], ids[i]
	}
	m.apply(t, model.OpReorder, rundown.ReorderPayload{Order: append(ids, "missing")})
}

func (m *structureMachine) ToggleLock(t *rapid.T) {
	locked := rapid.Bool().Draw(t, "locked").(bool)
	pins := map[string]string{}
	for _, id := range m.ids() {
		if rapid.Bool().Draw(t, "pin").(bool) {
			pins[id] = rapid.SampledFrom([]string{"1", "4", "9", "12"}).Draw(t, "label").(string)
		}
	}
	pins["missing"] = "99"
	m.apply(t, model.OpToggleLock, rundown.ToggleLockPayload{NumberingLocked: locked, LockedRowNumbers: pins})
}

func (m *structureMachine) Check(t *rapid.T) {
	headers, regular := 0, 0
	lastPin, suffix := "", 0
	seen := map[string]bool{}
	for id := range m.doc.LockedRowNumbers {
		found := false
		for _, it := range m.doc.Items {
			found = found || it.ID == id
		}
		if !found {
			t.Fatalf("lock kept for absent row %s", id)
		}
	}
	for _, it := range m.doc.Items {
		if seen[it.ID] {
			t.Fatalf("duplicate id %s in %s", it.ID, litter.Sdump(m.doc.Items))
		}
		seen[it.ID] = true
		var want string
		pin, pinned := m.doc.LockedRowNumbers[it.ID]
		switch {
		case it.IsHeader():
			want = rundown.HeaderLabel(headers)
			headers++
		case !m.doc.NumberingLocked:
			regular++
			want = strconv.Itoa(regular)
		case pinned:
			regular++
			want, lastPin, suffix = pin, pin, 0
		case lastPin == "":
			regular++
			want = strconv.Itoa(regular)
		default:
			regular++
			want = lastPin + rundown.HeaderLabel(suffix)
			suffix++
		}
		if it.RowNumber != want {
			t.Fatalf("item %s labelled %q, want %q\n%s", it.ID, it.RowNumber, want, litter.Sdump(m.doc.Items))
		}
	}
}

func TestRenumberProperty(t *testing.T) {
	rapid.Check(t, rapid.Run(&structureMachine{}))
}

func ExampleHeaderLabel() {
	for _, i := range []int{0, 25, 26, 27} {
		fmt.Print(rundown.HeaderLabel(i), " ")
	}
	// Output: A Z AA AB
}
