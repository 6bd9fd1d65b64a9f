package offline

import (
	"encoding/json"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/iliyamo/rundown-sync/internal/model"
)

func openQueue(t *testing.T) (*Queue, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "offline.db")
	q, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q, path
}

func change(itemID, field, value string, ts int64) model.OfflineChange {
	raw, _ := json.Marshal(value)
	return model.OfflineChange{ItemID: itemID, Field: field, Value: raw, Timestamp: ts}
}

func keys(cs []model.OfflineChange) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Key()
	}
	return out
}

func TestEnqueueSupersedesAndMovesToEnd(t *testing.T) {
	q, _ := openQueue(t)
	require.NoError(t, q.Enqueue(change("", "title", "Evening", 100)))
	require.NoError(t, q.Enqueue(change("seg1", "name", "Open", 110)))
	require.NoError(t, q.Enqueue(change("", "title", "Evening News", 120)))

	pending, err := q.Pending()
	require.NoError(t, err)
	assert.Equal(t, []string{"seg1:name", "title"}, keys(pending))
	assert.Equal(t, `"Evening News"`, string(pending[1].Value))
	assert.Equal(t, int64(120), pending[1].Timestamp)
	assert.Equal(t, []int64{100, 120}, pending[1].History)

	n, err := q.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEnqueueKeepsNewerTimestamp(t *testing.T) {
	q, _ := openQueue(t)
	require.NoError(t, q.Enqueue(change("", "title", "newer", 200)))
	require.NoError(t, q.Enqueue(change("seg1", "name", "Open", 150)))
	require.NoError(t, q.Enqueue(change("", "title", "older", 100)))

	pending, err := q.Pending()
	require.NoError(t, err)
	assert.Equal(t, []string{"title", "seg1:name"}, keys(pending))
	assert.Equal(t, `"newer"`, string(pending[0].Value))
	assert.Equal(t, int64(200), pending[0].Timestamp)
	assert.Equal(t, []int64{200, 100}, pending[0].History)
}

func TestRequeueKeepsNewerTimestamp(t *testing.T) {
	q, _ := openQueue(t)
	require.NoError(t, q.Enqueue(change("a", "name", "sent", 300)))
	drained, err := q.Drain()
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(change("a", "name", "skewed", 250)))

	require.NoError(t, q.Requeue(drained))
	pending, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, `"sent"`, string(pending[0].Value))
	assert.Equal(t, int64(300), pending[0].Timestamp)
	assert.Equal(t, []int64{300, 250}, pending[0].History)
}

func TestQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline.db")
	q, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(change("seg1", "notes", "a", 1)))
	require.NoError(t, q.Enqueue(change("seg2", "notes", "b", 2)))
	require.NoError(t, q.Close())

	q, err = Open(path)
	require.NoError(t, err)
	defer q.Close()
	pending, err := q.Pending()
	require.NoError(t, err)
	assert.Equal(t, []string{"seg1:notes", "seg2:notes"}, keys(pending))

	require.NoError(t, q.Enqueue(change("seg1", "notes", "c", 3)))
	pending, err = q.Pending()
	require.NoError(t, err)
	assert.Equal(t, []string{"seg2:notes", "seg1:notes"}, keys(pending))
}

func TestDrainEmptiesQueue(t *testing.T) {
	q, _ := openQueue(t)
	require.NoError(t, q.Enqueue(change("a", "name", "1", 1)))
	require.NoError(t, q.Enqueue(change("b", "name", "2", 2)))

	drained, err := q.Drain()
	require.NoError(t, err)
	assert.Equal(t, []string{"a:name", "b:name"}, keys(drained))

	n, err := q.Len()
	require.NoError(t, err)
	assert.Zero(t, n)

	drained, err = q.Drain()
	require.NoError(t, err)
	assert.Empty(t, drained)

	require.NoError(t, q.Enqueue(change("c", "name", "3", 3)))
	pending, err := q.Pending()
	require.NoError(t, err)
	assert.Equal(t, []string{"c:name"}, keys(pending))
}

func TestRequeueRestoresHeadUnlessSuperseded(t *testing.T) {
	q, _ := openQueue(t)
	require.NoError(t, q.Enqueue(change("a", "name", "a1", 1)))
	require.NoError(t, q.Enqueue(change("b", "name", "b1", 2)))
	drained, err := q.Drain()
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(change("c", "name", "c1", 3)))
	require.NoError(t, q.Enqueue(change("b", "name", "b2", 4)))

	require.NoError(t, q.Requeue(drained))
	pending, err := q.Pending()
	require.NoError(t, err)
	assert.Equal(t, []string{"a:name", "c:name", "b:name"}, keys(pending))
	assert.Equal(t, `"b2"`, string(pending[2].Value))
	assert.Equal(t, []int64{2, 4}, pending[2].History)

	require.NoError(t, q.Requeue(nil))
	n, err := q.Len()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestClosedQueueFails(t *testing.T) {
	q, _ := openQueue(t)
	require.NoError(t, q.Close())
	assert.Error(t, q.Enqueue(change("a", "name", "x", 1)))
	_, err := q.Pending()
	assert.Error(t, err)
}

// The queue holds the newest value of every edited field (the later
// enqueue on equal timestamps), in the order those values were enqueued.
func TestQueueMatchesModel(t *testing.T) {
	dir := t.TempDir()
	runs := 0
	rapid.Check(t, func(t *rapid.T) {
		runs++
		path := filepath.Join(dir, strconv.Itoa(runs)+".db")
		q, err := Open(path)
		if err != nil {
			t.Fatal(err)
		}
		defer q.Close()

		var order []string
		last := map[string]string{}
		stamp := map[string]int64{}
		n := rapid.IntRange(1, 40).Draw(t, "n").(int)
		for i := 0; i < n; i++ {
			item := rapid.SampledFrom([]string{"", "a", "b", "c"}).Draw(t, "item").(string)
			field := rapid.SampledFrom([]string{"name", "notes"}).Draw(t, "field").(string)
			value := rapid.StringN(0, 5, -1).Draw(t, "value").(string)
			ts := rapid.Int64Range(1, 20).Draw(t, "ts").(int64)
			c := change(item, field, value, ts)
			if err := q.Enqueue(c); err != nil {
				t.Fatal(err)
			}
			if prev, ok := stamp[c.Key()]; ok && prev > ts {
				continue
			}
			stamp[c.Key()] = ts
			for j, k := range order {
				if k == c.Key() {
					order = append(order[:j:j], order[j+1:]...)
					break
				}
			}
			order = append(order, c.Key())
			last[c.Key()] = string(c.Value)
		}

		pending, err := q.Pending()
		if err != nil {
			t.Fatal(err)
		}
		if got := keys(pending); len(got) != len(order) {
			t.Fatalf("keys %v, want %v", got, order)
		}
		for i, c := range pending {
			if c.Key() != order[i] {
				t.Fatalf("position %d: %s, want %s", i, c.Key(), order[i])
			}
			if string(c.Value) != last[c.Key()] {
				t.Fatalf("%s = %s, want %s", c.Key(), c.Value, last[c.Key()])
			}
		}
	})
}
