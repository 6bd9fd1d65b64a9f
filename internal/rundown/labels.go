package rundown

import (
	"strconv"

	"github.com/iliyamo/rundown-sync/internal/model"
)

// HeaderLabel converts a zero-based header index to its letter label:
// 0 → A, 25 → Z, 26 → AA, 27 → AB and so on.  Labels never wrap back to A.
func HeaderLabel(i int) string {
	if i < 0 {
		return ""
	}
	res := []rune{}
	for {
		rem := i % 26
		res = append(res, rune('A'+rem))
		i = i/26 - 1
		if i < 0 {
			break
		}
	}
	for j, k := 0, len(res)-1; j < k; j, k = j+1, k-1 {
		res[j], res[k] = res[k], res[j]
	}
	return string(res)
}

// Renumber recomputes every row label in one pass.  Headers get the next
// letter label and regular items the next integer starting at 1; floating
// items take a number like any other regular item.  When numberingLocked is
// set, regular items present in locked keep their pinned label and unpinned
// regular items get the preceding pinned label plus a letter suffix
// ("3A", "3B").  Unpinned items above the first pinned one keep their
// running number.  Renumber is idempotent and returns a new slice.
func Renumber(items []model.Item, numberingLocked bool, locked map[string]string) []model.Item {
	out := make([]model.Item, len(items))
	copy(out, items)

	headers, regular := 0, 0
	lastPinned, suffix := "", 0
	for i := range out {
		if out[i].IsHeader() {
			out[i].RowNumber = HeaderLabel(headers)
			headers++
			continue
		}
		regular++
		if !numberingLocked {
			out[i].RowNumber = strconv.Itoa(regular)
			continue
		}
		if label, ok := locked[out[i].ID]; ok && label != "" {
			out[i].RowNumber = label
			lastPinned, suffix = label, 0
			continue
		}
		if lastPinned == "" {
			out[i].RowNumber = strconv.Itoa(regular)
			continue
		}
		out[i].RowNumber = lastPinned + HeaderLabel(suffix)
		suffix++
	}
	return out
}
