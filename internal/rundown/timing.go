package rundown

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/iliyamo/rundown-sync/internal/model"
)

// ParseClock parses "HH:MM:SS", "HH:MM", "MM:SS" style strings into
// seconds.  Two-part values are read as minutes and seconds when used as a
// duration and as hours and minutes when used as a time of day; the caller
// picks the interpretation through clock.
func ParseClock(s string, clock bool) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	parts := strings.Split(s, ":")
	nums := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, false
		}
		nums[i] = n
	}
	switch len(nums) {
	case 1:
		return nums[0], true
	case 2:
		if clock {
			return nums[0]*3600 + nums[1]*60, true
		}
		return nums[0]*60 + nums[1], true
	case 3:
		return nums[0]*3600 + nums[1]*60 + nums[2], true
	}
	return 0, false
}

// FormatClock renders seconds as "HH:MM:SS".  Times of day wrap at 24h.
func FormatClock(secs int, wrap bool) string {
	if wrap {
		secs %= 24 * 3600
	}
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs%3600)/60, secs%60)
}

// CalculateTimes fills the derived StartTime, EndTime and ElapsedTime of
// every item from the show start time and the item durations.  Floating
// items and headers do not advance the clock; floating items get empty
// derived times.  The returned slice is new.
func CalculateTimes(items []model.Item, showStart string) []model.Item {
	out := make([]model.Item, len(items))
	copy(out, items)

	start, _ := ParseClock(showStart, true)
	elapsed := 0
	for i := range out {
		switch {
		case out[i].IsHeader():
			out[i].StartTime = FormatClock(start+elapsed, true)
			out[i].EndTime = ""
			out[i].ElapsedTime = FormatClock(elapsed, false)
		case out[i].IsFloating:
			out[i].StartTime, out[i].EndTime, out[i].ElapsedTime = "", "", ""
		default:
			dur, _ := ParseClock(out[i].Duration, false)
			out[i].StartTime = FormatClock(start+elapsed, true)
			elapsed += dur
			out[i].EndTime = FormatClock(start+elapsed, true)
			out[i].ElapsedTime = FormatClock(elapsed, false)
		}
	}
	return out
}
