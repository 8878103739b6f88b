package audit

import (
	"fmt"
	"time"
)

// Key layout, ordered so one day's stubs form a contiguous range:
//
//	a/<yyyymmdd>/t/<trace_id>/<seq>          trace lookup
//	a/<yyyymmdd>/i/<shop_key>|<item_key>/<seq>  shop+item lookup
//
// Stubs are written under both families; retention drops whole days with a
// single range delete per family prefix.

func dayString(t time.Time) string {
	return t.Format("20060102")
}

func dayPrefix(day string) []byte {
	return []byte("a/" + day + "/")
}

func traceKey(day, traceID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("a/%s/t/%s/%016x", day, traceID, seq))
}

func tracePrefix(day, traceID string) []byte {
	return []byte(fmt.Sprintf("a/%s/t/%s/", day, traceID))
}

func itemKey(day, shopKey, itemKeyStr string, seq uint64) []byte {
	return []byte(fmt.Sprintf("a/%s/i/%s|%s/%016x", day, shopKey, itemKeyStr, seq))
}

func itemPrefix(day, shopKey, itemKeyStr string) []byte {
	return []byte(fmt.Sprintf("a/%s/i/%s|%s/", day, shopKey, itemKeyStr))
}

// upperBound returns the exclusive end of the range starting at prefix.
func upperBound(prefix []byte) []byte {
	return append(append([]byte{}, prefix...), 0xFF)
}

// retainedDays lists the day strings covered by the retention window,
// newest first.
func retainedDays(now time.Time, days int) []string {
	if days <= 0 {
		days = 1
	}
	out := make([]string, 0, days)
	for i := 0; i < days; i++ {
		out = append(out, dayString(now.AddDate(0, 0, -i)))
	}
	return out
}
