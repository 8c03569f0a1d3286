// Package dedupe collapses duplicate curtailment rows into one canonical row per
// (date, interval, source).
//
// More than one row for the same slot is treated as an ingestion artifact: the most
// recently ingested row wins and magnitudes are never summed.
package dedupe

import (
	"sort"

	"curtailment-reconciler/internal/period"
	"curtailment-reconciler/internal/storage"
)

// Result is the outcome of one deduplication pass.
type Result struct {
	Canonical []storage.CurtailmentEvent
	Removed   []storage.CurtailmentEvent
}

// RemovedCount is originalCount - canonicalCount.
func (r Result) RemovedCount() int {
	return len(r.Removed)
}

// RemovedIDs lists the persisted ids of discarded rows.
func (r Result) RemovedIDs() []int64 {
	ids := make([]int64, 0, len(r.Removed))
	for _, ev := range r.Removed {
		if ev.ID != 0 {
			ids = append(ids, ev.ID)
		}
	}
	return ids
}

type slot struct {
	date     string
	interval int
	sourceID string
}

// Dedupe keeps the most recently ingested row of every slot. Ties on ingestion time are
// broken by the higher id, which is the later insert. Canonical rows come back ordered by
// date, interval and source.
func Dedupe(events []storage.CurtailmentEvent) Result {
	latest := make(map[slot]int, len(events))
	for i, ev := range events {
		k := slot{date: period.FormatDay(ev.Date), interval: ev.Interval, sourceID: ev.SourceID}
		cur, ok := latest[k]
		if !ok || newer(ev, events[cur]) {
			latest[k] = i
		}
	}

	keep := make(map[int]bool, len(latest))
	for _, i := range latest {
		keep[i] = true
	}

	res := Result{
		Canonical: make([]storage.CurtailmentEvent, 0, len(latest)),
		Removed:   make([]storage.CurtailmentEvent, 0, len(events)-len(latest)),
	}
	for i, ev := range events {
		if keep[i] {
			res.Canonical = append(res.Canonical, ev)
		} else {
			res.Removed = append(res.Removed, ev)
		}
	}

	sort.SliceStable(res.Canonical, func(i, j int) bool {
		a, b := res.Canonical[i], res.Canonical[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if a.Interval != b.Interval {
			return a.Interval < b.Interval
		}
		return a.SourceID < b.SourceID
	})
	return res
}

func newer(a, b storage.CurtailmentEvent) bool {
	if !a.IngestedAt.Equal(b.IngestedAt) {
		return a.IngestedAt.After(b.IngestedAt)
	}
	return a.ID > b.ID
}
