// Package health implements the client-side health report batching
// component: reports are accepted once per (entity, source, property)
// sequence number, kept sorted, sent in bounded batches on a timer and
// retired as the health store acknowledges them.
package health

import (
	"sort"
	"time"

	"github.com/sharedcode/fabric"
)

// Report is one health report bound for the cluster's health store.
type Report struct {
	EntityID       string
	SourceID       string
	Property       string
	State          State
	Description    string
	SequenceNumber int64
	TimeToLive     time.Duration
}

// State is the reported health state.
type State int

const (
	Ok State = iota
	Warning
	Error
)

// ReportResult acknowledges one report.
type ReportResult struct {
	EntityID       string
	SourceID       string
	Property       string
	SequenceNumber int64
	Status         fabric.ErrorCode
}

type reportKey struct {
	entityID string
	sourceID string
	property string
}

func keyOf(r *Report) reportKey {
	return reportKey{entityID: r.EntityID, sourceID: r.SourceID, property: r.Property}
}

// sortedReports keeps pending reports ordered by sequence number so sends
// drain oldest first and progress is monotonic.
type sortedReports struct {
	byKey map[reportKey]*Report
}

func newSortedReports() *sortedReports {
	return &sortedReports{byKey: make(map[reportKey]*Report)}
}

func (l *sortedReports) count() int {
	return len(l.byKey)
}

// add installs the report, replacing an older sequence number for the same
// key. A stale (not strictly newer) report is rejected.
func (l *sortedReports) add(r *Report) bool {
	if existing, ok := l.byKey[keyOf(r)]; ok && existing.SequenceNumber >= r.SequenceNumber {
		return false
	}
	l.byKey[keyOf(r)] = r
	return true
}

// remove drops the pending report for the result's key when the sequence
// number still matches (a newer replacement stays queued).
func (l *sortedReports) remove(res *ReportResult) {
	k := reportKey{entityID: res.EntityID, sourceID: res.SourceID, property: res.Property}
	if existing, ok := l.byKey[k]; ok && existing.SequenceNumber <= res.SequenceNumber {
		delete(l.byKey, k)
	}
}

// contentUpTo returns up to max reports, lowest sequence numbers first.
func (l *sortedReports) contentUpTo(max int) []Report {
	out := make([]Report, 0, len(l.byKey))
	for _, r := range l.byKey {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	if len(out) > max {
		out = out[:max]
	}
	return out
}
