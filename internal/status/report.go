// Package status builds the tunnel status report and mirrors it out.
package status

import (
	"sort"
	"time"

	"devtunnel/internal/session"
)

// Report is a snapshot of every session known to the registry.
type Report struct {
	GeneratedAt time.Time       `json:"generatedAt"`
	Sessions    int             `json:"sessions"`
	Bound       int             `json:"bound"`
	Lines       []session.Stats `json:"lines"`
}

// Build snapshots reg. Active sessions come first ordered by user id,
// then inactive ones with the most recently seen first.
func Build(reg *session.Registry) Report {
	sessions := reg.Sessions()
	lines := make([]session.Stats, 0, len(sessions))
	bound := 0
	for _, s := range sessions {
		st := s.Stats()
		if st.ServerPort != 0 {
			bound++
		}
		lines = append(lines, st)
	}
	Sort(lines)
	return Report{
		GeneratedAt: time.Now(),
		Sessions:    len(lines),
		Bound:       bound,
		Lines:       lines,
	}
}

// Sort orders report lines in place.
func Sort(lines []session.Stats) {
	sort.SliceStable(lines, func(i, j int) bool {
		a, b := lines[i], lines[j]
		if a.Active != b.Active {
			return a.Active
		}
		if a.Active {
			return a.UserID < b.UserID
		}
		return a.LastSeenAt.After(b.LastSeenAt)
	})
}
