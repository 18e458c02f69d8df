package rank

import (
	"sort"

	"github.com/lnmiit-devs/cybot/internal/stats"
)

// Rank orders activity snapshots by total stars, highest first. Failed
// snapshots are dropped. The sort is stable, so equal star counts keep
// their input order; callers pass records in link-insertion order to make
// ties deterministic.
func Rank(records []stats.Record) []stats.Record {
	ranked := make([]stats.Record, 0, len(records))
	for _, record := range records {
		if record.Failed() {
			continue
		}
		ranked = append(ranked, record)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].TotalStars > ranked[j].TotalStars
	})
	return ranked
}

// TopN returns the first n ranked records, fewer when the board is short.
func TopN(ranked []stats.Record, n int) []stats.Record {
	if n < 0 {
		n = 0
	}
	if n > len(ranked) {
		n = len(ranked)
	}
	return ranked[:n]
}

// ContributorThreshold decides contributor-role eligibility.
type ContributorThreshold struct {
	MinStars int
	MinRepos int
}

// Qualifies reports whether a snapshot clears either threshold.
func (t ContributorThreshold) Qualifies(record stats.Record) bool {
	if record.Failed() {
		return false
	}
	return record.TotalStars >= t.MinStars || record.TotalRepos >= t.MinRepos
}
