package claim

import (
	"sort"

	"github.com/celerix-dev/crowdgate/internal/acl"
)

// Precedes reports whether a wins over b: earlier arrival first, then the
// lexically smaller identifier. A missing arrival sorts before every real
// one, so rows written before arrival stamps existed keep their unit.
func Precedes(a, b acl.Record) bool {
	if !a.TimeArrival.Equal(b.TimeArrival) {
		return a.TimeArrival.Before(b.TimeArrival)
	}
	return a.Identifier < b.Identifier
}

// Elect picks the single winner among concurrent claimants. The result
// depends only on arrival times and identifiers, so every participant
// computes the same winner from the same rows regardless of input order.
func Elect(candidates []acl.Record) (acl.Record, bool) {
	if len(candidates) == 0 {
		return acl.Record{}, false
	}
	winner := candidates[0]
	for _, c := range candidates[1:] {
		if Precedes(c, winner) {
			winner = c
		}
	}
	return winner, true
}

// sortRecords orders rows by unit, then by election precedence.
func sortRecords(rows []acl.Record) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].UnitID != rows[j].UnitID {
			return rows[i].UnitID < rows[j].UnitID
		}
		return Precedes(rows[i], rows[j])
	})
}
