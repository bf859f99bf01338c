// Package ranking orders entities by score and caches the latest snapshot.
package ranking

import (
	"cmp"
	"slices"

	"github.com/okian/podium/internal/domain/model"
)

// Compute returns entities ordered by score descending with rank = position+1.
//
// Equal scores keep their relative order from the input, so callers passing
// entities in insertion order get insertion order as the only tie-break.
// Ranks are distinct even across ties. The input slice is not modified.
func Compute(entities []model.Entity) []model.RankedEntity {
	sorted := slices.Clone(entities)
	slices.SortStableFunc(sorted, func(a, b model.Entity) int {
		return cmp.Compare(b.Score, a.Score)
	})

	out := make([]model.RankedEntity, len(sorted))
	for i, e := range sorted {
		out[i] = model.RankedEntity{Entity: e, Rank: i + 1}
	}
	return out
}
