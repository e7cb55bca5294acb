package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/praetorian-labs/gradeflow/pkg/events"
	"github.com/praetorian-labs/gradeflow/pkg/gateway"
	"github.com/praetorian-labs/gradeflow/pkg/types"
)

// CrossPageMerge collapses the raw ScoringPointResults a grading unit
// produced (one unit can see evidence for the same scoring point on more
// than one page) into one result per scoring point, then assembles the
// merged points into a QuestionResult per (student, question). A scoring
// point marked "met once" takes the maximum awarded value across its
// duplicates; a "cumulative" point sums them, capped at its max_score. Ties
// over which duplicate supplies the representative rationale/citation break
// on highest confidence, then earliest page.
func CrossPageMerge() StageFunc {
	return func(ctx context.Context, rs *RunState, gw *gateway.Gateway, log *events.Log) (StageResult, error) {
		if len(rs.Units) == 0 {
			return StageResult{}, fmt.Errorf("pipeline: cross_page_merge: no grading units, run index first")
		}

		for _, unit := range rs.Units {
			raw, ok := rs.UnitResults[unit.ID]
			if !ok {
				continue // unscored unit, left for aggregate/export to account for
			}

			question := findQuestion(rs.Rubric, unit.QuestionID)
			if question == nil {
				return StageResult{}, fmt.Errorf("pipeline: cross_page_merge: question %q not found in rubric", unit.QuestionID)
			}

			grouped := groupByScoringPoint(raw)
			merged := make([]types.ScoringPointResult, 0, len(grouped))
			for _, sp := range question.ScoringPoints {
				dupes, ok := grouped[sp.ID]
				if !ok {
					continue
				}
				merged = append(merged, mergeScoringPoint(dupes, sp.MergeStrategy()))
			}

			key := questionKey(unit.StudentID, unit.QuestionID)
			rs.QuestionResults[key] = &types.QuestionResult{
				QuestionID: unit.QuestionID,
				StudentID:  unit.StudentID,
				Points:     merged,
			}
		}

		emit(ctx, log, rs.Run.ID, types.EventStageCompleted,
			fmt.Sprintf("merged %d question results", len(rs.QuestionResults)), nil)
		return StageResult{Stage: "cross_page_merge", Message: "merge complete"}, nil
	}
}

func groupByScoringPoint(results []types.ScoringPointResult) map[string][]types.ScoringPointResult {
	grouped := make(map[string][]types.ScoringPointResult, len(results))
	for _, r := range results {
		grouped[r.ScoringPointID] = append(grouped[r.ScoringPointID], r)
	}
	return grouped
}

// mergeScoringPoint collapses one scoring point's duplicate results
// (evidence found on more than one page) per the point's merge strategy.
func mergeScoringPoint(dupes []types.ScoringPointResult, strategy types.MergeStrategy) types.ScoringPointResult {
	if len(dupes) == 1 {
		return dupes[0]
	}

	representative := pickRepresentative(dupes)

	switch strategy {
	case types.MergeCumulative:
		var total float64
		for _, d := range dupes {
			total += d.Awarded
		}
		if total > representative.MaxScore {
			total = representative.MaxScore
		}
		merged := representative
		merged.Awarded = total
		return merged

	default: // MergeMetOnce
		best := dupes[0]
		for _, d := range dupes[1:] {
			if d.Awarded > best.Awarded || (d.Awarded == best.Awarded && ranksHigher(d, best)) {
				best = d
			}
		}
		return best
	}
}

// pickRepresentative selects the duplicate whose rationale/citation best
// represents the group: highest confidence, then earliest page.
func pickRepresentative(dupes []types.ScoringPointResult) types.ScoringPointResult {
	sorted := make([]types.ScoringPointResult, len(dupes))
	copy(sorted, dupes)
	sort.SliceStable(sorted, func(i, j int) bool { return ranksHigher(sorted[i], sorted[j]) })
	return sorted[0]
}

// ranksHigher reports whether a should be preferred over b under the
// highest-confidence-then-earliest-page tie-break.
func ranksHigher(a, b types.ScoringPointResult) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	return a.PageIndex < b.PageIndex
}
