package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/praetorian-labs/gradeflow/pkg/events"
	"github.com/praetorian-labs/gradeflow/pkg/gateway"
	"github.com/praetorian-labs/gradeflow/pkg/types"
)

const (
	missingCitationPenalty     = 0.2
	alternativeSolutionPenalty = 0.15
)

// Aggregate computes each QuestionResult's confidence from its merged
// scoring points and rolls every student's QuestionResults into a
// StudentResult. Confidence starts as the score-weighted mean of each
// point's confidence, then loses 0.2 if any point's citation is missing and
// 0.15 if any point rests on an alternative solution the rubric didn't
// anticipate, clamped to [0,1].
func Aggregate() StageFunc {
	return func(ctx context.Context, rs *RunState, gw *gateway.Gateway, log *events.Log) (StageResult, error) {
		if len(rs.QuestionResults) == 0 {
			return StageResult{}, fmt.Errorf("pipeline: aggregate: no question results, run cross_page_merge first")
		}

		byStudent := make(map[string][]*types.QuestionResult)
		for _, qr := range rs.QuestionResults {
			qr.Confidence = questionConfidence(qr.Points)
			byStudent[qr.StudentID] = append(byStudent[qr.StudentID], qr)
		}

		rs.StudentResults = make(map[string]*types.StudentResult, len(byStudent))
		for studentID, questions := range byStudent {
			sort.Slice(questions, func(i, j int) bool { return questions[i].QuestionID < questions[j].QuestionID })
			flat := make([]types.QuestionResult, 0, len(questions))
			for _, q := range questions {
				flat = append(flat, *q)
			}
			rs.StudentResults[studentID] = &types.StudentResult{
				StudentID: studentID,
				RunID:     rs.Run.ID,
				Questions: flat,
			}
		}

		emit(ctx, log, rs.Run.ID, types.EventAggregateCompleted,
			fmt.Sprintf("aggregated %d students", len(rs.StudentResults)), nil)
		return StageResult{Stage: "aggregate", Message: fmt.Sprintf("%d students aggregated", len(rs.StudentResults))}, nil
	}
}

// questionConfidence computes the score-weighted mean of a question's
// scoring point confidences, then applies the citation/alternative-solution
// penalties once each (not once per offending point), clamped to [0,1].
func questionConfidence(points []types.ScoringPointResult) float64 {
	if len(points) == 0 {
		return 0
	}

	var weightedSum, weightTotal float64
	var hasMissingCitation, hasAlternativeSolution bool
	for _, p := range points {
		weight := p.Awarded
		if weight <= 0 {
			// an unawarded point still contributes its confidence at a
			// minimal weight so a question with every point denied doesn't
			// divide by zero into an undefined confidence.
			weight = 0.01
		}
		weightedSum += weight * p.Confidence
		weightTotal += weight
		if p.CitationQuality == types.CitationMissing {
			hasMissingCitation = true
		}
		if p.IsAlternativeSolution {
			hasAlternativeSolution = true
		}
	}

	confidence := weightedSum / weightTotal
	if hasMissingCitation {
		confidence -= missingCitationPenalty
	}
	if hasAlternativeSolution {
		confidence -= alternativeSolutionPenalty
	}

	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}
