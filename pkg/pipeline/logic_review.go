package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/praetorian-labs/gradeflow/pkg/events"
	"github.com/praetorian-labs/gradeflow/pkg/gateway"
	"github.com/praetorian-labs/gradeflow/pkg/types"
)

// LogicReview is a stateless post-check over the run's aggregated
// StudentResults and rubric: it consults nothing but its inputs, so calling
// it twice against the same RunState produces byte-identical flags. It
// never touches the cache, the gateway, or any prior run's state.
func LogicReview() StageFunc {
	return func(ctx context.Context, rs *RunState, gw *gateway.Gateway, log *events.Log) (StageResult, error) {
		flags := make([]string, 0)

		studentIDs := make([]string, 0, len(rs.StudentResults))
		for id := range rs.StudentResults {
			studentIDs = append(studentIDs, id)
		}
		sort.Strings(studentIDs)

		for _, studentID := range studentIDs {
			result := rs.StudentResults[studentID]
			flaggedThisStudent := false

			for _, qr := range result.Questions {
				question := findQuestion(rs.Rubric, qr.QuestionID)
				if question == nil {
					continue
				}
				maxScore := question.MaxScore()
				if qr.Awarded() > maxScore {
					flags = append(flags, fmt.Sprintf("%s: question %s scored %.2f above max %.2f", studentID, qr.QuestionID, qr.Awarded(), maxScore))
					flaggedThisStudent = true
				}
				for _, p := range qr.Points {
					if p.Awarded > 0 && p.CitationQuality == types.CitationMissing {
						flags = append(flags, fmt.Sprintf("%s: question %s scoring point %s awarded with no supporting citation", studentID, qr.QuestionID, p.ScoringPointID))
						flaggedThisStudent = true
					}
					if p.Awarded > 0 && p.Citation == "" {
						flags = append(flags, fmt.Sprintf("%s: question %s scoring point %s cites nothing in the student's work", studentID, qr.QuestionID, p.ScoringPointID))
						flaggedThisStudent = true
					}
				}
			}

			if flaggedThisStudent {
				result.FlaggedLogic = true
			}
		}

		rs.Flags = flags
		emit(ctx, log, rs.Run.ID, types.EventStageCompleted, fmt.Sprintf("%d flags raised", len(flags)), nil)
		return StageResult{Stage: "logic_review", Message: fmt.Sprintf("%d flags", len(flags))}, nil
	}
}
