package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/praetorian-labs/gradeflow/pkg/confession"
	"github.com/praetorian-labs/gradeflow/pkg/events"
	"github.com/praetorian-labs/gradeflow/pkg/gateway"
	"github.com/praetorian-labs/gradeflow/pkg/types"
)

// Confession runs gen against every aggregated StudentResult, attaching the
// resulting self-report to StudentResult.Confession. It runs after
// logic_review and before export, so a flag raised against a student is
// visible to the confession prompt but never alters the student's score:
// gen only narrates results, per the neutrality contract on
// gateway.Request.CacheEligible for RequestKindConfession.
func Confession(gen *confession.Generator) StageFunc {
	return func(ctx context.Context, rs *RunState, gw *gateway.Gateway, log *events.Log) (StageResult, error) {
		studentIDs := make([]string, 0, len(rs.StudentResults))
		for id := range rs.StudentResults {
			studentIDs = append(studentIDs, id)
		}
		sort.Strings(studentIDs)

		failed := 0
		for _, studentID := range studentIDs {
			result := rs.StudentResults[studentID]
			report, err := gen.Generate(ctx, rs.RateLimitKey, rs.Rubric, result)
			if err != nil {
				failed++
				emit(ctx, log, rs.Run.ID, types.EventStageFailed,
					fmt.Sprintf("confession for student %s: %v", studentID, err),
					map[string]any{"student_id": studentID})
				continue
			}
			result.Confession = report
		}

		emit(ctx, log, rs.Run.ID, types.EventStageCompleted,
			fmt.Sprintf("%d confessions generated, %d failed", len(studentIDs)-failed, failed), nil)
		return StageResult{
			Stage:   "confession",
			Message: fmt.Sprintf("%d confessions generated, %d failed", len(studentIDs)-failed, failed),
		}, nil
	}
}
