package pipeline

import (
	"context"
	"fmt"

	"github.com/praetorian-labs/gradeflow/pkg/events"
	"github.com/praetorian-labs/gradeflow/pkg/gateway"
	"github.com/praetorian-labs/gradeflow/pkg/types"
)

// unscoredUnitThreshold is the fraction of a student's grading units that
// may fail before the student is excluded from export entirely rather than
// reported with a lowered confidence.
const unscoredUnitThreshold = 0.2

// Export applies the per-student unscored-unit threshold, excluding any
// student whose failed-unit fraction exceeds unscoredUnitThreshold with
// reason "grading_failed", then emits the terminal results_ready event.
func Export() StageFunc {
	return func(ctx context.Context, rs *RunState, gw *gateway.Gateway, log *events.Log) (StageResult, error) {
		totalByStudent := make(map[string]int)
		failedByStudent := make(map[string]int)
		for _, unit := range rs.Units {
			totalByStudent[unit.StudentID]++
			if _, failed := rs.UnscoredUnits[unit.ID]; failed {
				failedByStudent[unit.StudentID]++
			}
		}

		for studentID, total := range totalByStudent {
			if total == 0 {
				continue
			}
			fraction := float64(failedByStudent[studentID]) / float64(total)
			if fraction > unscoredUnitThreshold {
				rs.ExcludedStudents[studentID] = "grading_failed"
			}
		}

		rs.Run.Status = types.RunStatusComplete
		emit(ctx, log, rs.Run.ID, types.EventResultsReady,
			fmt.Sprintf("%d students graded, %d excluded", len(rs.StudentResults), len(rs.ExcludedStudents)),
			map[string]any{
				"student_count":  len(rs.StudentResults),
				"excluded_count": len(rs.ExcludedStudents),
			})
		return StageResult{Stage: "export", Message: "results ready"}, nil
	}
}
