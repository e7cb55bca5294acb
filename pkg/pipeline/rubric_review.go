package pipeline

import (
	"context"
	"fmt"

	"github.com/praetorian-labs/gradeflow/pkg/events"
	"github.com/praetorian-labs/gradeflow/pkg/gateway"
	"github.com/praetorian-labs/gradeflow/pkg/types"
)

// RubricReviewAction is the external signal a teacher sends to resolve a
// run paused in RunStatusReview after rubric_parse.
type RubricReviewAction string

const (
	RubricReviewApprove RubricReviewAction = "approve"
	RubricReviewUpdate  RubricReviewAction = "update"
	RubricReviewReparse RubricReviewAction = "reparse"
)

// RubricReviewSignal is the payload a teacher submits to resolve a paused
// rubric review.
type RubricReviewSignal struct {
	Action        RubricReviewAction
	UpdatedRubric *types.Rubric // required for RubricReviewUpdate
	ReparseNotes  string        // accepted with RubricReviewReparse; not passed to the model
}

// RubricReview applies a teacher's resolution of a paused rubric review.
// approve proceeds with the rubric already attached to rs; update replaces
// it outright; reparse is handled by the orchestrator re-invoking
// RubricParse with the same rubric pages and its standard prompt
// (ReparseNotes is not used), so this stage only validates the signal and,
// for reparse, reports that re-running rubric_parse is required.
func RubricReview(signal RubricReviewSignal) StageFunc {
	return func(ctx context.Context, rs *RunState, gw *gateway.Gateway, log *events.Log) (StageResult, error) {
		switch signal.Action {
		case RubricReviewApprove:
			if rs.Rubric == nil {
				return StageResult{}, fmt.Errorf("pipeline: rubric_review: approve with no parsed rubric attached")
			}
			rs.Run.Status = types.RunStatusRunning
			emit(ctx, log, rs.Run.ID, types.EventStageCompleted, "rubric approved", nil)
			return StageResult{Stage: "rubric_review", Message: "rubric approved"}, nil

		case RubricReviewUpdate:
			if signal.UpdatedRubric == nil {
				return StageResult{}, fmt.Errorf("pipeline: rubric_review: update requires a rubric payload")
			}
			rs.Rubric = signal.UpdatedRubric
			rs.Run.Status = types.RunStatusRunning
			emit(ctx, log, rs.Run.ID, types.EventStageCompleted, "rubric updated by reviewer", nil)
			return StageResult{Stage: "rubric_review", Message: "rubric updated"}, nil

		case RubricReviewReparse:
			rs.Run.Status = types.RunStatusRunning
			emit(ctx, log, rs.Run.ID, types.EventStageStarted, "rubric reparse requested", nil)
			return StageResult{Stage: "rubric_review", Message: "reparse requested", Paused: false}, nil

		default:
			return StageResult{}, fmt.Errorf("pipeline: rubric_review: unknown action %q", signal.Action)
		}
	}
}
