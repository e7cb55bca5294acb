// Package pipeline implements the grading pipeline stages: intake,
// preprocess, rubric_parse, rubric_review, index, grade_batch,
// cross_page_merge, aggregate, logic_review, confession, and export. Each stage is a
// pure function over a shared RunState plus side effects through the model
// gateway and the run's event log, following an Evaluator-over-shared-state
// shape generalized from a probe scan to a grading batch.
package pipeline

import (
	"context"

	"github.com/praetorian-labs/gradeflow/pkg/events"
	"github.com/praetorian-labs/gradeflow/pkg/gateway"
	"github.com/praetorian-labs/gradeflow/pkg/types"
)

// PageImage is one rendered page of the uploaded submission batch, with its
// perceptual fingerprint computed by preprocess.
type PageImage struct {
	Index       int
	Image       []byte
	MimeType    string
	Fingerprint string
	StudentID   string // assigned by index; empty until then
	HeaderText  string // OCR/extracted header text used for boundary detection
}

// RunState is the mutable state one run's pipeline stages read and write as
// they execute in sequence. A stage only touches the fields it owns; later
// stages read earlier stages' output fields.
type RunState struct {
	Run    *types.Run
	Rubric *types.Rubric

	Pages      []PageImage
	Boundaries []types.StudentBoundary
	Units      []types.GradingUnit

	// UnitResults holds the raw per-unit ScoringPointResults keyed by
	// GradingUnit.ID, written by grade_batch and consumed by
	// cross_page_merge.
	UnitResults map[string][]types.ScoringPointResult

	// UnscoredUnits records GradingUnit IDs that exhausted retries during
	// grade_batch, with the reason, per spec's per-unit failure handling.
	UnscoredUnits map[string]string

	// QuestionResults is keyed by student_id+"\x00"+question_id, written by
	// cross_page_merge and refined in place by aggregate.
	QuestionResults map[string]*types.QuestionResult

	StudentResults map[string]*types.StudentResult

	// ExcludedStudents maps a student ID to the reason they were dropped
	// from export (e.g. "grading_failed").
	ExcludedStudents map[string]string

	// Flags holds logic_review's stateless post-check output.
	Flags []string

	RateLimitKey string // typically Run.TeacherID
}

// NewRunState builds an empty RunState for run against rubric.
func NewRunState(run *types.Run, rubric *types.Rubric) *RunState {
	return &RunState{
		Run:              run,
		Rubric:           rubric,
		UnitResults:      make(map[string][]types.ScoringPointResult),
		UnscoredUnits:    make(map[string]string),
		QuestionResults:  make(map[string]*types.QuestionResult),
		StudentResults:   make(map[string]*types.StudentResult),
		ExcludedStudents: make(map[string]string),
		RateLimitKey:     run.TeacherID,
	}
}

// questionKey builds the QuestionResults map key for a (student, question)
// pair.
func questionKey(studentID, questionID string) string {
	return studentID + "\x00" + questionID
}

// StageResult is what a stage reports back to the orchestrator: enough to
// checkpoint, log, and decide whether to advance or pause.
type StageResult struct {
	Stage   string
	Message string
	// Paused is set when the stage cannot proceed without an external
	// signal (rubric_review awaiting approve/update/reparse).
	Paused bool
}

// StageFunc is the shape every pipeline stage implements.
type StageFunc func(ctx context.Context, rs *RunState, gw *gateway.Gateway, log *events.Log) (StageResult, error)

func emit(ctx context.Context, log *events.Log, runID string, kind types.EventKind, message string, metadata map[string]any) {
	if log == nil {
		return
	}
	log.Append(ctx, types.EventRecord{
		RunID:    runID,
		Kind:     kind,
		Message:  message,
		Metadata: metadata,
	})
}
