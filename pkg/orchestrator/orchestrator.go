// Package orchestrator wires the pipeline stages into a run's full
// lifecycle: admission control, sequential stage execution, checkpointing
// after every stage boundary, and human-review pause/resume.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/keith-turner/ecoji/v2"

	"github.com/praetorian-labs/gradeflow/pkg/cache"
	"github.com/praetorian-labs/gradeflow/pkg/checkpoint"
	"github.com/praetorian-labs/gradeflow/pkg/confession"
	"github.com/praetorian-labs/gradeflow/pkg/config"
	"github.com/praetorian-labs/gradeflow/pkg/events"
	"github.com/praetorian-labs/gradeflow/pkg/gateway"
	"github.com/praetorian-labs/gradeflow/pkg/metrics"
	"github.com/praetorian-labs/gradeflow/pkg/pipeline"
	"github.com/praetorian-labs/gradeflow/pkg/runcontrol"
	"github.com/praetorian-labs/gradeflow/pkg/types"
)

// namedStage pairs a stage's name (used for CurrentStage, checkpoint keys,
// and resume-from-last-stage lookups) with its function.
type namedStage struct {
	name string
	fn   pipeline.StageFunc
}

// Deps bundles everything a run needs to execute its stages: the model
// gateway, the response cache, the runcontrol admission gate, the event
// log, and the checkpoint store. A Coordinator can be shared across runs.
type Deps struct {
	Gateway     *gateway.Gateway
	Cache       *cache.Cache
	Controller  *runcontrol.Controller
	Events      *events.Log
	Checkpoints *checkpoint.Store
	Metrics     *metrics.Metrics
	Log         *slog.Logger
	Run         config.RunConfig
}

// Coordinator runs a Run's pipeline stages in order, checkpointing after
// each and stopping cleanly when a stage pauses for human review.
type Coordinator struct {
	deps Deps
}

// New builds a Coordinator.
func New(deps Deps) *Coordinator {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = &metrics.Metrics{}
	}
	return &Coordinator{deps: deps}
}

// Input gathers everything a fresh run needs to build its stage list.
type Input struct {
	Files            []pipeline.IntakeFile
	RubricPages      []pipeline.PageImage
	PageRenderer     pipeline.PageRenderer
	Enhancer         pipeline.Enhancer
	Roster           []pipeline.RosterEntry
	RubricConfidence float64
}

// Start admits runID for teacherID and runs its pipeline from the
// beginning through completion, a failure, or a pause for human review.
// The returned bool reports whether the run paused; callers resolve a
// pause with Resolve and call Continue to pick the pipeline back up.
func (co *Coordinator) Start(ctx context.Context, rs *pipeline.RunState, in Input) (paused bool, err error) {
	runCtx, release, err := co.deps.Controller.AcquireRun(ctx, rs.Run.TeacherID, rs.Run.ID)
	if err != nil {
		return false, fmt.Errorf("orchestrator: admission: %w", err)
	}
	defer release()

	rs.Run.Status = types.RunStatusRunning
	return co.runFrom(runCtx, rs, 0, co.stages(in))
}

// Continue resumes a run whose RunState already reflects a prior pause
// having been resolved (RunState.Run.CurrentStage names the next stage to
// run). The caller is responsible for having re-acquired admission via
// Start if the process restarted; Continue itself does not call
// AcquireRun, since a resumed run inside the same process is already
// holding its slot across the pause.
func (co *Coordinator) Continue(ctx context.Context, rs *pipeline.RunState, in Input) (paused bool, err error) {
	stages := co.stages(in)
	idx := stageIndex(stages, rs.Run.CurrentStage)
	return co.runFrom(ctx, rs, idx, stages)
}

// ResolveRubricReview applies a teacher's rubric_review signal and, if it
// resumes the run, continues the pipeline automatically. A reparse signal
// re-invokes rubric_parse with the same rubric pages before deciding
// whether to continue or pause again.
func (co *Coordinator) ResolveRubricReview(ctx context.Context, rs *pipeline.RunState, signal pipeline.RubricReviewSignal, in Input) (paused bool, err error) {
	reviewStage := pipeline.RubricReview(signal)
	result, err := reviewStage(ctx, rs, co.deps.Gateway, co.deps.Events)
	if err != nil {
		return false, co.fail(ctx, rs, "rubric_review", err)
	}
	co.checkpoint(ctx, rs, "rubric_review")

	if signal.Action == pipeline.RubricReviewReparse {
		parseStage := pipeline.RubricParse(in.RubricPages, in.RubricConfidence)
		result, err = parseStage(ctx, rs, co.deps.Gateway, co.deps.Events)
		if err != nil {
			return false, co.fail(ctx, rs, "rubric_parse", err)
		}
		co.checkpoint(ctx, rs, "rubric_parse")
		if result.Paused {
			rs.Run.ResumeToken = resumeToken(rs.Run.ID, "rubric_parse")
			return true, nil
		}
	}

	// A resolved review resumes at the stage after rubric_parse, the stage
	// the run paused at.
	stages := co.stages(in)
	if next := stageIndex(stages, "rubric_parse") + 1; next < len(stages) {
		rs.Run.CurrentStage = stages[next].name
	}
	return co.Continue(ctx, rs, in)
}

// stages builds the ordered stage list for a run, given the inputs only
// the orchestrator (not the pipeline package) knows how to source: the
// uploaded files, the rubric pages, and the roster.
func (co *Coordinator) stages(in Input) []namedStage {
	chunkSize := co.deps.Run.BatchChunkSize
	if chunkSize <= 0 {
		chunkSize = 50
	}
	concurrency := co.deps.Run.MaxParallelLLMCalls
	if concurrency <= 0 {
		concurrency = 4
	}

	return []namedStage{
		{"intake", pipeline.Intake(in.Files)},
		{"preprocess", pipeline.Preprocess(in.Files, in.PageRenderer, in.Enhancer)},
		{"rubric_parse", pipeline.RubricParse(in.RubricPages, in.RubricConfidence)},
		{"index", pipeline.Index(in.Roster)},
		{"grade_batch", pipeline.GradeBatch(co.deps.Cache, co.deps.Metrics, concurrency, chunkSize)},
		{"cross_page_merge", pipeline.CrossPageMerge()},
		{"aggregate", pipeline.Aggregate()},
		{"logic_review", pipeline.LogicReview()},
		{"confession", pipeline.Confession(confession.New(co.deps.Gateway))},
		{"export", pipeline.Export()},
	}
}

func stageIndex(stages []namedStage, name string) int {
	for i, s := range stages {
		if s.name == name {
			return i
		}
	}
	return 0
}

func (co *Coordinator) runFrom(ctx context.Context, rs *pipeline.RunState, start int, stages []namedStage) (bool, error) {
	for i := start; i < len(stages); i++ {
		stage := stages[i]
		rs.Run.CurrentStage = stage.name
		rs.Run.UpdatedAt = time.Now().UTC()

		result, err := stage.fn(ctx, rs, co.deps.Gateway, co.deps.Events)
		if err != nil {
			return false, co.fail(ctx, rs, stage.name, err)
		}

		co.checkpoint(ctx, rs, stage.name)

		if result.Paused {
			rs.Run.ResumeToken = resumeToken(rs.Run.ID, stage.name)
			return true, nil
		}
	}

	return false, nil
}

// resumeToken renders a short, copy-paste-safe emoji code a teacher can
// read back over chat or a support ticket to resume a paused run, instead
// of quoting the raw run ID and stage name. It is derived, not stored: the
// same (runID, stage) pair always renders the same token.
func resumeToken(runID, stage string) string {
	var out bytes.Buffer
	// error is infallible for valid byte sequences, mirroring the
	// teacher's own ecoji encoder usage.
	_ = ecoji.EncodeV2(bytes.NewReader([]byte(runID+":"+stage)), &out, 0)
	return out.String()
}

func (co *Coordinator) fail(ctx context.Context, rs *pipeline.RunState, stage string, err error) error {
	rs.Run.Status = types.RunStatusFailed
	rs.Run.FailReason = fmt.Sprintf("%s: %v", stage, err)
	co.checkpoint(ctx, rs, stage)
	if co.deps.Events != nil {
		co.deps.Events.Append(ctx, types.EventRecord{
			RunID:   rs.Run.ID,
			Kind:    types.EventStageFailed,
			Message: rs.Run.FailReason,
		})
	}
	return fmt.Errorf("orchestrator: stage %s: %w", stage, err)
}

// checkpoint snapshots the run's stage-boundary position. The payload
// records enough to resume (current stage, status) without attempting to
// serialize the whole in-memory RunState, since rubric/pages/units are
// re-derived deterministically by re-running earlier stages on resume in
// the same process; a cross-process resume is future work tracked by the
// run's CurrentStage alone.
func (co *Coordinator) checkpoint(ctx context.Context, rs *pipeline.RunState, stage string) {
	if co.deps.Checkpoints == nil {
		return
	}
	payload, err := json.Marshal(struct {
		Stage  string          `json:"stage"`
		Status types.RunStatus `json:"status"`
	}{stage, rs.Run.Status})
	if err != nil {
		return
	}
	if err := co.deps.Checkpoints.Save(ctx, rs.Run.ID, stage, payload); err != nil {
		co.deps.Log.WarnContext(ctx, "checkpoint save failed", "run_id", rs.Run.ID, "stage", stage, "error", err)
	}
}
