package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/praetorian-labs/gradeflow/pkg/orchestrator"
	"github.com/praetorian-labs/gradeflow/pkg/pipeline"
	"github.com/praetorian-labs/gradeflow/pkg/types"
)

// SubmitCmd admits a new grading run and drives it through the pipeline to
// completion, a pause for rubric_review, or a failure, all within this
// single invocation (gradeflow has no daemon; a paused run is picked back
// up by a later `review` invocation against the same --state-dir).
type SubmitCmd struct {
	Config     string   `help:"YAML config file path." type:"existingfile" name:"config"`
	StateDir   string   `help:"Directory for event log, checkpoints, and run snapshots." default:"./gradeflow-data" name:"state-dir"`
	TeacherID  string   `help:"Teacher identifier, used for per-teacher fairness admission." required:"" name:"teacher-id"`
	Rubric     []string `help:"Rubric page image file(s), in page order." required:"" name:"rubric"`
	Roster     string   `help:"Roster CSV (student_id,keywords) file." required:""`
	Confidence float64  `help:"Fallback rubric-parse confidence used when the model omits its own." default:"0.85"`
	Submission []string `help:"Scanned submission page image file(s), in page order." arg:"" required:""`
}

func (s *SubmitCmd) Run() error {
	rt, err := openRuntime(s.Config, s.StateDir)
	if err != nil {
		return err
	}
	defer rt.Close()

	in, err := loadInputAssets(s.Submission, s.Rubric, s.Roster, s.Confidence)
	if err != nil {
		return err
	}

	run := &types.Run{
		ID:         uuid.NewString(),
		TeacherID:  s.TeacherID,
		Status:     types.RunStatusQueued,
		SourcePath: s.Submission[0],
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	rs := pipeline.NewRunState(run, &types.Rubric{})

	paused, err := rt.coordinator.Start(context.Background(), rs, in)
	if saveErr := rt.runs.Save(rs); saveErr != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to persist run snapshot: %v\n", saveErr)
	}
	if err != nil {
		return err
	}

	printRunSummary(rs, paused)
	return nil
}

// loadInputAssets reads the submission pages, rubric pages, and roster off
// disk and builds the orchestrator.Input both submit and review need to
// (re)run a pipeline: the orchestrator only checkpoints a run's stage and
// status, and runstore only snapshots its RunState, so neither remembers
// where the original files came from. A review that resumes past
// rubric_parse still needs the same submission batch and roster the run
// started with.
func loadInputAssets(submissionPaths, rubricPaths []string, rosterPath string, confidence float64) (orchestrator.Input, error) {
	files, err := loadImageFiles(submissionPaths)
	if err != nil {
		return orchestrator.Input{}, err
	}
	rubricFiles, err := loadImageFiles(rubricPaths)
	if err != nil {
		return orchestrator.Input{}, err
	}
	rubricPages := make([]pipeline.PageImage, len(rubricFiles))
	for i, f := range rubricFiles {
		rubricPages[i] = pipeline.PageImage{Index: i, Image: f.Data, MimeType: f.MimeType}
	}
	roster, err := loadRoster(rosterPath)
	if err != nil {
		return orchestrator.Input{}, err
	}

	return orchestrator.Input{
		Files:            files,
		RubricPages:      rubricPages,
		PageRenderer:     pipeline.ImageFileRendererFunc{},
		Roster:           roster,
		RubricConfidence: confidence,
	}, nil
}

func printRunSummary(rs *pipeline.RunState, paused bool) {
	fmt.Printf("run_id: %s\n", rs.Run.ID)
	fmt.Printf("status: %s\n", rs.Run.Status)
	if paused {
		fmt.Printf("paused at stage: %s\n", rs.Run.CurrentStage)
		fmt.Printf("resume token: %s\n", rs.Run.ResumeToken)
	}
}
