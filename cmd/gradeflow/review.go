package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/praetorian-labs/gradeflow/pkg/pipeline"
	"github.com/praetorian-labs/gradeflow/pkg/types"
)

// ReviewCmd resolves a run paused in rubric_review and, if the resolution
// lets it proceed, runs the rest of the pipeline to completion within this
// invocation. It needs the same submission/rubric/roster assets the
// original submit invocation used, since neither the checkpoint store nor
// runstore's RunState snapshot retains the original file bytes.
type ReviewCmd struct {
	Config        string   `help:"YAML config file path." type:"existingfile" name:"config"`
	StateDir      string   `help:"Directory for event log, checkpoints, and run snapshots." default:"./gradeflow-data" name:"state-dir"`
	RunID         string   `arg:"" help:"Run ID to resolve."`
	Action        string   `help:"Resolution action." enum:"approve,update,reparse" required:""`
	UpdatedRubric string   `help:"Path to a JSON-encoded Rubric, required for --action=update." name:"updated-rubric"`
	Notes         string   `help:"Notes accepted with --action=reparse; they are not included in the reparse prompt."`
	Rubric        []string `help:"Rubric page image file(s), in page order." required:"" name:"rubric"`
	Roster        string   `help:"Roster CSV (student_id,keywords) file." required:""`
	Confidence    float64  `help:"Fallback rubric-parse confidence used when the model omits its own." default:"0.85"`
	Submission    []string `help:"Scanned submission page image file(s), in page order." arg:"" required:""`
}

func (c *ReviewCmd) Run() error {
	rt, err := openRuntime(c.Config, c.StateDir)
	if err != nil {
		return err
	}
	defer rt.Close()

	rs, err := rt.runs.Load(c.RunID)
	if err != nil {
		return fmt.Errorf("gradeflow: %w", err)
	}
	if rs.Run.Status != types.RunStatusReview {
		return fmt.Errorf("gradeflow: run %s is not awaiting review (status %s)", c.RunID, rs.Run.Status)
	}

	signal := pipeline.RubricReviewSignal{
		Action:       pipeline.RubricReviewAction(c.Action),
		ReparseNotes: c.Notes,
	}
	if signal.Action == pipeline.RubricReviewUpdate {
		rubric, err := loadRubricJSON(c.UpdatedRubric)
		if err != nil {
			return err
		}
		signal.UpdatedRubric = rubric
	}

	in, err := loadInputAssets(c.Submission, c.Rubric, c.Roster, c.Confidence)
	if err != nil {
		return err
	}

	paused, err := rt.coordinator.ResolveRubricReview(context.Background(), rs, signal, in)
	if saveErr := rt.runs.Save(rs); saveErr != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to persist run snapshot: %v\n", saveErr)
	}
	if err != nil {
		return err
	}

	printRunSummary(rs, paused)
	return nil
}

func loadRubricJSON(path string) (*types.Rubric, error) {
	if path == "" {
		return nil, fmt.Errorf("gradeflow: --updated-rubric is required for --action=update")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("gradeflow: read %s: %w", path, err)
	}
	var rubric types.Rubric
	if err := json.Unmarshal(data, &rubric); err != nil {
		return nil, fmt.Errorf("gradeflow: parse %s: %w", path, err)
	}
	return &rubric, nil
}
