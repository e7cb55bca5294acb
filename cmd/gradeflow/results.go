package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/praetorian-labs/gradeflow/pkg/types"
)

// ResultsCmd prints a completed run's graded results as JSON, sorted by
// student ID for a stable diff between two exports of the same run.
type ResultsCmd struct {
	Config   string `help:"YAML config file path." type:"existingfile" name:"config"`
	StateDir string `help:"Directory for event log, checkpoints, and run snapshots." default:"./gradeflow-data" name:"state-dir"`
	RunID    string `arg:"" help:"Run ID to export."`
	Output   string `help:"Write results to this path instead of stdout." short:"o" type:"path"`
}

// runResults is the shape gradeflow results prints: every graded student,
// every excluded student and why, and the logic_review flags that survived
// aggregation.
type runResults struct {
	RunID            string                 `json:"run_id"`
	Status           types.RunStatus        `json:"status"`
	Students         []*types.StudentResult `json:"students"`
	ExcludedStudents map[string]string      `json:"excluded_students,omitempty"`
	Flags            []string               `json:"flags,omitempty"`
}

func (c *ResultsCmd) Run() error {
	rt, err := openRuntime(c.Config, c.StateDir)
	if err != nil {
		return err
	}
	defer rt.Close()

	rs, err := rt.runs.Load(c.RunID)
	if err != nil {
		return fmt.Errorf("gradeflow: %w", err)
	}
	if rs.Run.Status != types.RunStatusComplete {
		return fmt.Errorf("gradeflow: run %s has not completed (status %s)", c.RunID, rs.Run.Status)
	}

	students := make([]*types.StudentResult, 0, len(rs.StudentResults))
	for _, sr := range rs.StudentResults {
		students = append(students, sr)
	}
	sort.Slice(students, func(i, j int) bool { return students[i].StudentID < students[j].StudentID })

	out := runResults{
		RunID:            rs.Run.ID,
		Status:           rs.Run.Status,
		Students:         students,
		ExcludedStudents: rs.ExcludedStudents,
		Flags:            rs.Flags,
	}

	payload, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("gradeflow: marshal results: %w", err)
	}

	if c.Output == "" {
		fmt.Println(string(payload))
		return nil
	}
	if err := os.WriteFile(c.Output, payload, 0o644); err != nil {
		return fmt.Errorf("gradeflow: write %s: %w", c.Output, err)
	}
	return nil
}
