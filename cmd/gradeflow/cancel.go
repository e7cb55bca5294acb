package main

import (
	"context"
	"fmt"

	"github.com/praetorian-labs/gradeflow/pkg/types"
)

// CancelCmd marks a queued or paused run cancelled. It never touches a
// terminal run (complete or already failed/cancelled), and it doesn't try
// to interrupt a run mid-stage, since gradeflow's single-invocation model
// means nothing is ever mid-stage between CLI invocations.
type CancelCmd struct {
	Config   string `help:"YAML config file path." type:"existingfile" name:"config"`
	StateDir string `help:"Directory for event log, checkpoints, and run snapshots." default:"./gradeflow-data" name:"state-dir"`
	RunID    string `arg:"" help:"Run ID to cancel."`
	Reason   string `help:"Reason recorded on the run and in the event log."`
}

func (c *CancelCmd) Run() error {
	rt, err := openRuntime(c.Config, c.StateDir)
	if err != nil {
		return err
	}
	defer rt.Close()

	rs, err := rt.runs.Load(c.RunID)
	if err != nil {
		return fmt.Errorf("gradeflow: %w", err)
	}
	if rs.Run.IsTerminal() {
		return fmt.Errorf("gradeflow: run %s already reached a terminal status (%s)", c.RunID, rs.Run.Status)
	}

	rs.Run.Status = types.RunStatusCancelled
	rs.Run.FailReason = c.Reason

	ctx := context.Background()
	if rt.eventLog != nil {
		rt.eventLog.Append(ctx, types.EventRecord{
			RunID:   rs.Run.ID,
			Kind:    types.EventCancelled,
			Message: c.Reason,
		})
	}
	if err := rt.checkpoints.DeleteRun(ctx, rs.Run.ID); err != nil {
		fmt.Printf("warning: failed to clear checkpoints for %s: %v\n", rs.Run.ID, err)
	}
	if err := rt.runs.Save(rs); err != nil {
		return fmt.Errorf("gradeflow: %w", err)
	}

	fmt.Printf("run_id: %s\n", rs.Run.ID)
	fmt.Printf("status: %s\n", rs.Run.Status)
	return nil
}
