package main

import "fmt"

// StatusCmd reports a run's last-known status, reading the runstore
// snapshot the owning submit/review/cancel invocation left behind.
type StatusCmd struct {
	Config   string `help:"YAML config file path." type:"existingfile" name:"config"`
	StateDir string `help:"Directory for event log, checkpoints, and run snapshots." default:"./gradeflow-data" name:"state-dir"`
	RunID    string `arg:"" help:"Run ID to inspect."`
}

func (c *StatusCmd) Run() error {
	rt, err := openRuntime(c.Config, c.StateDir)
	if err != nil {
		return err
	}
	defer rt.Close()

	rs, err := rt.runs.Load(c.RunID)
	if err != nil {
		return fmt.Errorf("gradeflow: %w", err)
	}

	fmt.Printf("run_id: %s\n", rs.Run.ID)
	fmt.Printf("teacher_id: %s\n", rs.Run.TeacherID)
	fmt.Printf("status: %s\n", rs.Run.Status)
	fmt.Printf("current_stage: %s\n", rs.Run.CurrentStage)
	if rs.Run.ResumeToken != "" {
		fmt.Printf("resume_token: %s\n", rs.Run.ResumeToken)
	}
	if rs.Run.FailReason != "" {
		fmt.Printf("fail_reason: %s\n", rs.Run.FailReason)
	}
	fmt.Printf("students_graded: %d\n", len(rs.StudentResults))
	fmt.Printf("students_excluded: %d\n", len(rs.ExcludedStudents))
	return nil
}
