package main

import (
	"context"
	"fmt"

	"github.com/praetorian-labs/gradeflow/pkg/types"
)

// EventsCmd tails a run's append-only event log. Without --follow it
// prints every event after --after once and exits; with --follow it
// subscribes and streams new events until interrupted.
type EventsCmd struct {
	Config   string `help:"YAML config file path." type:"existingfile" name:"config"`
	StateDir string `help:"Directory for event log, checkpoints, and run snapshots." default:"./gradeflow-data" name:"state-dir"`
	RunID    string `arg:"" help:"Run ID to tail."`
	After    int64  `help:"Only show events with a sequence number greater than this." default:"0"`
	Limit    int    `help:"Maximum number of historical events to print." default:"1000"`
	Follow   bool   `help:"Keep streaming new events after printing history." short:"f"`
}

func (c *EventsCmd) Run() error {
	rt, err := openRuntime(c.Config, c.StateDir)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := context.Background()
	records, err := rt.eventLog.EventsAfter(ctx, c.RunID, c.After, c.Limit)
	if err != nil {
		return fmt.Errorf("gradeflow: %w", err)
	}
	last := c.After
	for _, rec := range records {
		printEvent(rec)
		if rec.Seq > last {
			last = rec.Seq
		}
	}

	if !c.Follow {
		return nil
	}

	ch, unsubscribe := rt.eventLog.Subscribe(c.RunID)
	defer unsubscribe()
	for rec := range ch {
		if rec.Seq <= last {
			continue
		}
		printEvent(rec)
	}
	return nil
}

func printEvent(rec types.EventRecord) {
	fmt.Printf("[%d] %s %s: %s\n", rec.Seq, rec.Timestamp.Format("15:04:05"), rec.Kind, rec.Message)
}
