package main

import (
	"fmt"

	"github.com/alecthomas/kong"
)

// version is stamped at build time via -ldflags; left as a plain default
// otherwise.
var version = "dev"

// CLI is the gradeflow command-line interface.
var CLI struct {
	Version    VersionCmd    `cmd:"" help:"Print version information."`
	Help       HelpCmd       `cmd:"" hidden:"" default:"1"`
	Submit     SubmitCmd     `cmd:"" help:"Submit a new grading run."`
	Status     StatusCmd     `cmd:"" help:"Show a run's current status."`
	Events     EventsCmd     `cmd:"" help:"Tail a run's event log."`
	Review     ReviewCmd     `cmd:"" help:"Resolve a paused rubric_review and resume a run."`
	Cancel     CancelCmd     `cmd:"" help:"Cancel a queued or paused run."`
	Results    ResultsCmd    `cmd:"" help:"Fetch a completed run's graded results."`
	Completion CompletionCmd `cmd:"" help:"Generate shell completion scripts."`
}

// VersionCmd prints version information.
type VersionCmd struct{}

func (v *VersionCmd) Run() error {
	fmt.Printf("gradeflow %s\n", version)
	return nil
}

// HelpCmd prints top-level help when gradeflow is invoked with no
// subcommand.
type HelpCmd struct{}

func (h *HelpCmd) Run(ctx *kong.Context) error {
	appCtx := *ctx
	if len(appCtx.Path) > 1 {
		appCtx.Path = appCtx.Path[:1]
	}
	return appCtx.PrintUsage(false)
}

// CompletionCmd generates shell completion scripts.
type CompletionCmd struct {
	Shell string `arg:"" enum:"bash,zsh,fish" help:"Shell type (bash, zsh, fish)."`
}

func (c *CompletionCmd) Run() error {
	switch c.Shell {
	case "bash":
		fmt.Println("# Bash completion for gradeflow")
		fmt.Println("# eval \"$(gradeflow completion bash)\"")
	case "zsh":
		fmt.Println("# Zsh completion for gradeflow")
		fmt.Println("# eval \"$(gradeflow completion zsh)\"")
	case "fish":
		fmt.Println("# Fish completion for gradeflow")
		fmt.Println("# gradeflow completion fish | source")
	}
	return nil
}
