package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	// Import for side effects: register the vision-language model backends
	// against pkg/gateway's Backends registry.
	_ "github.com/praetorian-labs/gradeflow/pkg/gateway/bedrock"
	_ "github.com/praetorian-labs/gradeflow/pkg/gateway/openai"
)

func main() {
	// Parse with a custom exit handler to enforce the same exit-code
	// contract as the rest of the fleet: 0 = success, 1 = runtime error,
	// 2 = usage/validation error.
	ctx := kong.Parse(&CLI,
		kong.Name("gradeflow"),
		kong.Description("Vision-native automated grading batch engine."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
		kong.Exit(func(code int) {
			if code != 0 {
				os.Exit(2)
			}
			os.Exit(0)
		}),
	)

	err := ctx.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
