// Command cohorteval evaluates expression libraries against partitioned
// datasets, one output row per context instance.
//
//	cohorteval validate --context-definitions contexts.json --job-spec job.json
//	cohorteval run --context-definitions contexts.json --job-spec job.json \
//	    --input Patient=patients.csv --input Condition=conditions.csv \
//	    --libraries-dir libs --output Patient=out/patient
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	// register all sink backends with the storage factory.
	_ "cohorteval/internal/storage/all"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cohorteval",
		Short:         "Distributed expression evaluation over partitioned datasets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newValidateCmd())
	return root
}
