package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"cohorteval/internal/config"
	"cohorteval/internal/namer"
)

func newValidateCmd() *cobra.Command {
	var (
		args      config.RunArgs
		delimiter string
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check context definitions and the job specification, then print the output columns",
		RunE: func(cmd *cobra.Command, _ []string) error {
			defs, err := config.ReadContextDefinitions(args.ContextDefinitionPath)
			if err != nil {
				return err
			}
			selected, err := defs.Filter(args.Aggregations)
			if err != nil {
				return err
			}
			spec, err := config.ReadJobSpecification(args.JobSpecPath)
			if err != nil {
				return err
			}
			n, err := namer.New(spec, delimiter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			var names []string
			for _, def := range selected {
				names = append(names, def.Name)
				cols := n.Columns(spec, def.Name)
				fmt.Fprintf(out, "%s: %d columns\n", def.Name, len(cols))
				for _, c := range cols {
					fmt.Fprintf(out, "  %s\n", c)
				}
			}
			for i, req := range spec.Evaluations {
				if !slices.Contains(names, req.ContextKey) {
					fmt.Fprintf(out, "warning: evaluations[%d] targets context %q which is not selected\n", i, req.ContextKey)
				}
			}
			fmt.Fprintf(out, "configuration is valid: %s\n", strings.Join(names, ", "))
			return nil
		},
	}
	bindFiles(cmd, &args)
	cmd.Flags().StringSliceVar(&args.Aggregations, "aggregation", nil, "context definition to check (repeatable; default all)")
	cmd.Flags().StringVar(&delimiter, "column-delimiter", config.DefaultColumnDelimiter, "delimiter between library id and expression in default column names")
	return cmd
}
