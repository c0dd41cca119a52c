package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newRunCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run <task> [data]",
		Short: "Run one task and print its result",
		Long: `Run sends one request and prints the JSON result.

data is sent as JSON when it parses as JSON and as a string otherwise.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			var data any
			if len(args) == 2 {
				data = taskInput(args[1])
			}

			w, err := opts.connect(ctx)
			if err != nil {
				return err
			}
			defer w.Close()

			out, err := w.RunTask(ctx, args[0], data)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.String())
			return nil
		},
	}
}

// taskInput keeps valid JSON as-is and wraps anything else as a string.
func taskInput(arg string) any {
	if json.Valid([]byte(arg)) {
		return json.RawMessage(arg)
	}
	return arg
}
