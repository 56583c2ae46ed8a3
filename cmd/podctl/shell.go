package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// shellCmd reads podctl commands from stdin against one manager, which is
// the only way to drive the simulated pod across several commands.
func shellCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Run podctl commands interactively in one process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in := bufio.NewScanner(cmd.InOrStdin())
			out := cmd.OutOrStdout()
			for {
				fmt.Fprint(out, "podctl> ")
				if !in.Scan() {
					fmt.Fprintln(out)
					return in.Err()
				}
				args := strings.Fields(in.Text())
				if len(args) == 0 {
					continue
				}
				switch args[0] {
				case "exit", "quit":
					return nil
				case "shell":
					fmt.Fprintln(out, "already in a shell")
					continue
				}
				line := newRootCmd(a)
				line.SetArgs(args)
				line.SetIn(cmd.InOrStdin())
				line.SetOut(out)
				line.SetErr(cmd.ErrOrStderr())
				if err := line.ExecuteContext(cmd.Context()); err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
				}
				if cmd.Context().Err() != nil {
					return cmd.Context().Err()
				}
			}
		},
	}
}
