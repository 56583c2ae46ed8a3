// Command podctl drives an insulin pod from the command line: pairing and
// activation, boluses and temp basals, status, and deactivation.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{}
	err := newRootCmd(a).ExecuteContext(ctx)
	if cerr := a.close(); cerr != nil {
		fmt.Fprintln(os.Stderr, "close:", cerr)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. The shell builds a fresh tree per
// line so flag values never leak between commands.
func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "podctl",
		Short:         "podctl - pod communication and dose tracking",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(a.configPath)
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", a.configPath, "path to config file (default: ~/.config/podlink/config.yaml)")

	root.AddCommand(
		pairCmd(a),
		primeCmd(a),
		insertCmd(a),
		statusCmd(a),
		resolveCmd(a),
		bolusCmd(a),
		cancelBolusCmd(a),
		tempBasalCmd(a),
		cancelTempBasalCmd(a),
		basalCmd(a),
		suspendCmd(a),
		resumeCmd(a),
		ackAlertsCmd(a),
		deactivateCmd(a),
		forgetCmd(a),
		dosesCmd(a),
		bleCmd(a),
		demoCmd(a),
		shellCmd(a),
	)
	return root
}
