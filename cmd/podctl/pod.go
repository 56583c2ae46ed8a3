package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/podlink/internal/pod"
	"github.com/chaz8081/podlink/internal/podmanager"
)

// podCommand wraps a manager operation as a cobra command body.
func podCommand(a *app, fn func(context.Context, *cobra.Command, []string, *podmanager.Manager) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := a.withManager(cmd.Context(), func(ctx context.Context, m *podmanager.Manager) error {
			return fn(ctx, cmd, args, m)
		})
		if pod.IsUncertain(err) {
			fmt.Fprintln(cmd.ErrOrStderr(), "The pod may or may not have acted on this command. Run \"podctl resolve\" before dosing again.")
		}
		return err
	}
}

func pairCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pair",
		Short: "Assign an address to a new pod and set it up",
		Args:  cobra.NoArgs,
		RunE: podCommand(a, func(ctx context.Context, cmd *cobra.Command, _ []string, m *podmanager.Manager) error {
			if err := m.Pair(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Pod paired. Fill the reservoir, then run \"podctl prime\".")
			return nil
		}),
	}
}

func primeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "prime",
		Short: "Prime the pod's cannula",
		Args:  cobra.NoArgs,
		RunE: podCommand(a, func(ctx context.Context, cmd *cobra.Command, _ []string, m *podmanager.Manager) error {
			wait, err := m.Prime(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Priming, done in %s. Then run \"podctl insert\".\n", wait.Round(time.Second))
			return nil
		}),
	}
}

func insertCmd(a *app) *cobra.Command {
	var basal []float64
	cmd := &cobra.Command{
		Use:   "insert",
		Short: "Program the basal schedule and insert the cannula",
		Args:  cobra.NoArgs,
		RunE: podCommand(a, func(ctx context.Context, cmd *cobra.Command, _ []string, m *podmanager.Manager) error {
			if err := m.InsertCannula(ctx, basal); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Cannula inserted, pod active.")
			return nil
		}),
	}
	cmd.Flags().Float64SliceVar(&basal, "basal", []float64{1.0}, "half-hour basal rates in U/h, starting at midnight")
	return cmd
}

func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Read the pod's status",
		Args:  cobra.NoArgs,
		RunE: podCommand(a, func(ctx context.Context, cmd *cobra.Command, _ []string, m *podmanager.Manager) error {
			st, err := m.GetStatus(ctx)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		}),
	}
}

func resolveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve",
		Short: "Read status to settle doses whose delivery is uncertain",
		Args:  cobra.NoArgs,
		RunE: podCommand(a, func(ctx context.Context, cmd *cobra.Command, _ []string, m *podmanager.Manager) error {
			st, err := m.ResolveUncertainty(ctx)
			printStatus(cmd.OutOrStdout(), st)
			return err
		}),
	}
}

func bolusCmd(a *app) *cobra.Command {
	var automatic bool
	cmd := &cobra.Command{
		Use:   "bolus <units>",
		Short: "Deliver a bolus",
		Args:  cobra.ExactArgs(1),
		RunE: podCommand(a, func(ctx context.Context, cmd *cobra.Command, args []string, m *podmanager.Manager) error {
			units, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("units: %w", err)
			}
			if automatic {
				err = m.AutomaticBolus(ctx, units)
			} else {
				err = m.Bolus(ctx, units)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Bolus of %.2f U started.\n", units)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&automatic, "automatic", false, "mark as an automatic dose; verifies delivery status first")
	return cmd
}

func cancelBolusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-bolus",
		Short: "Stop the running bolus",
		Args:  cobra.NoArgs,
		RunE: podCommand(a, func(ctx context.Context, cmd *cobra.Command, _ []string, m *podmanager.Manager) error {
			if err := m.CancelBolus(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Bolus cancelled.")
			return nil
		}),
	}
}

func tempBasalCmd(a *app) *cobra.Command {
	var automatic bool
	cmd := &cobra.Command{
		Use:   "temp-basal <rate U/h> <duration>",
		Short: "Run a temporary basal rate, replacing any running one",
		Args:  cobra.ExactArgs(2),
		RunE: podCommand(a, func(ctx context.Context, cmd *cobra.Command, args []string, m *podmanager.Manager) error {
			rate, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("rate: %w", err)
			}
			duration, err := time.ParseDuration(args[1])
			if err != nil {
				return fmt.Errorf("duration: %w", err)
			}
			if err := m.SetTempBasal(ctx, rate, duration, automatic); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Temp basal of %.2f U/h for %s started.\n", rate, duration)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&automatic, "automatic", false, "mark as an automatic dose; verifies delivery status first")
	return cmd
}

func cancelTempBasalCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-temp-basal",
		Short: "Return to the scheduled basal",
		Args:  cobra.NoArgs,
		RunE: podCommand(a, func(ctx context.Context, cmd *cobra.Command, _ []string, m *podmanager.Manager) error {
			if err := m.CancelTempBasal(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Temp basal cancelled.")
			return nil
		}),
	}
}

func basalCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "basal <rate>...",
		Short: "Replace the basal schedule with half-hour rates in U/h",
		Args:  cobra.RangeArgs(1, 48),
		RunE: podCommand(a, func(ctx context.Context, cmd *cobra.Command, args []string, m *podmanager.Manager) error {
			rates := make([]float64, len(args))
			for i, s := range args {
				r, err := strconv.ParseFloat(s, 64)
				if err != nil {
					return fmt.Errorf("rate %d: %w", i+1, err)
				}
				rates[i] = r
			}
			if err := m.SetBasalSchedule(ctx, rates); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Basal schedule of %d segments programmed.\n", len(rates))
			return nil
		}),
	}
}

func suspendCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "suspend",
		Short: "Suspend all insulin delivery",
		Args:  cobra.NoArgs,
		RunE: podCommand(a, func(ctx context.Context, cmd *cobra.Command, _ []string, m *podmanager.Manager) error {
			if err := m.Suspend(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Delivery suspended.")
			return nil
		}),
	}
}

func resumeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume scheduled basal delivery",
		Args:  cobra.NoArgs,
		RunE: podCommand(a, func(ctx context.Context, cmd *cobra.Command, _ []string, m *podmanager.Manager) error {
			if err := m.Resume(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Delivery resumed.")
			return nil
		}),
	}
}

func ackAlertsCmd(a *app) *cobra.Command {
	var mask uint8
	cmd := &cobra.Command{
		Use:   "ack-alerts",
		Short: "Acknowledge pod alerts",
		Args:  cobra.NoArgs,
		RunE: podCommand(a, func(ctx context.Context, cmd *cobra.Command, _ []string, m *podmanager.Manager) error {
			if mask == 0 {
				mask = m.Status().Alerts
			}
			if err := m.AcknowledgeAlerts(ctx, mask); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Alerts 0x%02x acknowledged.\n", mask)
			return nil
		}),
	}
	cmd.Flags().Uint8Var(&mask, "mask", 0, "alert bits to acknowledge (default: all active)")
	return cmd
}

func deactivateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate",
		Short: "Stop delivery permanently and release the pod",
		Args:  cobra.NoArgs,
		RunE: podCommand(a, func(ctx context.Context, cmd *cobra.Command, _ []string, m *podmanager.Manager) error {
			if err := m.Deactivate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Pod deactivated. Remove it and pair a new one.")
			return nil
		}),
	}
}

func forgetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "forget",
		Short: "Discard the pod without talking to it",
		Args:  cobra.NoArgs,
		RunE: podCommand(a, func(_ context.Context, cmd *cobra.Command, _ []string, m *podmanager.Manager) error {
			m.Forget()
			fmt.Fprintln(cmd.OutOrStdout(), "Pod forgotten.")
			return nil
		}),
	}
}

func dosesCmd(a *app) *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "doses",
		Short: "List stored doses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ds, err := a.doseStore(cmd.Context())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Timing.StorageTimeout)
			defer cancel()
			doses, err := ds.ListDoses(ctx, time.Now().Add(-since))
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, d := range doses {
				fmt.Fprintf(w, "%s  %-9s  %5.2f / %5.2f U  %s\n",
					d.StartTime.Local().Format(time.DateTime), d.Kind, d.DeliveredUnits, d.ProgrammedUnits, d.EndTime.Sub(d.StartTime).Round(time.Second))
			}
			last, err := ds.LastSync(ctx)
			if err != nil {
				return err
			}
			if !last.IsZero() {
				fmt.Fprintf(w, "last sync %s\n", last.Local().Format(time.DateTime))
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "how far back to list")
	return cmd
}

func printStatus(w io.Writer, st pod.Status) {
	fmt.Fprintf(w, "Lifecycle:  %s\n", st.Lifecycle)
	if st.Lifecycle == pod.NoPod {
		return
	}
	if st.Lifecycle == pod.Faulted {
		fmt.Fprintf(w, "Fault:      %s\n", st.FaultCode)
	}
	fmt.Fprintf(w, "Delivery:   %s\n", st.Delivery)
	if st.ReservoirExact {
		fmt.Fprintf(w, "Reservoir:  %.2f U\n", st.Reservoir)
	} else {
		fmt.Fprintf(w, "Reservoir:  50+ U\n")
	}
	if st.Alerts != 0 {
		fmt.Fprintf(w, "Alerts:     0x%02x\n", st.Alerts)
	}
	if st.Suspended {
		fmt.Fprintln(w, "Suspended:  yes")
	}
	fmt.Fprintf(w, "Doses:      %d unfinalized (%d uncertain), %d awaiting storage\n", st.Unfinalized, st.Uncertain, st.Pending)
}
