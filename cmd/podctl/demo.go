package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/podlink/internal/pod"
)

func demoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Walk a simulated pod through activation, dosing, a lost response, and deactivation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDemo(cmd.Context(), a, cmd.OutOrStdout())
		},
	}
}

// demoClock is virtual time so the demo does not wait out priming and
// dose delivery.
type demoClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *demoClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *demoClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// printRecorder stands in for the dose database.
type printRecorder struct {
	w io.Writer
}

func (r printRecorder) RecordDoses(_ context.Context, doses []pod.FinalizedDose, syncTime time.Time) error {
	for _, d := range doses {
		fmt.Fprintf(r.w, "  stored %s: %.2f of %.2f U\n", d.Kind, d.DeliveredUnits, d.ProgrammedUnits)
	}
	return nil
}

func runDemo(ctx context.Context, a *app, w io.Writer) error {
	cfg := *a.cfg
	cfg.Transport = "simulator"
	cfg.Simulator.Latency = 0
	cfg.Storage.DSN = ""
	clock := &demoClock{now: time.Now()}
	d := &app{cfg: &cfg, now: clock.Now, recorder: printRecorder{w: w}}
	defer d.close()

	m, err := d.manager(ctx)
	if err != nil {
		return err
	}

	step := func(title string, fn func() error) error {
		fmt.Fprintf(w, "\n== %s\n", title)
		err := fn()
		if err != nil {
			fmt.Fprintf(w, "  error: %v\n", err)
		}
		printStatus(w, m.Status())
		return err
	}
	elapse := func(dur time.Duration) {
		clock.Advance(dur)
		fmt.Fprintf(w, "\n.. %s later\n", dur)
	}

	if err := step("pair", func() error { return m.Pair(ctx) }); err != nil {
		return err
	}
	var wait time.Duration
	if err := step("prime", func() error {
		var err error
		wait, err = m.Prime(ctx)
		return err
	}); err != nil {
		return err
	}
	elapse(wait)
	if err := step("insert cannula", func() error { return m.InsertCannula(ctx, []float64{0.8, 0.8, 1.0, 1.0}) }); err != nil {
		return err
	}
	elapse(time.Minute)

	if err := step("bolus 1.5 U", func() error { return m.Bolus(ctx, 1.5) }); err != nil {
		return err
	}
	elapse(2 * time.Minute)
	if err := step("status", func() error { _, err := m.GetStatus(ctx); return err }); err != nil {
		return err
	}

	if err := step("temp basal 2 U/h for 30m", func() error { return m.SetTempBasal(ctx, 2, 30*time.Minute, false) }); err != nil {
		return err
	}
	elapse(30 * time.Minute)
	if err := step("status", func() error { _, err := m.GetStatus(ctx); return err }); err != nil {
		return err
	}

	// The pod acts on the next bolus but its response is lost.
	d.sim.DropResponses(1)
	_ = step("bolus 1 U, response lost", func() error { return m.Bolus(ctx, 1) })
	_ = step("second bolus while uncertain", func() error { return m.Bolus(ctx, 1) })
	elapse(2 * time.Minute)
	if err := step("resolve", func() error { _, err := m.ResolveUncertainty(ctx); return err }); err != nil {
		return err
	}

	if err := step("deactivate", func() error { return m.Deactivate(ctx) }); err != nil {
		return err
	}
	return nil
}
