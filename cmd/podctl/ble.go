package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/podlink/internal/ble"
)

func bleCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ble",
		Short: "Discover and pair the radio link",
	}
	cmd.AddCommand(bleScanCmd(a), blePairCmd(a))
	return cmd
}

func bleScanCmd(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List pods advertising nearby",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			devices, err := ble.ScanForPods(ble.NewSystemAdapter(), timeout)
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pods found.")
				return nil
			}
			for _, d := range devices {
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-36s %d dBm\n", d.Name, d.Address, d.RSSI)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "scan duration")
	return cmd
}

func blePairCmd(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "pair [address]",
		Short: "Exchange keys with a pod and save the link key",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			device := a.cfg.BLE.Device
			if len(args) == 1 {
				device = args[0]
			}
			if device == "" {
				return fmt.Errorf("no device address: pass one or set ble.device")
			}
			result, err := ble.Pair(ble.NewSystemAdapter(), device, ble.PairOptions{Timeout: timeout})
			if err != nil {
				return err
			}
			if err := ble.SaveKey(a.cfg.BLE.KeyPath, result); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Paired with %s, key saved to %s.\n", result.Device, a.cfg.BLE.KeyPath)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", ble.DefaultPairOptions().Timeout, "wait for the pod's key")
	return cmd
}
