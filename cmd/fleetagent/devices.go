package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	fleetagent "github.com/adbfleet/fleetagent"
)

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Scan adb once and sync the device registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			fleet, err := fleetagent.New()
			if err != nil {
				return err
			}
			defer fleet.Close()
			result, err := fleet.Registry.Scan(cmd.Context())
			if err != nil {
				return err
			}
			log.Info().Int("new", result.New).Int("updated", result.Updated).Msg("scan finished")
			return printJSON(result)
		},
	}
}

func newDevicesCmd() *cobra.Command {
	var (
		flagStatus string
		flagGroup  string
	)

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List registered devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			fleet, err := fleetagent.New()
			if err != nil {
				return err
			}
			defer fleet.Close()
			devices, err := fleet.Registry.List(cmd.Context(), flagStatus, flagGroup)
			if err != nil {
				return err
			}
			return printJSON(devices)
		},
	}

	cmd.Flags().StringVar(&flagStatus, "status", "", "Filter by status (offline/online/idle/busy)")
	cmd.Flags().StringVar(&flagGroup, "group", "", "Filter by device group")
	return cmd
}

func printJSON(v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(encoded))
	return nil
}
