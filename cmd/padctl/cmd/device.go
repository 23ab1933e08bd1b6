package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deviceCmd = &cobra.Command{
	Use:     "device",
	Short:   "Manage paired signing tablets",
	Aliases: []string{"devices"},
}

var devicePairCmd = &cobra.Command{
	Use:   "pair <device-id>",
	Short: "Pair a tablet and print its one-time API key",
	Long: `Registers a tablet for the current tenant. The generated API key is
printed exactly once; only its hash is stored server-side.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}

		locationID, _ := cmd.Flags().GetString("location")
		workstationID, _ := cmd.Flags().GetString("workstation")
		name, _ := cmd.Flags().GetString("name")

		resp, err := c.PairDevice(cmd.Context(), map[string]interface{}{
			"device_id":      args[0],
			"location_id":    locationID,
			"workstation_id": workstationID,
			"name":           name,
		})
		if err != nil {
			return fmt.Errorf("failed to pair device: %w", err)
		}
		return printYAML(resp)
	},
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tenant's paired tablets",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		resp, err := c.ListDevices(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list devices: %w", err)
		}
		return printYAML(resp)
	},
}

var deviceDeactivateCmd = &cobra.Command{
	Use:   "deactivate <device-id>",
	Short: "Block a tablet from authenticating and close its live connection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		resp, err := c.DeactivateDevice(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to deactivate device: %w", err)
		}
		return printYAML(resp)
	},
}

func init() {
	devicePairCmd.Flags().String("location", "", "location the tablet lives at (required)")
	devicePairCmd.Flags().String("workstation", "", "fixed workstation pairing (optional)")
	devicePairCmd.Flags().String("name", "", "human-readable device name")
	_ = devicePairCmd.MarkFlagRequired("location")

	deviceCmd.AddCommand(devicePairCmd, deviceListCmd, deviceDeactivateCmd)
	rootCmd.AddCommand(deviceCmd)
}
