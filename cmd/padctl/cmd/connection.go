package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var connectionCmd = &cobra.Command{
	Use:     "connection",
	Short:   "Inspect and act on live tablet connections",
	Aliases: []string{"connections", "conn"},
}

var connectionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tenant's live tablet connections",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		resp, err := c.ListConnections(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list connections: %w", err)
		}
		return printYAML(resp)
	},
}

var connectionDisconnectCmd = &cobra.Command{
	Use:   "disconnect <device-id>",
	Short: "Force-close a tablet connection (best-effort)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		resp, err := c.DisconnectDevice(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to disconnect device: %w", err)
		}
		return printYAML(resp)
	},
}

var connectionPingCmd = &cobra.Command{
	Use:   "ping <device-id>",
	Short: "Check whether a tablet connection is reachable (best-effort)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		resp, err := c.PingDevice(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to ping device: %w", err)
		}
		return printYAML(resp)
	},
}

var broadcastCmd = &cobra.Command{
	Use:   "broadcast <message>",
	Short: "Push a message to all of the tenant's connected tablets",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		locationID, _ := cmd.Flags().GetString("location")
		resp, err := c.Broadcast(cmd.Context(), args[0], locationID)
		if err != nil {
			return fmt.Errorf("failed to broadcast: %w", err)
		}
		return printYAML(resp)
	},
}

func init() {
	broadcastCmd.Flags().String("location", "", "narrow the broadcast to one location")

	connectionCmd.AddCommand(connectionListCmd, connectionDisconnectCmd, connectionPingCmd)
	rootCmd.AddCommand(connectionCmd, broadcastCmd)
}
