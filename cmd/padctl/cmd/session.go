package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	Short:   "Manage signature sessions",
	Aliases: []string{"sessions"},
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a signature session and dispatch it to a tablet",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}

		workstationID, _ := cmd.Flags().GetString("workstation")
		locationID, _ := cmd.Flags().GetString("location")
		signer, _ := cmd.Flags().GetString("signer")
		kind, _ := cmd.Flags().GetString("kind")
		recordID, _ := cmd.Flags().GetString("record")

		req := map[string]interface{}{
			"workstation_id": workstationID,
			"location_id":    locationID,
			"signer_name":    signer,
			"kind":           kind,
		}
		if recordID != "" {
			req["record_id"] = recordID
		}

		resp, err := c.CreateSession(cmd.Context(), req)
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		return printYAML(resp)
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tenant's sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		status, _ := cmd.Flags().GetString("status")
		kind, _ := cmd.Flags().GetString("kind")
		resp, err := c.ListSessions(cmd.Context(), status, kind)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		return printYAML(resp)
	},
}

var sessionGetCmd = &cobra.Command{
	Use:   "get <session-id>",
	Short: "Show one session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		resp, err := c.GetSession(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get session: %w", err)
		}
		return printYAML(resp)
	},
}

var sessionCancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel a non-terminal session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		reason, _ := cmd.Flags().GetString("reason")
		resp, err := c.CancelSession(cmd.Context(), args[0], reason)
		if err != nil {
			return fmt.Errorf("failed to cancel session: %w", err)
		}
		return printYAML(resp)
	},
}

var sessionFinalizeCmd = &cobra.Command{
	Use:   "finalize <session-id>",
	Short: "Promote a completed document session's artifact to durable storage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient()
		if err != nil {
			return err
		}
		resp, err := c.FinalizeSession(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to finalize session: %w", err)
		}
		return printYAML(resp)
	},
}

func printYAML(v interface{}) error {
	out, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

func init() {
	sessionCreateCmd.Flags().String("workstation", "", "originating workstation id (required)")
	sessionCreateCmd.Flags().String("location", "", "location to select a tablet from")
	sessionCreateCmd.Flags().String("signer", "", "signer display name")
	sessionCreateCmd.Flags().String("kind", "simple", "session kind: simple or document")
	sessionCreateCmd.Flags().String("record", "", "business record id (document sessions)")
	_ = sessionCreateCmd.MarkFlagRequired("workstation")

	sessionListCmd.Flags().String("status", "", "filter by session status")
	sessionListCmd.Flags().String("kind", "", "filter by session kind: simple or document")

	sessionCancelCmd.Flags().String("reason", "", "cancellation reason")

	sessionCmd.AddCommand(sessionCreateCmd, sessionListCmd, sessionGetCmd, sessionCancelCmd, sessionFinalizeCmd)
	rootCmd.AddCommand(sessionCmd)
}
