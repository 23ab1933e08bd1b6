package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/padsign/padsign/cmd/padctl/client"
	"github.com/padsign/padsign/log"
)

var (
	appLogger  log.Logger
	serverFlag string
	tokenFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "padctl",
	Short: "padctl is a CLI tool to operate a padsign relay",
	Long:  `A command-line interface for managing signature sessions, paired tablets, and live connections on a padsign relay server.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		appLogger = log.NewZerologAdapter(zerolog.WarnLevel, true)

		viper.SetEnvPrefix("PADSIGN")
		viper.AutomaticEnv()
		if serverFlag == "" {
			serverFlag = viper.GetString("SERVER")
		}
		if tokenFlag == "" {
			tokenFlag = viper.GetString("TOKEN")
		}
		return nil
	},
}

// apiClient builds the admin client from flags/environment.
func apiClient() (*client.Client, error) {
	return client.New(serverFlag, tokenFlag)
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "", "relay server endpoint, e.g. http://localhost:8080 (env PADSIGN_SERVER)")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "workstation JWT bearer token (env PADSIGN_TOKEN)")
}
