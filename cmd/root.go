package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "billing_service",
	Short: "Billing service for sales-line aggregation and invoice delivery",
	Long: `A service that aggregates sales lines into invoice and load-confirmation
rollups, validates billing configurations, and delivers invoices to
external parties over HTTP, SFTP, or SMTP.`,
	Run: func(cmd *cobra.Command, args []string) {
		err := cmd.Help()
		if err != nil {
			log.Error().Err(err).Msg("Failed to display help")
		}
	},
}

// Execute executes the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize()
}
