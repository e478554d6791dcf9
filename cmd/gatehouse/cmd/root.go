package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gatehouse",
	Short: "Gatehouse is the request security gateway for the booking application",
	Long: `Gatehouse fronts the property-booking application with session
authentication, CSRF protection, rate limiting, two-factor attempt lockout,
and security header composition.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
