package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "authflow",
	Short: "OAuth 2.1 and OpenID Connect authorization server",
	Long: `authflow issues access, refresh and ID tokens through the authorization
code flow with PKCE. Configuration is read from the environment and an
optional .env file.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
