package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "remca",
	Short: "remca is a certificate authority backed by a remote key vault",
	Long: `A private certificate authority whose signing keys live in a remote key
vault and never leave it. Certificates are issued through the vault's
pending-operation protocol, revocations are stored as vault object tags,
and an OCSP responder serves certificate status.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
