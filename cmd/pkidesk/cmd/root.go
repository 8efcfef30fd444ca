package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jmcleod/pkidesk/certerr"
	"github.com/jmcleod/pkidesk/internal/logger"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "pkidesk",
	Short: "pkidesk is a minimal certificate authority workflow",
	Long: `Generate keys and CSRs locally, stage them on a pkidesk server, sign them
with an operator-held CA and export the results as certificates, keys or
PKCS#12 bundles. Private keys never leave the machine that generated them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Logger = logger.Setup(debug)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error [%s]: %v\n", certerr.KindOf(err), err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "client config file (default ~/.pkidesk/client.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}
