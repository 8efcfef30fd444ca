package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// pfxPasswordEnv supplies the bundle password when --password is not given.
const pfxPasswordEnv = "PKIDESK_PFX_PASSWORD"

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Build downloadable bundles",
}

var exportFlags struct {
	password string
	outDir   string
}

var exportPFXCmd = &cobra.Command{
	Use:   "pfx <name>",
	Short: "Bundle a certificate, its local key and the CA certificate as <name>.pfx",
	Long: `Bundle the issued certificate name, the private key generated for it on
this machine and the server's CA certificate into a PKCS#12 file. The
password comes from --password or ` + pfxPasswordEnv + `. An empty password
is allowed and produces a bundle protected by the empty password.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password := exportFlags.password
		if !cmd.Flags().Changed("password") {
			password = os.Getenv(pfxPasswordEnv)
		}
		if password == "" {
			log.Warn().Str("name", args[0]).Msg("exporting PKCS#12 bundle with an empty password")
		}

		env, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		a, err := env.packager().DownloadPKCS12(cmd.Context(), args[0], password)
		if err != nil {
			return err
		}
		path, err := writeArtifact(exportFlags.outDir, a)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.AddCommand(exportPFXCmd)
	exportPFXCmd.Flags().StringVar(&exportFlags.password, "password", "", "bundle password (default $"+pfxPasswordEnv+")")
	exportPFXCmd.Flags().StringVarP(&exportFlags.outDir, "out-dir", "o", ".", "directory to write the file to")
}
