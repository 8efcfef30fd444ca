package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/pkidesk/pki"
)

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Create and inspect CA material",
}

var caInitFlags struct {
	commonName string
	outDir     string
	validity   time.Duration
	force      bool
}

var caInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a self-signed CA (ca.crt and ca.key)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		certPath := filepath.Join(caInitFlags.outDir, "ca.crt")
		keyPath := filepath.Join(caInitFlags.outDir, "ca.key")
		if !caInitFlags.force {
			for _, p := range []string{certPath, keyPath} {
				if _, err := os.Stat(p); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", p)
				}
			}
		}

		certDER, keyPEM, err := pki.NewCA(caInitFlags.commonName, caInitFlags.validity)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(caInitFlags.outDir, 0o700); err != nil {
			return err
		}
		if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
			return err
		}
		if err := os.WriteFile(certPath, pki.EncodeCertificatePEM(certDER), 0o644); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s and %s\n", certPath, keyPath)
		fmt.Fprintf(cmd.OutOrStdout(), "Fingerprint: %s\n", pki.Fingerprint(certDER))
		return nil
	},
}

var caShowCmd = &cobra.Command{
	Use:   "show <file>",
	Short: "Describe a certificate file (PEM or DER)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		info, err := pki.Describe(data)
		if err != nil {
			return err
		}
		return printCertInfo(cmd, info)
	},
}

var caFetchOut string

var caFetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download the server's CA certificate as PEM",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		der, err := env.remote.CACertificate(cmd.Context())
		if err != nil {
			return err
		}
		if err := os.WriteFile(caFetchOut, pki.EncodeCertificatePEM(der), 0o644); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (fingerprint %s)\n", caFetchOut, pki.Fingerprint(der))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(caCmd)
	caCmd.AddCommand(caInitCmd, caShowCmd, caFetchCmd)

	f := caInitCmd.Flags()
	f.StringVar(&caInitFlags.commonName, "cn", "pkidesk CA", "CA common name")
	f.StringVarP(&caInitFlags.outDir, "out-dir", "o", ".", "directory for ca.crt and ca.key")
	f.DurationVar(&caInitFlags.validity, "validity", pki.DefaultCAValidity, "CA certificate lifetime")
	f.BoolVar(&caInitFlags.force, "force", false, "overwrite existing files")

	caFetchCmd.Flags().StringVarP(&caFetchOut, "out", "o", "ca.crt", "output file")
}
