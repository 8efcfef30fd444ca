package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/pkidesk/pki"
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "List, inspect and download issued certificates",
}

var (
	certListLong bool
	certOutDir   string
)

var certListCmd = &cobra.Command{
	Use:   "list",
	Short: "List issued certificates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		names, err := env.remote.ListCertificates(cmd.Context())
		if err != nil {
			return err
		}
		if !certListLong {
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSTATUS\tEXPIRES\tLOCAL KEY\tFINGERPRINT")
		for _, n := range names {
			der, err := env.remote.GetCertificate(cmd.Context(), n)
			if err != nil {
				return err
			}
			info, err := pki.Describe(der)
			if err != nil {
				return err
			}
			_, keyErr := env.session.Key(n)
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", n, info.Status, info.NotAfter.Format(time.DateOnly), keyErr == nil, info.Fingerprint)
		}
		return w.Flush()
	},
}

var certShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show an issued certificate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		der, err := env.remote.GetCertificate(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		info, err := pki.Describe(der)
		if err != nil {
			return err
		}
		return printCertInfo(cmd, info)
	},
}

var certDownloadCmd = &cobra.Command{
	Use:   "download <name>",
	Short: "Save an issued certificate as <name>.cer (DER)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		a, err := env.packager().DownloadCertificate(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		path, err := writeArtifact(certOutDir, a)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

func printCertInfo(cmd *cobra.Command, info *pki.CertInfo) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Subject:\t%s\n", info.Subject)
	fmt.Fprintf(w, "Issuer:\t%s\n", info.Issuer)
	fmt.Fprintf(w, "Serial:\t%s\n", info.SerialNumber)
	fmt.Fprintf(w, "Valid:\t%s to %s\n", info.NotBefore.Format(time.RFC3339), info.NotAfter.Format(time.RFC3339))
	if len(info.DNSNames) > 0 {
		fmt.Fprintf(w, "DNS names:\t%v\n", info.DNSNames)
	}
	fmt.Fprintf(w, "Key:\t%s\n", info.KeyAlgorithm)
	fmt.Fprintf(w, "CA:\t%t\n", info.IsCA)
	fmt.Fprintf(w, "Status:\t%s\n", info.Status)
	fmt.Fprintf(w, "SHA-256:\t%s\n", info.FingerprintSHA256)
	fmt.Fprintf(w, "Fingerprint:\t%s\n", info.Fingerprint)
	return w.Flush()
}

func init() {
	rootCmd.AddCommand(certCmd)
	certCmd.AddCommand(certListCmd, certShowCmd, certDownloadCmd)
	certListCmd.Flags().BoolVarP(&certListLong, "long", "l", false, "fetch each certificate and show its status")
	certDownloadCmd.Flags().StringVarP(&certOutDir, "out-dir", "o", ".", "directory to write the file to")
}
