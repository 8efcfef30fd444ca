package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/pkidesk/signer"
)

var signFlags struct {
	caCert string
	caKey  string
	all    bool
}

var signCmd = &cobra.Command{
	Use:   "sign [name...]",
	Short: "Sign pending CSRs with the CA and publish the certificates",
	Long: `Load the CA certificate and key (in either order, PEM or DER), then sign
each named pending CSR, or every pending CSR with --all. The CA key is held
in memory for this command only.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && !signFlags.all {
			return errors.New("name at least one CSR or pass --all")
		}
		certData, err := os.ReadFile(signFlags.caCert)
		if err != nil {
			return fmt.Errorf("reading CA certificate: %w", err)
		}
		keyData, err := os.ReadFile(signFlags.caKey)
		if err != nil {
			return fmt.Errorf("reading CA key: %w", err)
		}

		env, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		ca, err := env.session.ImportCA(certData, keyData)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Using CA %s\n", ca.Name)

		orch := signer.New(env.remote, env.session, nil)
		if signFlags.all {
			results, err := orch.SignAll(cmd.Context())
			if err != nil {
				return err
			}
			return reportSigned(cmd, results)
		}

		results := make([]signer.Result, 0, len(args))
		for _, name := range args {
			serial, err := orch.SignPending(cmd.Context(), name)
			results = append(results, signer.Result{Name: name, Serial: serial, Err: err})
		}
		return reportSigned(cmd, results)
	},
}

func reportSigned(cmd *cobra.Command, results []signer.Result) error {
	out := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintln(out, "No pending CSRs")
		return nil
	}
	var failed int
	var firstErr error
	for _, r := range results {
		if r.Err != nil {
			failed++
			if firstErr == nil {
				firstErr = r.Err
			}
			fmt.Fprintf(out, "FAILED  %s: %v\n", r.Name, r.Err)
			continue
		}
		fmt.Fprintf(out, "signed  %s (serial %s)\n", r.Name, r.Serial)
	}
	if firstErr != nil {
		return fmt.Errorf("%d of %d failed: %w", failed, len(results), firstErr)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(signCmd)
	f := signCmd.Flags()
	f.StringVar(&signFlags.caCert, "ca-cert", "ca.crt", "CA certificate file")
	f.StringVar(&signFlags.caKey, "ca-key", "ca.key", "CA private key file")
	f.BoolVar(&signFlags.all, "all", false, "sign every pending CSR")
}
