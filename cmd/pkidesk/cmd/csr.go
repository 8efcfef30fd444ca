package cmd

import (
	"crypto/sha256"
	"fmt"
	"text/tabwriter"

	"github.com/mr-tron/base58"
	"github.com/spf13/cobra"

	"github.com/jmcleod/pkidesk/pki"
)

var csrCmd = &cobra.Command{
	Use:   "csr",
	Short: "Create, submit and inspect certificate signing requests",
}

var csrSubmitNow bool

var csrCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Generate a key pair and CSR for name",
	Long: `Generate a key pair and a CSR for name. The key is kept in the local key
registry and the CSR becomes the current local request, replacing any
unsent one.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		req, err := env.session.CreateCSR(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created CSR for %s (key stored locally)\n", req.Name)
		if !csrSubmitNow {
			return nil
		}
		name, err := env.session.SubmitCurrentCSR(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Submitted %s\n", name)
		return nil
	},
}

var csrSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Send the current local CSR to the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		name, err := env.session.SubmitCurrentCSR(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Submitted %s\n", name)
		return nil
	},
}

var csrDiscardCmd = &cobra.Command{
	Use:   "discard",
	Short: "Drop the current local CSR without submitting it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()
		return env.session.DiscardCurrentCSR(cmd.Context())
	},
}

var csrStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the local request slot and key registry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "State:   %s\n", env.session.State())
		if req := env.session.Pending(); req != nil {
			fmt.Fprintf(out, "Pending: %s\n", req.Name)
		}
		fmt.Fprintf(out, "Keys:    %d\n", len(env.session.KeyNames()))
		return nil
	},
}

var csrListCmd = &cobra.Command{
	Use:   "list",
	Short: "List CSRs pending on the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		names, err := env.remote.ListPendingCSRs(cmd.Context())
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Fprintln(cmd.OutOrStdout(), n)
		}
		return nil
	},
}

var csrShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show a pending CSR",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		der, err := env.remote.GetCSR(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		csr, err := pki.ParseCSR(der)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(csr.RawSubjectPublicKeyInfo)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "Name:\t%s\n", args[0])
		fmt.Fprintf(w, "Subject:\t%s\n", csr.Subject)
		fmt.Fprintf(w, "DNS names:\t%v\n", csr.DNSNames)
		fmt.Fprintf(w, "Key:\t%s\n", csr.PublicKeyAlgorithm)
		fmt.Fprintf(w, "Key fingerprint:\t%s\n", base58.Encode(sum[:]))
		_, keyErr := env.session.Key(args[0])
		fmt.Fprintf(w, "Local key:\t%t\n", keyErr == nil)
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(csrCmd)
	csrCmd.AddCommand(csrCreateCmd, csrSubmitCmd, csrDiscardCmd, csrStatusCmd, csrListCmd, csrShowCmd)
	csrCreateCmd.Flags().BoolVar(&csrSubmitNow, "submit", false, "submit the CSR immediately")
}
