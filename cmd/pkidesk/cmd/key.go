package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Work with private keys in the local key registry",
}

var keyOutDir string

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List locally generated keys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		for _, n := range env.session.KeyNames() {
			fmt.Fprintln(cmd.OutOrStdout(), n)
		}
		return nil
	},
}

var keyDownloadCmd = &cobra.Command{
	Use:   "download <name>",
	Short: "Save a local private key as <name>.key (PKCS#8 PEM)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		a, err := env.packager().DownloadKey(args[0])
		if err != nil {
			return err
		}
		path, err := writeArtifact(keyOutDir, a)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keyCmd)
	keyCmd.AddCommand(keyListCmd, keyDownloadCmd)
	keyDownloadCmd.Flags().StringVarP(&keyOutDir, "out-dir", "o", ".", "directory to write the file to")
}
