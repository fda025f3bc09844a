package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sealdoc/sealdoc/verify"
)

var verifyFile string

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the signature chain of a sealed document",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(verifyFile)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		info, err := f.Stat()
		if err != nil {
			return err
		}

		result, err := verify.Reader(f, info.Size())
		if err != nil {
			return err
		}

		for _, sig := range result.Signatures {
			status := "VALID"
			if !sig.Valid {
				status = "INVALID (" + sig.VerifyError + ")"
			}
			coverage := "revision"
			if sig.CoversDocument {
				coverage = "document"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  signer=%q reason=%q covers=%s  %s\n",
				sig.FieldName, sig.SignerName, sig.Reason, coverage, status)
		}

		if !result.AllValid() {
			return fmt.Errorf("%s: signature chain is not valid", verifyFile)
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyFile, "file", "", "document to verify")
	_ = verifyCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(verifyCmd)
}
