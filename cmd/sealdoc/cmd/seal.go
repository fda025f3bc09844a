package cmd

import (
	"github.com/spf13/cobra"
)

var sealDocument string

var sealCmd = &cobra.Command{
	Use:   "seal",
	Short: "Rebuild, replay and seal a completed document",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		return a.orch.Seal(ctx, sealDocument)
	},
}

func init() {
	sealCmd.Flags().StringVar(&sealDocument, "doc", "", "document to seal")
	_ = sealCmd.MarkFlagRequired("doc")
	rootCmd.AddCommand(sealCmd)
}
