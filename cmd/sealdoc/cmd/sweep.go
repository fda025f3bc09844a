package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire certificates past their validity window",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		expired, err := a.certs.SweepExpired(ctx)
		if err != nil {
			return err
		}
		a.logger.Info("expiration sweep finished", zap.Int("expired", expired))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
