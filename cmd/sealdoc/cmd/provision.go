package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var provisionUser string

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Provision a signing certificate for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		cert, err := a.certs.Provision(ctx, provisionUser)
		if err != nil {
			return err
		}
		a.logger.Info("certificate provisioned",
			zap.String("user_id", provisionUser),
			zap.String("certificate_id", cert.ID),
			zap.String("serial", cert.SerialNumber),
			zap.Time("expires_at", cert.ExpiresAt))
		return nil
	},
}

func init() {
	provisionCmd.Flags().StringVar(&provisionUser, "user", "", "user to provision a certificate for")
	_ = provisionCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(provisionCmd)
}
