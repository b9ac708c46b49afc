package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"buildhook/auth"
)

func newTokenCmd(configPath *string) *cobra.Command {
	var userID, role string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the dashboard API and realtime socket",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			tok, err := auth.NewJWT(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL).GenerateToken(userID, role)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "account id the token is issued for")
	cmd.Flags().StringVar(&role, "role", "", "optional role claim")
	return cmd
}
