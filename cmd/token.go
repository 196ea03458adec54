/*
Copyright © 2025 tieubaoca
*/
package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tieubaoca/ragchat/config"
	"github.com/tieubaoca/ragchat/utils"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for a user id",
	Long: `Signs a JWT with the configured jwt_secret. Identity is owned by an
external provider in production; this is for local use and scripts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		cfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		if cfg.JWTSecret == "" {
			return errors.New("jwt_secret is not configured")
		}

		token, err := utils.GenerateToken(cfg.JWTSecret, user, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().StringP("user", "u", "", "User id to put in the token subject")
	tokenCmd.Flags().Duration("ttl", utils.DefaultTokenTTL, "Token lifetime")
	tokenCmd.MarkFlagRequired("user")
}
