package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"agencydash.app/internal/auth"
	"agencydash.app/internal/config"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for local development",
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().String("sub", "", "user id (required)")
	tokenCmd.Flags().String("role", string(auth.RoleAgencyUser), "role")
	tokenCmd.Flags().String("tenant", "", "tenant id (required)")
	tokenCmd.Flags().String("email", "", "email claim")
	tokenCmd.Flags().String("name", "", "display name claim")
	tokenCmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("sub")
	_ = tokenCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}
	issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	sub, _ := flags.GetString("sub")
	tenant, _ := flags.GetString("tenant")
	rawRole, _ := flags.GetString("role")
	email, _ := flags.GetString("email")
	name, _ := flags.GetString("name")
	ttl, _ := flags.GetDuration("ttl")

	role, err := auth.ParseRole(rawRole)
	if err != nil {
		return err
	}
	tok, err := issuer.Issue(auth.Claims{
		Email:            email,
		Name:             name,
		Role:             role,
		TenantID:         tenant,
		RegisteredClaims: jwt.RegisteredClaims{Subject: sub},
	}, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
	return err
}
