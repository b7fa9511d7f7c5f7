package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/avrtpro/avrt-firewall/pkg/auth"
	"github.com/avrtpro/avrt-firewall/pkg/config"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API bearer tokens",
	}
	cmd.AddCommand(newTokenIssueCmd())
	return cmd
}

func newTokenIssueCmd() *cobra.Command {
	var (
		subject string
		roles   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign a bearer token with AVRT_JWT_SECRET",
		Example: `  avrt token issue --subject ci-bot --role client --ttl 24h
  avrt token issue --subject compliance --role auditor`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New("AVRT_JWT_SECRET is not set")
			}
			for _, r := range roles {
				switch r {
				case auth.RoleAdmin, auth.RoleAuditor, auth.RoleClient:
				default:
					return fmt.Errorf("unknown role %q", r)
				}
			}
			v, err := auth.NewJWTValidator([]byte(cfg.JWTSecret), cfg.JWTIssuer)
			if err != nil {
				return err
			}
			token, err := v.Issue(subject, roles, ttl, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&subject, "subject", "", "principal id (JWT sub)")
	f.StringSliceVar(&roles, "role", []string{auth.RoleClient}, "role to grant (repeatable)")
	f.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
