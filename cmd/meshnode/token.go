package main

import (
	"fmt"
	"time"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/services"

	"github.com/spf13/cobra"
)

func newTokenCmd(root *rootOptions) *cobra.Command {
	var (
		audience string
		issuer   uint16
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a join invite or control API token",
		Long:  `Signs a token with the configured handshake secret. Join tokens authenticate joiners on the handshake endpoint; control tokens authorize mutating control API calls.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			invites := services.NewInviteService(cfg.Handshake.Secret, cfg.Handshake.InviteTTL)
			token, err := invites.Issue(audience, domain.PeerID(issuer), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&audience, "audience", services.AudienceJoin, "token audience: join or control")
	cmd.Flags().Uint16Var(&issuer, "issuer", 0, "peer id recorded as the issuer")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (0 uses handshake.invite_ttl)")
	return cmd
}
