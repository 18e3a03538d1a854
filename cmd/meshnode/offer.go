package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"peermesh/internal/core/domain"
	"peermesh/internal/infrastructure/wire"
	"peermesh/pkg/validation"

	"github.com/spf13/cobra"
)

func newOfferCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offer",
		Short: "Inspect and convert manual offers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "decode [token]",
		Short: "Print the JSON form of an offer token",
		Long:  `Decodes a pasted offer token. Without an argument the token is read from stdin.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := tokenArg(cmd, args)
			if err != nil {
				return err
			}
			offer, err := wire.DecodeOfferToken(token)
			if err != nil {
				return err
			}
			if err := validation.ValidateOffer(offer); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(offer)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "encode",
		Short: "Read a JSON offer from stdin and print its token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var offer domain.Offer
			if err := json.NewDecoder(cmd.InOrStdin()).Decode(&offer); err != nil {
				return fmt.Errorf("decode offer json: %w", err)
			}
			if err := validation.ValidateOffer(offer); err != nil {
				return err
			}
			token, err := wire.EncodeOfferToken(offer)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	})
	return cmd
}

func tokenArg(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return strings.TrimSpace(args[0]), nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
