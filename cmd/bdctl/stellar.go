package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/strkey"

	"github.com/bluedollar/backend/internal/audit"
	"github.com/bluedollar/backend/internal/config"
	"github.com/bluedollar/backend/internal/services"
	"github.com/bluedollar/backend/internal/stellar"
)

func keygenCmd() *cobra.Command {
	var fund bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a Stellar keypair",
		Long: `Generate a random Stellar keypair and print both halves.
With --fund the account is created on testnet through friendbot.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := keypair.Random()
			if err != nil {
				return fmt.Errorf("generate keypair: %w", err)
			}

			fmt.Printf("Public:  %s\n", kp.Address())
			fmt.Printf("Secret:  %s\n", kp.Seed())

			if !fund {
				return nil
			}
			return fundAccount(cmd.Context(), kp.Address())
		},
	}

	cmd.Flags().BoolVar(&fund, "fund", false, "Fund the new account through friendbot (testnet only)")
	return cmd
}

func fundCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fund [public-key]",
		Short: "Fund a testnet account through friendbot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !strkey.IsValidEd25519PublicKey(args[0]) {
				return fmt.Errorf("invalid public key %q", args[0])
			}
			return fundAccount(cmd.Context(), args[0])
		},
	}
}

func trustlineCmd() *cobra.Command {
	var secret, code, issuer string

	cmd := &cobra.Command{
		Use:   "trustline",
		Short: "Add a trustline for the deployment asset",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !strkey.IsValidEd25519SecretSeed(secret) {
				return fmt.Errorf("--secret must be a valid Stellar secret seed")
			}

			cfg := config.LoadStellarConfig()
			asset := stellar.Asset{Code: cfg.AssetCode, Issuer: cfg.IssuerPublicKey}
			if code != "" {
				asset.Code = code
			}
			if issuer != "" {
				asset.Issuer = issuer
			}
			if !strkey.IsValidEd25519PublicKey(asset.Issuer) {
				return fmt.Errorf("issuer public key is missing or invalid, set STELLAR_ISSUER_PUBLIC_KEY or --issuer")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(cfg.DefaultTimeout+30)*time.Second)
			defer cancel()

			transfers := services.NewTransferExecutor(stellar.NewHorizonGateway(cfg), audit.NewLogger(), cfg.DefaultTimeout)
			hash, err := transfers.CreateTrustline(ctx, secret, asset)
			if err != nil {
				return err
			}

			fmt.Printf("Trustline for %s created\n", asset)
			fmt.Printf("Hash:    %s\n", hash)
			return nil
		},
	}

	cmd.Flags().StringVarP(&secret, "secret", "s", "", "Secret seed of the trusting account")
	cmd.Flags().StringVar(&code, "code", "", "Asset code (defaults to STELLAR_CUSTOM_ASSET_CODE)")
	cmd.Flags().StringVar(&issuer, "issuer", "", "Issuer public key (defaults to STELLAR_ISSUER_PUBLIC_KEY)")
	cmd.MarkFlagRequired("secret")
	return cmd
}

func fundAccount(ctx context.Context, publicKey string) error {
	cfg := config.LoadStellarConfig()
	if !cfg.IsTestnet() {
		return fmt.Errorf("friendbot is only available on testnet (STELLAR_NETWORK=%s)", cfg.Network)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if err := stellar.NewFriendbot(cfg.FriendbotURL, nil).Fund(ctx, publicKey); err != nil {
		return err
	}
	fmt.Printf("Funded:  %s\n", publicKey)
	return nil
}
