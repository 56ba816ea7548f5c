package config

import (
	"fmt"
	"strings"

	"github.com/stellar/go/network"
)

const (
	NetworkTestnet   = "testnet"
	NetworkPublic    = "public"
	NetworkFuturenet = "futurenet"
)

type StellarConfig struct {
	Network            string
	HorizonURL         string
	FriendbotURL       string
	IssuerPublicKey    string
	IssuerSecretKey    string
	AssetCode          string
	DefaultTimeout     int64 // seconds, ordinary payments
	TransactionTimeout int64 // seconds, memo payments
	InitialGrant       string
	MinIssuerXLM       string
}

func LoadStellarConfig() *StellarConfig {
	cfg := &StellarConfig{
		Network:            strings.ToLower(getEnv("STELLAR_NETWORK", NetworkTestnet)),
		HorizonURL:         getEnv("STELLAR_HORIZON_URL", ""),
		FriendbotURL:       getEnv("STELLAR_FRIENDBOT_URL", "https://friendbot.stellar.org"),
		IssuerPublicKey:    getEnv("STELLAR_ISSUER_PUBLIC_KEY", ""),
		IssuerSecretKey:    getEnv("STELLAR_ISSUER_SECRET_KEY", ""),
		AssetCode:          getEnv("STELLAR_CUSTOM_ASSET_CODE", "BD"),
		DefaultTimeout:     int64(getEnvAsInt("STELLAR_DEFAULT_TIMEOUT", 30)),
		TransactionTimeout: int64(getEnvAsInt("STELLAR_TRANSACTION_TIMEOUT", 86400)),
		InitialGrant:       getEnv("STELLAR_INITIAL_BD_GRANT", "500"),
		MinIssuerXLM:       getEnv("STELLAR_MIN_ISSUER_XLM", "1"),
	}

	if cfg.HorizonURL == "" {
		switch cfg.Network {
		case NetworkPublic:
			cfg.HorizonURL = "https://horizon.stellar.org"
		case NetworkFuturenet:
			cfg.HorizonURL = "https://horizon-futurenet.stellar.org"
		default:
			cfg.HorizonURL = "https://horizon-testnet.stellar.org"
		}
	}
	return cfg
}

// Passphrase returns the network passphrase used when signing.
func (c *StellarConfig) Passphrase() string {
	switch c.Network {
	case NetworkPublic, "mainnet":
		return network.PublicNetworkPassphrase
	case NetworkFuturenet:
		return network.FutureNetworkPassphrase
	default:
		return network.TestNetworkPassphrase
	}
}

func (c *StellarConfig) IsTestnet() bool {
	return c.Network == NetworkTestnet
}

func (c *StellarConfig) Validate() error {
	if c.IssuerPublicKey == "" {
		return fmt.Errorf("STELLAR_ISSUER_PUBLIC_KEY is required")
	}
	if c.AssetCode == "" || len(c.AssetCode) > 12 {
		return fmt.Errorf("invalid STELLAR_CUSTOM_ASSET_CODE %q", c.AssetCode)
	}
	return nil
}
