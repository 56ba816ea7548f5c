package config

import "time"

type VaultConfig struct {
	MasterKey string
	Salt      string
}

func LoadVaultConfig() *VaultConfig {
	return &VaultConfig{
		MasterKey: getEnv("VAULT_MASTER_KEY", ""),
		Salt:      getEnv("VAULT_SALT", "bluedollar-vault"),
	}
}

type ReconcilerConfig struct {
	Schedule    string
	MaxAttempts int
	Timeout     time.Duration
}

func LoadReconcilerConfig() *ReconcilerConfig {
	return &ReconcilerConfig{
		Schedule:    getEnv("LEDGER_RECONCILE_SCHEDULE", "@every 1m"),
		MaxAttempts: getEnvAsInt("LEDGER_RECONCILE_MAX_ATTEMPTS", 5),
		Timeout:     getEnvAsDuration("LEDGER_RECONCILE_TIMEOUT", 30*time.Second),
	}
}
