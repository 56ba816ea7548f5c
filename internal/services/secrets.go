package services

import (
	"fmt"

	"github.com/bluedollar/backend/internal/logger"
	"github.com/bluedollar/backend/internal/vault"
)

// sealSeed encrypts a Stellar secret seed for storage. Without a vault the
// seed is stored as is.
func sealSeed(v *vault.Vault, seed string) (string, error) {
	if v == nil {
		logger.Warn("[VAULT] Vault not configured, storing secret seed unencrypted")
		return seed, nil
	}
	sealed, err := v.Seal(seed)
	if err != nil {
		return "", fmt.Errorf("seal secret: %w", err)
	}
	return sealed, nil
}

func openSeed(v *vault.Vault, stored string) (string, error) {
	if v == nil {
		return stored, nil
	}
	seed, err := v.Open(stored)
	if err != nil {
		return "", fmt.Errorf("open secret: %w", err)
	}
	return seed, nil
}
