package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bluedollar/backend/internal/logger"
	"github.com/bluedollar/backend/internal/models"
	"github.com/bluedollar/backend/internal/stellar"
)

// BalanceUpdater refreshes the wallet_balances cache from the network.
type BalanceUpdater struct {
	db      *sql.DB
	gateway stellar.Gateway
	asset   stellar.Asset
	now     func() time.Time
}

func NewBalanceUpdater(db *sql.DB, gateway stellar.Gateway, asset stellar.Asset) *BalanceUpdater {
	return &BalanceUpdater{db: db, gateway: gateway, asset: asset, now: time.Now}
}

// RefreshBalances reloads each distinct key and upserts one cache row per key.
// A self-payment therefore writes a single row.
func (b *BalanceUpdater) RefreshBalances(ctx context.Context, publicKeys ...string) error {
	seen := make(map[string]bool, len(publicKeys))
	var errs []error
	for _, key := range publicKeys {
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true

		if _, err := b.Refresh(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Refresh loads one account, upserts its cache row and returns the snapshot.
func (b *BalanceUpdater) Refresh(ctx context.Context, publicKey string) (*models.WalletBalance, error) {
	snapshot, err := b.Snapshot(ctx, publicKey)
	if err != nil {
		return nil, err
	}
	if err := b.save(ctx, snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Snapshot reads live balances without touching the cache.
func (b *BalanceUpdater) Snapshot(ctx context.Context, publicKey string) (*models.WalletBalance, error) {
	account, err := b.gateway.LoadAccount(ctx, publicKey)
	if err != nil {
		if errors.Is(err, stellar.ErrAccountNotFound) {
			return nil, newNotFoundError("Account %s not found on the Stellar network", publicKey)
		}
		return nil, newNetworkError(err)
	}

	xlm, _ := account.FindBalance(stellar.NativeAsset())
	bd, hasTrustline := account.FindBalance(b.asset)

	return &models.WalletBalance{
		PublicKey:      publicKey,
		XLMBalance:     formatAmount(xlm),
		BDBalance:      formatAmount(bd),
		HasBDTrustline: hasTrustline,
		UpdatedAt:      b.now().UTC(),
	}, nil
}

func (b *BalanceUpdater) save(ctx context.Context, wb *models.WalletBalance) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO wallet_balances (public_key, xlm_balance, bd_balance, has_bd_trustline, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (public_key) DO UPDATE
		SET xlm_balance = EXCLUDED.xlm_balance,
		    bd_balance = EXCLUDED.bd_balance,
		    has_bd_trustline = EXCLUDED.has_bd_trustline,
		    updated_at = EXCLUDED.updated_at`,
		wb.PublicKey, wb.XLMBalance, wb.BDBalance, wb.HasBDTrustline, wb.UpdatedAt)
	if err != nil {
		logger.WithField("public_key", wb.PublicKey).WithError(err).Error("[BALANCE] Cache upsert failed")
		return fmt.Errorf("upsert wallet balance: %w", err)
	}
	return nil
}
