package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/strkey"
	"github.com/stellar/go/txnbuild"

	"github.com/bluedollar/backend/internal/audit"
	"github.com/bluedollar/backend/internal/logger"
	"github.com/bluedollar/backend/internal/stellar"
)

const maxMemoBytes = 28

// TransferRequest describes one single-asset payment.
type TransferRequest struct {
	SenderSecret string
	Destination  string
	Asset        stellar.Asset
	Amount       string
	Memo         string
	Timeout      int64 // seconds; zero uses the executor default

	// Role names used in precondition messages, e.g. "Buyer" or "Provider".
	SenderRole      string
	DestinationRole string

	// RequireDestinationTrustline loads the destination and checks it can
	// hold Asset before anything is submitted.
	RequireDestinationTrustline bool
}

type TransferResult struct {
	Hash        string
	Source      string
	Destination string
	Amount      string // 7 decimal places
	Asset       stellar.Asset
}

// TransferExecutor builds, signs and submits payments after checking the
// sender's key, account, trustline and balance, in that order.
type TransferExecutor struct {
	gateway        stellar.Gateway
	audit          *audit.Logger
	defaultTimeout int64
}

func NewTransferExecutor(gateway stellar.Gateway, auditLogger *audit.Logger, defaultTimeout int64) *TransferExecutor {
	if defaultTimeout <= 0 {
		defaultTimeout = 30
	}
	if auditLogger == nil {
		auditLogger = audit.NewLogger()
	}
	return &TransferExecutor{gateway: gateway, audit: auditLogger, defaultTimeout: defaultTimeout}
}

func (e *TransferExecutor) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	senderRole := roleOr(req.SenderRole, "Sender")
	destRole := roleOr(req.DestinationRole, "Receiver")

	kp, err := keypair.ParseFull(req.SenderSecret)
	if err != nil {
		return nil, newValidationError("Invalid secret key format")
	}
	if !strkey.IsValidEd25519PublicKey(req.Destination) {
		return nil, newValidationError("Invalid %s public key", strings.ToLower(destRole))
	}

	raw, err := parseAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	amount := raw.Round(7)
	if !amount.IsPositive() {
		return nil, newValidationError("Invalid amount: rounds to zero at 7 decimal places")
	}
	amountStr := formatAmount(amount)

	source, err := e.loadAccount(ctx, kp.Address(), senderRole)
	if err != nil {
		return nil, err
	}

	// The issuer mints its own asset and carries no trustline for it.
	if req.Asset.IsNative() || kp.Address() != req.Asset.Issuer {
		if err := checkFunds(source, req.Asset, amount, senderRole); err != nil {
			return nil, err
		}
	}

	if req.RequireDestinationTrustline && !req.Asset.IsNative() && req.Destination != req.Asset.Issuer {
		dest, err := e.loadAccount(ctx, req.Destination, destRole)
		if err != nil {
			return nil, err
		}
		if !dest.HasTrustline(req.Asset) {
			return nil, newPreconditionError("%s does not have a trustline to the %s asset", destRole, req.Asset.Code)
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	tx, err := e.build(ctx, source, kp, []txnbuild.Operation{&txnbuild.Payment{
		Destination: req.Destination,
		Amount:      amountStr,
		Asset:       req.Asset.Txn(),
	}}, req.Memo, timeout)
	if err != nil {
		return nil, err
	}

	hash, err := e.gateway.Submit(ctx, tx)
	if err != nil {
		e.audit.LogError("", kp.Address(), err)
		return nil, mapSubmitError(err)
	}

	e.audit.LogTransfer(hash, kp.Address(), req.Destination, amountStr, req.Asset.String(), "SUBMITTED")
	logger.WithFields(logrus.Fields{
		"tx_hash": hash,
		"from":    kp.Address(),
		"to":      req.Destination,
		"amount":  amountStr,
		"asset":   req.Asset.String(),
	}).Info("[TRANSFER] Payment submitted")

	return &TransferResult{
		Hash:        hash,
		Source:      kp.Address(),
		Destination: req.Destination,
		Amount:      amountStr,
		Asset:       req.Asset,
	}, nil
}

// CreateTrustline submits a change_trust operation for asset from the account
// owning secret.
func (e *TransferExecutor) CreateTrustline(ctx context.Context, secret string, asset stellar.Asset) (string, error) {
	if asset.IsNative() {
		return "", newValidationError("Invalid asset: native XLM needs no trustline")
	}

	kp, err := keypair.ParseFull(secret)
	if err != nil {
		return "", newValidationError("Invalid secret key format")
	}

	account, err := e.loadAccount(ctx, kp.Address(), "Account")
	if err != nil {
		return "", err
	}
	if account.HasTrustline(asset) {
		return "", newPreconditionError("Account already has a trustline for %s", asset.Code)
	}

	tx, err := e.build(ctx, account, kp, []txnbuild.Operation{&txnbuild.ChangeTrust{
		Line: txnbuild.ChangeTrustAssetWrapper{Asset: txnbuild.CreditAsset{Code: asset.Code, Issuer: asset.Issuer}},
	}}, "", e.defaultTimeout)
	if err != nil {
		return "", err
	}

	hash, err := e.gateway.Submit(ctx, tx)
	if err != nil {
		e.audit.LogError("", kp.Address(), err)
		return "", mapSubmitError(err)
	}

	e.audit.LogOperation("CHANGE_TRUST", kp.Address(), fmt.Sprintf("%s:%s %s", asset.Code, asset.Issuer, hash))
	return hash, nil
}

func (e *TransferExecutor) loadAccount(ctx context.Context, publicKey, role string) (*stellar.Account, error) {
	account, err := e.gateway.LoadAccount(ctx, publicKey)
	if err != nil {
		if errors.Is(err, stellar.ErrAccountNotFound) {
			return nil, newNotFoundError("%s account not found on the Stellar network", role)
		}
		return nil, newNetworkError(err)
	}
	return account, nil
}

func (e *TransferExecutor) build(ctx context.Context, source *stellar.Account, kp *keypair.Full, ops []txnbuild.Operation, memo string, timeout int64) (*txnbuild.Transaction, error) {
	fee, err := e.gateway.BaseFee(ctx)
	if err != nil {
		logger.WithError(err).Warn("[TRANSFER] Fee stats unavailable, using minimum base fee")
		fee = txnbuild.MinBaseFee
	}

	sourceAccount := source.Source()
	params := txnbuild.TransactionParams{
		SourceAccount:        &sourceAccount,
		IncrementSequenceNum: true,
		Operations:           ops,
		BaseFee:              fee,
		Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewTimeout(timeout)},
	}
	if memo = truncateMemo(memo); memo != "" {
		params.Memo = txnbuild.MemoText(memo)
	}

	tx, err := txnbuild.NewTransaction(params)
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}

	tx, err = tx.Sign(e.gateway.Passphrase(), kp)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return tx, nil
}

func checkFunds(account *stellar.Account, asset stellar.Asset, amount decimal.Decimal, role string) error {
	balance, ok := account.FindBalance(asset)
	if !ok {
		return newPreconditionError("%s does not have trustline for %s asset. Create trustline first.", role, asset.Code)
	}
	if balance.LessThan(amount) {
		return newPreconditionError("Insufficient %s balance. Available: %s, Required: %s",
			asset.String(), balance.String(), formatAmount(amount))
	}
	return nil
}

// mapSubmitError turns Horizon result codes into caller facing errors.
func mapSubmitError(err error) error {
	var sErr *stellar.SubmitError
	if !errors.As(err, &sErr) {
		return newNetworkError(err)
	}

	chain := func(msg string) error {
		return &ChainError{Message: msg, Err: err}
	}

	switch {
	case sErr.TransactionCode == "tx_bad_auth":
		return chain("Invalid secret key or insufficient authorization")
	case sErr.TransactionCode == "tx_insufficient_balance":
		return chain("Insufficient XLM balance to pay the transaction fee")
	case sErr.TransactionCode == "tx_no_source_account":
		return &NotFoundError{Message: "Source account not found"}
	case sErr.HasOperationCode("op_no_destination"):
		return &NotFoundError{Message: "Destination account not found"}
	case sErr.HasOperationCode("op_no_trust"):
		return chain("Destination does not have a trustline for this asset")
	case sErr.HasOperationCode("op_underfunded"):
		return chain("Insufficient balance to complete the payment")
	case sErr.TransactionCode == "" && len(sErr.OperationCodes) == 0:
		return newNetworkError(err)
	}

	codes := sErr.TransactionCode
	if len(sErr.OperationCodes) > 0 {
		codes = fmt.Sprintf("%s [%s]", codes, strings.Join(sErr.OperationCodes, ", "))
	}
	return chain("Payment failed: " + codes)
}

func truncateMemo(memo string) string {
	memo = strings.TrimSpace(memo)
	if len(memo) <= maxMemoBytes {
		return memo
	}
	cut := maxMemoBytes
	for cut > 0 && !utf8.RuneStart(memo[cut]) {
		cut--
	}
	return memo[:cut]
}

func roleOr(role, fallback string) string {
	if role == "" {
		return fallback
	}
	return role
}
