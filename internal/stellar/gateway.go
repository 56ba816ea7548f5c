package stellar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/txnbuild"

	"github.com/bluedollar/backend/internal/config"
)

// Gateway is the narrow slice of Horizon the services depend on.
type Gateway interface {
	LoadAccount(ctx context.Context, publicKey string) (*Account, error)
	BaseFee(ctx context.Context) (int64, error)
	Submit(ctx context.Context, tx *txnbuild.Transaction) (string, error)
	TransactionSuccessful(ctx context.Context, hash string) (bool, error)
	Fund(ctx context.Context, publicKey string) error
	Passphrase() string
}

var ErrAccountNotFound = errors.New("account not found")

// SubmitError carries Horizon result codes for a rejected transaction.
type SubmitError struct {
	Status          int
	TransactionCode string
	OperationCodes  []string
	Detail          string
}

func (e *SubmitError) Error() string {
	codes := e.TransactionCode
	if len(e.OperationCodes) > 0 {
		codes = fmt.Sprintf("%s %v", codes, e.OperationCodes)
	}
	if codes == "" {
		codes = e.Detail
	}
	return "transaction rejected: " + codes
}

// HasOperationCode reports whether any operation failed with code.
func (e *SubmitError) HasOperationCode(code string) bool {
	for _, c := range e.OperationCodes {
		if c == code {
			return true
		}
	}
	return false
}

type HorizonGateway struct {
	client     *horizonclient.Client
	friendbot  *Friendbot
	passphrase string
	testnet    bool
}

func NewHorizonGateway(cfg *config.StellarConfig) *HorizonGateway {
	httpClient := &http.Client{Timeout: 60 * time.Second}
	return &HorizonGateway{
		client: &horizonclient.Client{
			HorizonURL: strings.TrimRight(cfg.HorizonURL, "/") + "/",
			HTTP:       httpClient,
		},
		friendbot:  NewFriendbot(cfg.FriendbotURL, httpClient),
		passphrase: cfg.Passphrase(),
		testnet:    cfg.IsTestnet(),
	}
}

func (g *HorizonGateway) Passphrase() string {
	return g.passphrase
}

func (g *HorizonGateway) LoadAccount(ctx context.Context, publicKey string) (*Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	acct, err := g.client.AccountDetail(horizonclient.AccountRequest{AccountID: publicKey})
	if err != nil {
		if horizonclient.IsNotFoundError(err) {
			return nil, fmt.Errorf("%s: %w", publicKey, ErrAccountNotFound)
		}
		return nil, fmt.Errorf("load account: %w", err)
	}

	seq, err := acct.GetSequenceNumber()
	if err != nil {
		return nil, fmt.Errorf("parse sequence: %w", err)
	}

	out := &Account{ID: acct.AccountID, Sequence: seq}
	for _, b := range acct.Balances {
		out.Balances = append(out.Balances, Balance{
			AssetType: b.Asset.Type,
			Code:      b.Asset.Code,
			Issuer:    b.Asset.Issuer,
			Amount:    b.Balance,
		})
	}
	return out, nil
}

func (g *HorizonGateway) BaseFee(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	stats, err := g.client.FeeStats()
	if err != nil {
		return 0, fmt.Errorf("fetch fee stats: %w", err)
	}
	if stats.LastLedgerBaseFee <= 0 {
		return txnbuild.MinBaseFee, nil
	}
	return stats.LastLedgerBaseFee, nil
}

func (g *HorizonGateway) Submit(ctx context.Context, tx *txnbuild.Transaction) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	resp, err := g.client.SubmitTransaction(tx)
	if err != nil {
		return "", translateHorizonError(err)
	}
	return resp.Hash, nil
}

func (g *HorizonGateway) TransactionSuccessful(ctx context.Context, hash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	tx, err := g.client.TransactionDetail(hash)
	if err != nil {
		return false, fmt.Errorf("transaction detail: %w", err)
	}
	return tx.Successful, nil
}

func (g *HorizonGateway) Fund(ctx context.Context, publicKey string) error {
	if !g.testnet {
		return errors.New("friendbot funding is only available on testnet")
	}
	return g.friendbot.Fund(ctx, publicKey)
}

func translateHorizonError(err error) error {
	hErr := horizonclient.GetError(err)
	if hErr == nil {
		return err
	}

	out := &SubmitError{Status: hErr.Problem.Status, Detail: hErr.Problem.Detail}
	if codes, cErr := hErr.ResultCodes(); cErr == nil && codes != nil {
		out.TransactionCode = codes.TransactionCode
		out.OperationCodes = codes.OperationCodes
	}
	return out
}
