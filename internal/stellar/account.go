package stellar

import (
	"github.com/shopspring/decimal"
	"github.com/stellar/go/txnbuild"
)

const NativeAssetType = "native"

// Asset identifies a Stellar asset. An empty Code means native XLM.
type Asset struct {
	Code   string `json:"code"`
	Issuer string `json:"issuer"`
}

func NativeAsset() Asset {
	return Asset{}
}

func (a Asset) IsNative() bool {
	return a.Code == "" || (a.Code == "XLM" && a.Issuer == "")
}

func (a Asset) String() string {
	if a.IsNative() {
		return "XLM"
	}
	return a.Code
}

// Txn converts the asset for use in a payment operation.
func (a Asset) Txn() txnbuild.Asset {
	if a.IsNative() {
		return txnbuild.NativeAsset{}
	}
	return txnbuild.CreditAsset{Code: a.Code, Issuer: a.Issuer}
}

type Balance struct {
	AssetType string
	Code      string
	Issuer    string
	Amount    string
}

type Account struct {
	ID       string
	Sequence int64
	Balances []Balance
}

// FindBalance returns the balance line for asset; ok is false when the account
// holds no trustline for it.
func (a *Account) FindBalance(asset Asset) (decimal.Decimal, bool) {
	for _, b := range a.Balances {
		if asset.IsNative() {
			if b.AssetType == NativeAssetType {
				return parseAmount(b.Amount), true
			}
			continue
		}
		if b.AssetType != NativeAssetType && b.Code == asset.Code && b.Issuer == asset.Issuer {
			return parseAmount(b.Amount), true
		}
	}
	return decimal.Zero, false
}

func (a *Account) HasTrustline(asset Asset) bool {
	_, ok := a.FindBalance(asset)
	return ok
}

// Source returns a txnbuild source account at the current sequence.
func (a *Account) Source() txnbuild.SimpleAccount {
	return txnbuild.NewSimpleAccount(a.ID, a.Sequence)
}

func parseAmount(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
