package services

import (
	"context"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	"github.com/stellar/go/txnbuild"
	"github.com/stretchr/testify/mock"

	"github.com/bluedollar/backend/internal/stellar"
)

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) LoadAccount(ctx context.Context, publicKey string) (*stellar.Account, error) {
	args := m.Called(ctx, publicKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*stellar.Account), args.Error(1)
}

func (m *MockGateway) BaseFee(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockGateway) Submit(ctx context.Context, tx *txnbuild.Transaction) (string, error) {
	args := m.Called(ctx, tx)
	return args.String(0), args.Error(1)
}

func (m *MockGateway) TransactionSuccessful(ctx context.Context, hash string) (bool, error) {
	args := m.Called(ctx, hash)
	return args.Bool(0), args.Error(1)
}

func (m *MockGateway) Fund(ctx context.Context, publicKey string) error {
	args := m.Called(ctx, publicKey)
	return args.Error(0)
}

func (m *MockGateway) Passphrase() string {
	return network.TestNetworkPassphrase
}

// fixture keys shared by the service tests.
var (
	issuerKP = keypair.MustRandom()
	buyerKP  = keypair.MustRandom()
	sellerKP = keypair.MustRandom()
	bdAsset  = stellar.Asset{Code: "BD", Issuer: issuerKP.Address()}
)

func accountWith(kp *keypair.Full, bd string, withTrustline bool) *stellar.Account {
	acct := &stellar.Account{
		ID:       kp.Address(),
		Sequence: 100,
		Balances: []stellar.Balance{{AssetType: stellar.NativeAssetType, Amount: "10000.0000000"}},
	}
	if withTrustline {
		acct.Balances = append(acct.Balances, stellar.Balance{
			AssetType: "credit_alphanum4",
			Code:      "BD",
			Issuer:    issuerKP.Address(),
			Amount:    bd,
		})
	}
	return acct
}

// paymentOf extracts the single payment operation from a submitted transaction.
func paymentOf(tx *txnbuild.Transaction) *txnbuild.Payment {
	ops := tx.Operations()
	if len(ops) != 1 {
		return nil
	}
	p, _ := ops[0].(*txnbuild.Payment)
	return p
}
