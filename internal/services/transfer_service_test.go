package services

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/txnbuild"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bluedollar/backend/internal/stellar"
)

func TestTransferExecutor_Transfer(t *testing.T) {
	ctx := context.Background()

	t.Run("valid sender with trustline and balance", func(t *testing.T) {
		gw := &MockGateway{}
		exec := NewTransferExecutor(gw, nil, 30)

		gw.On("LoadAccount", ctx, buyerKP.Address()).Return(accountWith(buyerKP, "100.0000000", true), nil)
		gw.On("BaseFee", ctx).Return(int64(100), nil)

		var submitted *txnbuild.Transaction
		gw.On("Submit", ctx, mock.AnythingOfType("*txnbuild.Transaction")).
			Run(func(args mock.Arguments) { submitted = args.Get(1).(*txnbuild.Transaction) }).
			Return("abc123", nil)

		res, err := exec.Transfer(ctx, TransferRequest{
			SenderSecret: buyerKP.Seed(),
			Destination:  sellerKP.Address(),
			Asset:        bdAsset,
			Amount:       "10",
			Memo:         "coffee",
		})

		require.NoError(t, err)
		assert.Equal(t, "abc123", res.Hash)
		assert.Equal(t, "10.0000000", res.Amount)

		require.NotNil(t, submitted)
		payment := paymentOf(submitted)
		require.NotNil(t, payment)
		assert.Equal(t, sellerKP.Address(), payment.Destination)
		assert.Equal(t, "10.0000000", payment.Amount)
		assert.Equal(t, txnbuild.CreditAsset{Code: "BD", Issuer: issuerKP.Address()}, payment.Asset)
		assert.Equal(t, txnbuild.MemoText("coffee"), submitted.Memo())
		assert.Equal(t, int64(101), submitted.SequenceNumber())
		gw.AssertExpectations(t)
	})

	t.Run("amount beyond 7 decimals is rounded not rejected", func(t *testing.T) {
		gw := &MockGateway{}
		exec := NewTransferExecutor(gw, nil, 30)

		gw.On("LoadAccount", ctx, buyerKP.Address()).Return(accountWith(buyerKP, "100.0000000", true), nil)
		gw.On("BaseFee", ctx).Return(int64(100), nil)
		gw.On("Submit", ctx, mock.Anything).Return("h", nil)

		res, err := exec.Transfer(ctx, TransferRequest{
			SenderSecret: buyerKP.Seed(),
			Destination:  sellerKP.Address(),
			Asset:        bdAsset,
			Amount:       "1.123456789",
		})

		require.NoError(t, err)
		assert.Equal(t, "1.1234568", res.Amount)
	})

	t.Run("invalid secret", func(t *testing.T) {
		gw := &MockGateway{}
		exec := NewTransferExecutor(gw, nil, 30)

		_, err := exec.Transfer(ctx, TransferRequest{
			SenderSecret: "SNOTAKEY",
			Destination:  sellerKP.Address(),
			Asset:        bdAsset,
			Amount:       "1",
		})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "Invalid")
		assert.Equal(t, http.StatusBadRequest, StatusFor(err))
		gw.AssertNotCalled(t, "LoadAccount", mock.Anything, mock.Anything)
	})

	t.Run("sender account not found", func(t *testing.T) {
		gw := &MockGateway{}
		exec := NewTransferExecutor(gw, nil, 30)

		gw.On("LoadAccount", ctx, buyerKP.Address()).Return(nil, stellar.ErrAccountNotFound)

		_, err := exec.Transfer(ctx, TransferRequest{
			SenderSecret: buyerKP.Seed(),
			Destination:  sellerKP.Address(),
			Asset:        bdAsset,
			Amount:       "1",
		})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
		assert.Equal(t, http.StatusNotFound, StatusFor(err))
	})

	t.Run("no trustline submits nothing", func(t *testing.T) {
		gw := &MockGateway{}
		exec := NewTransferExecutor(gw, nil, 30)

		gw.On("LoadAccount", ctx, buyerKP.Address()).Return(accountWith(buyerKP, "", false), nil)

		_, err := exec.Transfer(ctx, TransferRequest{
			SenderSecret: buyerKP.Seed(),
			SenderRole:   "Buyer",
			Destination:  sellerKP.Address(),
			Asset:        bdAsset,
			Amount:       "1",
		})

		var pErr *PreconditionError
		require.ErrorAs(t, err, &pErr)
		assert.Equal(t, "Buyer does not have trustline for BD asset. Create trustline first.", err.Error())
		gw.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
	})

	t.Run("insufficient balance", func(t *testing.T) {
		gw := &MockGateway{}
		exec := NewTransferExecutor(gw, nil, 30)

		gw.On("LoadAccount", ctx, buyerKP.Address()).Return(accountWith(buyerKP, "5.0000000", true), nil)

		_, err := exec.Transfer(ctx, TransferRequest{
			SenderSecret: buyerKP.Seed(),
			Destination:  sellerKP.Address(),
			Asset:        bdAsset,
			Amount:       "10",
		})

		require.Error(t, err)
		assert.Equal(t, "Insufficient BD balance. Available: 5, Required: 10.0000000", err.Error())
		gw.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
	})

	t.Run("issuer pays without trustline", func(t *testing.T) {
		gw := &MockGateway{}
		exec := NewTransferExecutor(gw, nil, 30)

		gw.On("LoadAccount", ctx, issuerKP.Address()).Return(accountWith(issuerKP, "", false), nil)
		gw.On("BaseFee", ctx).Return(int64(100), nil)
		gw.On("Submit", ctx, mock.Anything).Return("mint", nil)

		res, err := exec.Transfer(ctx, TransferRequest{
			SenderSecret: issuerKP.Seed(),
			Destination:  sellerKP.Address(),
			Asset:        bdAsset,
			Amount:       "500",
		})

		require.NoError(t, err)
		assert.Equal(t, "mint", res.Hash)
	})

	t.Run("destination trustline required", func(t *testing.T) {
		gw := &MockGateway{}
		exec := NewTransferExecutor(gw, nil, 30)

		gw.On("LoadAccount", ctx, buyerKP.Address()).Return(accountWith(buyerKP, "100", true), nil)
		gw.On("LoadAccount", ctx, sellerKP.Address()).Return(accountWith(sellerKP, "", false), nil)

		_, err := exec.Transfer(ctx, TransferRequest{
			SenderSecret:                buyerKP.Seed(),
			Destination:                 sellerKP.Address(),
			DestinationRole:             "Provider",
			Asset:                       bdAsset,
			Amount:                      "1",
			RequireDestinationTrustline: true,
		})

		require.Error(t, err)
		assert.Equal(t, "Provider does not have a trustline to the BD asset", err.Error())
		gw.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
	})

	t.Run("native skips trustline", func(t *testing.T) {
		gw := &MockGateway{}
		exec := NewTransferExecutor(gw, nil, 30)

		gw.On("LoadAccount", ctx, buyerKP.Address()).Return(accountWith(buyerKP, "", false), nil)
		gw.On("BaseFee", ctx).Return(int64(0), errors.New("fee stats down"))
		gw.On("Submit", ctx, mock.Anything).Return("xlm", nil)

		res, err := exec.Transfer(ctx, TransferRequest{
			SenderSecret: buyerKP.Seed(),
			Destination:  sellerKP.Address(),
			Asset:        stellar.NativeAsset(),
			Amount:       "2.5",
		})

		require.NoError(t, err)
		assert.Equal(t, "2.5000000", res.Amount)
	})

	t.Run("rejected by network", func(t *testing.T) {
		gw := &MockGateway{}
		exec := NewTransferExecutor(gw, nil, 30)

		gw.On("LoadAccount", ctx, buyerKP.Address()).Return(accountWith(buyerKP, "100", true), nil)
		gw.On("BaseFee", ctx).Return(int64(100), nil)
		gw.On("Submit", ctx, mock.Anything).Return("", &stellar.SubmitError{
			TransactionCode: "tx_failed",
			OperationCodes:  []string{"op_line_full"},
		})

		_, err := exec.Transfer(ctx, TransferRequest{
			SenderSecret: buyerKP.Seed(),
			Destination:  sellerKP.Address(),
			Asset:        bdAsset,
			Amount:       "1",
		})

		require.Error(t, err)
		assert.Equal(t, "Payment failed: tx_failed [op_line_full]", err.Error())
		assert.Equal(t, http.StatusBadRequest, StatusFor(err))
	})
}

func TestMapSubmitError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		msg    string
		status int
	}{
		{"bad auth", &stellar.SubmitError{TransactionCode: "tx_bad_auth"}, "Invalid secret key or insufficient authorization", http.StatusBadRequest},
		{"no destination", &stellar.SubmitError{TransactionCode: "tx_failed", OperationCodes: []string{"op_no_destination"}}, "Destination account not found", http.StatusNotFound},
		{"underfunded", &stellar.SubmitError{TransactionCode: "tx_failed", OperationCodes: []string{"op_underfunded"}}, "Insufficient balance to complete the payment", http.StatusBadRequest},
		{"transport", errors.New("dial tcp: timeout"), "Stellar network error: dial tcp: timeout", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapSubmitError(tt.err)
			assert.Equal(t, tt.msg, err.Error())
			assert.Equal(t, tt.status, StatusFor(err))
		})
	}
}

func TestTransferExecutor_CreateTrustline(t *testing.T) {
	ctx := context.Background()
	holder := keypair.MustRandom()

	t.Run("submits change trust", func(t *testing.T) {
		gw := &MockGateway{}
		exec := NewTransferExecutor(gw, nil, 30)

		gw.On("LoadAccount", ctx, holder.Address()).Return(accountWith(holder, "", false), nil)
		gw.On("BaseFee", ctx).Return(int64(100), nil)

		var submitted *txnbuild.Transaction
		gw.On("Submit", ctx, mock.Anything).
			Run(func(args mock.Arguments) { submitted = args.Get(1).(*txnbuild.Transaction) }).
			Return("trust", nil)

		hash, err := exec.CreateTrustline(ctx, holder.Seed(), bdAsset)
		require.NoError(t, err)
		assert.Equal(t, "trust", hash)

		ops := submitted.Operations()
		require.Len(t, ops, 1)
		_, ok := ops[0].(*txnbuild.ChangeTrust)
		assert.True(t, ok)
	})

	t.Run("existing trustline", func(t *testing.T) {
		gw := &MockGateway{}
		exec := NewTransferExecutor(gw, nil, 30)

		gw.On("LoadAccount", ctx, holder.Address()).Return(accountWith(holder, "0", true), nil)

		_, err := exec.CreateTrustline(ctx, holder.Seed(), bdAsset)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already has a trustline")
	})
}

func TestTruncateMemo(t *testing.T) {
	assert.Equal(t, "short", truncateMemo("short"))
	assert.Len(t, truncateMemo("this memo is definitely longer than twenty eight bytes"), 28)
	// multi-byte runes are not split
	assert.Equal(t, 27, len(truncateMemo("aéééééééééééééééééééé")))
}
