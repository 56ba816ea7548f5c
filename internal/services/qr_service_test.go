package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/go-redis/redismock/v8"
	"github.com/stellar/go/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluedollar/backend/internal/models"
)

type fakeMemos struct {
	memo *models.Memo
	err  error
}

func (f fakeMemos) GetMemo(ctx context.Context, memoID string) (*models.Memo, error) {
	return f.memo, f.err
}

func pendingMemo() *models.Memo {
	return &models.Memo{
		ID:       "3b0e4a4c-3f4e-4c55-9a57-1f1f1d3c2b10",
		SenderID: sellerKP.Address(),
		Amount:   "12.5000000",
		Currency: "BD",
		Memo:     "Coffee & cake",
		Status:   models.MemoPending,
	}
}

func TestQRService_PayURI(t *testing.T) {
	svc := NewQRService(nil, nil, bdAsset, network.TestNetworkPassphrase)
	memo := pendingMemo()

	uri := svc.PayURI(memo)
	assert.True(t, len(uri) > len(sep7Scheme))
	assert.Contains(t, uri, "memo=Coffee%20%26%20cake")
	assert.NotContains(t, uri[len(sep7Scheme):], "+")

	values, err := ParsePayURI(uri)
	require.NoError(t, err)
	assert.Equal(t, sellerKP.Address(), values.Get("destination"))
	assert.Equal(t, "12.5000000", values.Get("amount"))
	assert.Equal(t, "BD", values.Get("asset_code"))
	assert.Equal(t, issuerKP.Address(), values.Get("asset_issuer"))
	assert.Equal(t, "Coffee & cake", values.Get("memo"))
	assert.Equal(t, network.TestNetworkPassphrase, values.Get("network_passphrase"))

	_, err = ParsePayURI("https://example.com/?destination=x")
	assert.Error(t, err)
}

func TestQRService_MemoPaymentRequest(t *testing.T) {
	ctx := context.Background()
	memo := pendingMemo()
	key := "qr:memo:" + memo.ID

	t.Run("renders and caches", func(t *testing.T) {
		rdb, rmock := redismock.NewClientMock()
		svc := NewQRService(fakeMemos{memo: memo}, rdb, bdAsset, network.TestNetworkPassphrase)

		rmock.ExpectGet(key).RedisNil()
		rmock.Regexp().ExpectSet(key, `.*`, qrTTL).SetVal("OK")

		qr, err := svc.MemoPaymentRequest(ctx, memo.ID)
		require.NoError(t, err)
		assert.Equal(t, svc.PayURI(memo), qr.URI)

		png, err := base64.StdEncoding.DecodeString(qr.Image)
		require.NoError(t, err)
		assert.Equal(t, "\x89PNG", string(png[:4]))
		assert.NoError(t, rmock.ExpectationsWereMet())
	})

	t.Run("served from cache", func(t *testing.T) {
		rdb, rmock := redismock.NewClientMock()
		svc := NewQRService(fakeMemos{memo: memo}, rdb, bdAsset, "")

		cached, _ := json.Marshal(PaymentRequestQR{MemoID: memo.ID, URI: "web+stellar:pay?destination=cached", Image: "aW1n"})
		rmock.ExpectGet(key).SetVal(string(cached))

		qr, err := svc.MemoPaymentRequest(ctx, memo.ID)
		require.NoError(t, err)
		assert.Equal(t, "web+stellar:pay?destination=cached", qr.URI)
		assert.NoError(t, rmock.ExpectationsWereMet())
	})

	t.Run("paid memo", func(t *testing.T) {
		paid := pendingMemo()
		paid.Status = models.MemoCompleted
		svc := NewQRService(fakeMemos{memo: paid}, nil, bdAsset, "")

		_, err := svc.MemoPaymentRequest(ctx, paid.ID)
		require.Error(t, err)
		assert.Equal(t, "Memo already paid (status: completed)", err.Error())
	})

	t.Run("unknown memo", func(t *testing.T) {
		svc := NewQRService(fakeMemos{err: newNotFoundError("Memo not found")}, nil, bdAsset, "")
		_, err := svc.MemoPaymentRequest(ctx, "x")
		assert.EqualError(t, err, "Memo not found")
	})
}
