package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var memoColumns = []string{"id", "sender_id", "receiver_id", "amount", "currency", "price", "memo", "description", "rating", "status", "stellar_transaction_hash", "created_at", "updated_at"}

func newTestMemoService(db *sql.DB, gw *MockGateway, withBalances bool) *MemoService {
	settlement := &Settlement{Recorder: newTestRecorder(db)}
	if withBalances {
		settlement.Balances = NewBalanceUpdater(db, gw, bdAsset)
	}
	return NewMemoService(db, NewTransferExecutor(gw, nil, 30), settlement, bdAsset, 86400)
}

func expectMemo(mock sqlmock.Sqlmock, id, status string) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT (.+) FROM services WHERE id = \\$1").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(memoColumns).
			AddRow(id, sellerKP.Address(), nil, "10.0000000", "BD", nil, "Invoice 42", nil, nil, status, nil, now, now))
}

// expectUnlinked makes every key miss both user tables.
func expectUnlinked(mock sqlmock.Sqlmock, keys ...string) {
	for _, key := range keys {
		mock.ExpectQuery("SELECT id FROM users").WithArgs(key).WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("SELECT id FROM profiles").WithArgs(key).WillReturnError(sql.ErrNoRows)
	}
}

func expectPayment(gw *MockGateway, ctx any, buyerBD string, hash string) {
	gw.On("LoadAccount", ctx, buyerKP.Address()).Return(accountWith(buyerKP, buyerBD, true), nil)
	gw.On("BaseFee", ctx).Return(int64(100), nil)
	gw.On("Submit", ctx, mock.AnythingOfType("*txnbuild.Transaction")).Return(hash, nil)
}

func TestMemoService_PayMemo(t *testing.T) {
	ctx := context.Background()

	t.Run("pending memo is paid and recorded", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		gw := &MockGateway{}
		svc := newTestMemoService(db, gw, true)
		memoID := uuid.New().String()

		expectMemo(dbMock, memoID, "pending")
		expectPayment(gw, ctx, "100.0000000", "hash-memo")
		gw.On("LoadAccount", ctx, sellerKP.Address()).Return(accountWith(sellerKP, "10.0000000", true), nil)
		dbMock.ExpectExec("UPDATE services SET status = \\$1").
			WithArgs("completed", buyerKP.Address(), "hash-memo", sqlmock.AnyArg(), memoID, "pending").
			WillReturnResult(sqlmock.NewResult(0, 1))
		expectNoLedgerRows(dbMock, "hash-memo")
		expectUnlinked(dbMock, buyerKP.Address(), sellerKP.Address())
		dbMock.ExpectExec("INSERT INTO transactions").WillReturnResult(sqlmock.NewResult(0, 2))
		dbMock.ExpectExec("INSERT INTO wallet_balances").WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec("INSERT INTO wallet_balances").WillReturnResult(sqlmock.NewResult(0, 1))

		resp, err := svc.PayMemo(ctx, memoID, buyerKP.Seed())
		require.NoError(t, err)

		assert.Equal(t, "completed", resp.Status)
		assert.Equal(t, "hash-memo", resp.TxHash)
		assert.Equal(t, sellerKP.Address(), resp.Receiver)
		assert.Equal(t, "Payment of 10.0000000 BD sent successfully", resp.Message)
		assert.Empty(t, resp.Warning)
		require.NotNil(t, resp.TransactionLog)
		assert.Equal(t, memoID, resp.TransactionLog.MemoID)
		assert.Equal(t, "-10.0000000", resp.TransactionLog.DebitEntry.Amount)
		assert.Equal(t, "+10.0000000", resp.TransactionLog.CreditEntry.Amount)
		assert.Nil(t, resp.TransactionLog.DebitEntry.UserID)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("ledger rows use the settlement asset code", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		gw := &MockGateway{}
		svc := newTestMemoService(db, gw, false)
		memoID := uuid.New().String()
		now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

		dbMock.ExpectQuery("SELECT (.+) FROM services WHERE id = \\$1").
			WithArgs(memoID).
			WillReturnRows(sqlmock.NewRows(memoColumns).
				AddRow(memoID, sellerKP.Address(), nil, "10.0000000", "asset-7f3c", nil, "Invoice 42", nil, nil, "pending", nil, now, now))
		expectPayment(gw, ctx, "100.0000000", "hash-code")
		dbMock.ExpectExec("UPDATE services").WillReturnResult(sqlmock.NewResult(0, 1))
		expectNoLedgerRows(dbMock, "hash-code")
		expectUnlinked(dbMock, buyerKP.Address(), sellerKP.Address())
		arg := sqlmock.AnyArg()
		dbMock.ExpectExec("INSERT INTO transactions").
			WithArgs(arg, arg, arg, arg, arg, arg, arg, "BD", arg, arg, arg, arg,
				arg, arg, arg, arg, arg, arg, arg, "BD", arg, arg, arg, arg).
			WillReturnResult(sqlmock.NewResult(0, 2))

		resp, err := svc.PayMemo(ctx, memoID, buyerKP.Seed())
		require.NoError(t, err)
		require.NotNil(t, resp.TransactionLog)
		assert.Equal(t, "BD", resp.TransactionLog.DebitEntry.Currency)
		assert.Equal(t, "BD", resp.TransactionLog.CreditEntry.Currency)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("memo not found", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		gw := &MockGateway{}
		svc := newTestMemoService(db, gw, false)

		dbMock.ExpectQuery("SELECT (.+) FROM services").WillReturnRows(sqlmock.NewRows(memoColumns))

		_, err = svc.PayMemo(ctx, "missing", buyerKP.Seed())
		require.Error(t, err)
		assert.Equal(t, http.StatusNotFound, StatusFor(err))
		assert.Equal(t, "Memo not found", err.Error())
		gw.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
	})

	t.Run("buyer without trustline is rejected before submit", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		gw := &MockGateway{}
		svc := newTestMemoService(db, gw, false)
		memoID := uuid.New().String()

		expectMemo(dbMock, memoID, "pending")
		gw.On("LoadAccount", ctx, buyerKP.Address()).Return(accountWith(buyerKP, "", false), nil)

		_, err = svc.PayMemo(ctx, memoID, buyerKP.Seed())
		require.Error(t, err)
		assert.Equal(t, http.StatusBadRequest, StatusFor(err))
		assert.Contains(t, err.Error(), "trustline")
		gw.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("insufficient balance is rejected before submit", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		gw := &MockGateway{}
		svc := newTestMemoService(db, gw, false)
		memoID := uuid.New().String()

		expectMemo(dbMock, memoID, "pending")
		gw.On("LoadAccount", ctx, buyerKP.Address()).Return(accountWith(buyerKP, "5.0000000", true), nil)

		_, err = svc.PayMemo(ctx, memoID, buyerKP.Seed())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Insufficient BD balance")
		gw.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
	})

	t.Run("ledger failure keeps the payment and warns", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		gw := &MockGateway{}
		svc := newTestMemoService(db, gw, false)
		memoID := uuid.New().String()

		expectMemo(dbMock, memoID, "pending")
		expectPayment(gw, ctx, "100.0000000", "hash-warn")
		dbMock.ExpectExec("UPDATE services").WillReturnResult(sqlmock.NewResult(0, 1))
		expectNoLedgerRows(dbMock, "hash-warn")
		expectUnlinked(dbMock, buyerKP.Address(), sellerKP.Address())
		dbMock.ExpectExec("INSERT INTO transactions").WillReturnError(errors.New("disk full"))

		resp, err := svc.PayMemo(ctx, memoID, buyerKP.Seed())
		require.NoError(t, err)
		assert.Equal(t, "completed", resp.Status)
		assert.Equal(t, "hash-warn", resp.TxHash)
		assert.Nil(t, resp.TransactionLog)
		assert.Contains(t, resp.Warning, "transaction logging failed")
	})
}

func TestMemoService_PayForMemoHandler(t *testing.T) {
	db, dbMock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	gw := &MockGateway{}
	svc := newTestMemoService(db, gw, false)
	memoID := uuid.New().String()

	body, _ := json.Marshal(PayForMemoRequest{BuyerSecret: buyerKP.Seed(), MemoID: memoID})
	pay := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/memos/pay-for-memo", bytes.NewReader(body))
		rr := httptest.NewRecorder()
		svc.PayForMemo(rr, req)
		return rr
	}

	expectMemo(dbMock, memoID, "pending")
	gw.On("LoadAccount", mock.Anything, buyerKP.Address()).Return(accountWith(buyerKP, "100.0000000", true), nil)
	gw.On("BaseFee", mock.Anything).Return(int64(100), nil)
	gw.On("Submit", mock.Anything, mock.Anything).Return("hash-e2e", nil).Once()
	dbMock.ExpectExec("UPDATE services").WillReturnResult(sqlmock.NewResult(0, 1))
	expectNoLedgerRows(dbMock, "hash-e2e")
	expectUnlinked(dbMock, buyerKP.Address(), sellerKP.Address())
	dbMock.ExpectExec("INSERT INTO transactions").WillReturnResult(sqlmock.NewResult(0, 2))

	first := pay()
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())

	var resp MemoPaymentResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &resp))
	assert.Equal(t, "completed", resp.Status)
	assert.Equal(t, "hash-e2e", resp.TxHash)

	// A second payment sees the memo completed and never reaches the network.
	expectMemo(dbMock, memoID, "completed")

	second := pay()
	assert.Equal(t, http.StatusBadRequest, second.Code)
	assert.Contains(t, second.Body.String(), "already paid")
	gw.AssertNumberOfCalls(t, "Submit", 1)
	assert.NoError(t, dbMock.ExpectationsWereMet())
}

func TestMemoService_PayForMemoValidation(t *testing.T) {
	svc := newTestMemoService(nil, &MockGateway{}, false)

	tests := []struct {
		name string
		body string
	}{
		{"bad secret", `{"buyerSecret":"nope","memoId":"` + uuid.New().String() + `"}`},
		{"bad memo id", `{"buyerSecret":"` + buyerKP.Seed() + `","memoId":"42"}`},
		{"unknown field", `{"buyerSecret":"` + buyerKP.Seed() + `","memoId":"` + uuid.New().String() + `","extra":1}`},
		{"two objects", `{} {}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/memos/pay-for-memo", bytes.NewBufferString(tt.body))
			rr := httptest.NewRecorder()
			svc.PayForMemo(rr, req)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}

func TestMemoService_CreateMemo(t *testing.T) {
	db, dbMock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	svc := newTestMemoService(db, &MockGateway{}, false)

	dbMock.ExpectExec("INSERT INTO services").
		WithArgs(sqlmock.AnyArg(), sellerKP.Address(), "12.5000000", "BD", nil, "Invoice 42", nil, nil, "pending", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := `{"creatorKey":"` + sellerKP.Address() + `","memo":"Invoice 42","bdAmount":"12.5","assetId":"BD"}`
	req := httptest.NewRequest(http.MethodPost, "/api/memos/create", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	svc.CreateMemo(rr, req)

	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var out map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	_, err = uuid.Parse(out["memoId"])
	assert.NoError(t, err)
	assert.NoError(t, dbMock.ExpectationsWereMet())

	t.Run("memo longer than 28 bytes", func(t *testing.T) {
		body := `{"creatorKey":"` + sellerKP.Address() + `","memo":"this memo is far too long for stellar","bdAmount":1,"assetId":"BD"}`
		req := httptest.NewRequest(http.MethodPost, "/api/memos/create", bytes.NewBufferString(body))
		rr := httptest.NewRecorder()
		svc.CreateMemo(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("non positive amount", func(t *testing.T) {
		body := `{"creatorKey":"` + sellerKP.Address() + `","memo":"x","bdAmount":0,"assetId":"BD"}`
		req := httptest.NewRequest(http.MethodPost, "/api/memos/create", bytes.NewBufferString(body))
		rr := httptest.NewRecorder()
		svc.CreateMemo(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("amount below one stroop", func(t *testing.T) {
		body := `{"creatorKey":"` + sellerKP.Address() + `","memo":"x","bdAmount":"0.00000001","assetId":"BD"}`
		req := httptest.NewRequest(http.MethodPost, "/api/memos/create", bytes.NewBufferString(body))
		rr := httptest.NewRecorder()
		svc.CreateMemo(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), "rounds to zero")
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}

func TestMemoService_ListServices(t *testing.T) {
	db, dbMock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	svc := newTestMemoService(db, &MockGateway{}, false)
	now := time.Now()

	dbMock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM services WHERE status = \\$1").
		WithArgs("pending").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	dbMock.ExpectQuery("SELECT (.+) FROM services WHERE status = \\$1 ORDER BY created_at DESC LIMIT \\$2 OFFSET \\$3").
		WithArgs("pending", 5, 0).
		WillReturnRows(sqlmock.NewRows(memoColumns).
			AddRow("m1", sellerKP.Address(), nil, "1.0000000", "BD", nil, "memo", nil, nil, "pending", nil, now, now))

	req := httptest.NewRequest(http.MethodGet, "/api/services?limit=5", nil)
	rr := httptest.NewRecorder()
	svc.ListServices(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var out struct {
		Services []map[string]any `json:"services"`
		Total    int              `json:"total"`
		Limit    int              `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.Len(t, out.Services, 1)
	assert.Equal(t, 1, out.Total)
	assert.Equal(t, 5, out.Limit)

	t.Run("limit out of range", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/services?limit=500", nil)
		rr := httptest.NewRecorder()
		svc.ListServices(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("row iteration error", func(t *testing.T) {
		dbMock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM services").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
		dbMock.ExpectQuery("SELECT (.+) FROM services WHERE status = \\$1 ORDER BY").
			WillReturnRows(sqlmock.NewRows(memoColumns).
				AddRow("m1", sellerKP.Address(), nil, "1.0000000", "BD", nil, "memo", nil, nil, "pending", nil, now, now).
				AddRow("m2", sellerKP.Address(), nil, "2.0000000", "BD", nil, "memo", nil, nil, "pending", nil, now, now).
				RowError(1, errors.New("connection reset")))

		req := httptest.NewRequest(http.MethodGet, "/api/services", nil)
		rr := httptest.NewRecorder()
		svc.ListServices(rr, req)
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}
