package services

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	proposalColumns = []string{"id", "request_id", "provider_key", "proposal_text", "bid_amount", "status", "created_at", "updated_at"}
	requestColumns  = []string{"id", "client_key", "description", "budget", "status", "stellar_transaction_hash", "created_at", "updated_at"}
)

const (
	testRequestID  = "0b7f6f5e-2a53-4d8c-9a0b-1c2d3e4f5a6b"
	testProposalID = "9c1d2e3f-4a5b-4c6d-8e7f-0a1b2c3d4e5f"
)

func newTestMarketplace(db *sql.DB, gw *MockGateway) *MarketplaceService {
	svc := NewMarketplaceService(db, NewTransferExecutor(gw, nil, 30), &Settlement{Recorder: newTestRecorder(db)}, bdAsset)
	n := 0
	svc.newID = func() string {
		n++
		return []string{testRequestID, testProposalID}[(n-1)%2]
	}
	return svc
}

func expectProposal(m sqlmock.Sqlmock, status string) {
	now := time.Now()
	m.ExpectQuery("SELECT (.+) FROM service_proposals WHERE id = \\$1").
		WithArgs(testProposalID).
		WillReturnRows(sqlmock.NewRows(proposalColumns).
			AddRow(testProposalID, testRequestID, sellerKP.Address(), "I can do it", "45.0000000", status, now, now))
}

func expectRequest(m sqlmock.Sqlmock, status string) {
	now := time.Now()
	m.ExpectQuery("SELECT (.+) FROM service_requests WHERE id = \\$1").
		WithArgs(testRequestID).
		WillReturnRows(sqlmock.NewRows(requestColumns).
			AddRow(testRequestID, buyerKP.Address(), "logo design", "50.0000000", status, nil, now, now))
}

func TestMarketplaceService_Pay(t *testing.T) {
	ctx := context.Background()
	in := PayForServiceInput{ProposalID: testProposalID, ClientSecret: buyerKP.Seed()}

	t.Run("accepted proposal is paid", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		gw := &MockGateway{}
		svc := newTestMarketplace(db, gw)

		expectProposal(dbMock, "accepted")
		expectRequest(dbMock, "accepted")
		gw.On("LoadAccount", ctx, buyerKP.Address()).Return(accountWith(buyerKP, "100.0000000", true), nil)
		gw.On("LoadAccount", ctx, sellerKP.Address()).Return(accountWith(sellerKP, "0.0000000", true), nil)
		gw.On("BaseFee", ctx).Return(int64(100), nil)
		gw.On("Submit", ctx, mock.Anything).Return("hash-svc", nil)

		dbMock.ExpectBegin()
		dbMock.ExpectExec("UPDATE service_proposals SET status = \\$1").
			WithArgs("paid", sqlmock.AnyArg(), testProposalID, "accepted").
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec("UPDATE service_requests SET status = \\$1, stellar_transaction_hash = \\$2").
			WithArgs("paid", "hash-svc", sqlmock.AnyArg(), testRequestID, "accepted").
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectCommit()
		expectNoLedgerRows(dbMock, "hash-svc")
		expectUnlinked(dbMock, buyerKP.Address(), sellerKP.Address())
		dbMock.ExpectExec("INSERT INTO transactions").WillReturnResult(sqlmock.NewResult(0, 2))

		resp, err := svc.Pay(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, "paid", resp.Status)
		assert.Equal(t, "hash-svc", resp.TransactionHash)
		require.NotNil(t, resp.TransactionLog)
		assert.Equal(t, "-45.0000000", resp.TransactionLog.DebitEntry.Amount)
		assert.Equal(t, testProposalID, resp.TransactionLog.CreditEntry.ProductID)
		assert.Empty(t, resp.Warning)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("ledger failure keeps the payment and warns", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		gw := &MockGateway{}
		svc := newTestMarketplace(db, gw)

		expectProposal(dbMock, "accepted")
		expectRequest(dbMock, "accepted")
		gw.On("LoadAccount", ctx, buyerKP.Address()).Return(accountWith(buyerKP, "100.0000000", true), nil)
		gw.On("LoadAccount", ctx, sellerKP.Address()).Return(accountWith(sellerKP, "0.0000000", true), nil)
		gw.On("BaseFee", ctx).Return(int64(100), nil)
		gw.On("Submit", ctx, mock.Anything).Return("hash-svc-warn", nil)

		dbMock.ExpectBegin()
		dbMock.ExpectExec("UPDATE service_proposals").WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec("UPDATE service_requests").WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectCommit()
		expectNoLedgerRows(dbMock, "hash-svc-warn")
		expectUnlinked(dbMock, buyerKP.Address(), sellerKP.Address())
		dbMock.ExpectExec("INSERT INTO transactions").WillReturnError(errors.New("disk full"))

		resp, err := svc.Pay(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, "paid", resp.Status)
		assert.Equal(t, "hash-svc-warn", resp.TransactionHash)
		assert.Nil(t, resp.TransactionLog)
		assert.Contains(t, resp.Warning, "transaction logging failed")
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("issuer other than the configured one", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		gw := &MockGateway{}
		svc := newTestMarketplace(db, gw)

		expectProposal(dbMock, "accepted")
		expectRequest(dbMock, "accepted")

		_, err = svc.Pay(ctx, PayForServiceInput{ProposalID: testProposalID, ClientSecret: buyerKP.Seed(), BDIssuer: buyerKP.Address()})
		require.Error(t, err)
		assert.Equal(t, http.StatusBadRequest, StatusFor(err))
		assert.Contains(t, err.Error(), "Invalid bdIssuer")
		gw.AssertNotCalled(t, "LoadAccount", mock.Anything, mock.Anything)
		gw.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
	})

	t.Run("provider without trustline", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		gw := &MockGateway{}
		svc := newTestMarketplace(db, gw)

		expectProposal(dbMock, "accepted")
		expectRequest(dbMock, "accepted")
		gw.On("LoadAccount", ctx, buyerKP.Address()).Return(accountWith(buyerKP, "100.0000000", true), nil)
		gw.On("LoadAccount", ctx, sellerKP.Address()).Return(accountWith(sellerKP, "", false), nil)

		_, err = svc.Pay(ctx, in)
		require.Error(t, err)
		assert.Equal(t, "Provider does not have a trustline to the BD asset", err.Error())
		assert.Equal(t, http.StatusBadRequest, StatusFor(err))
		gw.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
	})

	t.Run("already paid", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		gw := &MockGateway{}
		svc := newTestMarketplace(db, gw)

		expectProposal(dbMock, "paid")
		expectRequest(dbMock, "paid")

		_, err = svc.Pay(ctx, in)
		require.Error(t, err)
		assert.Equal(t, "Proposal not accepted or already paid", err.Error())
		gw.AssertNotCalled(t, "LoadAccount", mock.Anything, mock.Anything)
	})

	t.Run("secret of another account", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		gw := &MockGateway{}
		svc := newTestMarketplace(db, gw)

		expectProposal(dbMock, "accepted")
		expectRequest(dbMock, "accepted")

		_, err = svc.Pay(ctx, PayForServiceInput{ProposalID: testProposalID, ClientSecret: sellerKP.Seed()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "only the requesting client")
	})

	t.Run("unknown proposal", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		svc := newTestMarketplace(db, &MockGateway{})
		dbMock.ExpectQuery("SELECT (.+) FROM service_proposals").WillReturnRows(sqlmock.NewRows(proposalColumns))

		_, err = svc.Pay(ctx, in)
		assert.Equal(t, http.StatusNotFound, StatusFor(err))
	})
}

func TestMarketplaceService_GetRequest(t *testing.T) {
	get := func(svc *MarketplaceService, id string) *httptest.ResponseRecorder {
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("requestId", id)
		req := httptest.NewRequest(http.MethodGet, "/api/services/requests/"+id, nil)
		req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
		rr := httptest.NewRecorder()
		svc.GetRequest(rr, req)
		return rr
	}
	proposalRow := func(rows *sqlmock.Rows, id string) *sqlmock.Rows {
		now := time.Now()
		return rows.AddRow(id, testRequestID, sellerKP.Address(), "I can do it", "45.0000000", "pending", now, now)
	}

	t.Run("request with proposals", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		expectRequest(dbMock, "open")
		dbMock.ExpectQuery("SELECT (.+) FROM service_proposals WHERE request_id = \\$1").
			WithArgs(testRequestID).
			WillReturnRows(proposalRow(sqlmock.NewRows(proposalColumns), testProposalID))

		rr := get(newTestMarketplace(db, &MockGateway{}), testRequestID)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Contains(t, rr.Body.String(), testProposalID)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("row iteration error", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		expectRequest(dbMock, "open")
		rows := proposalRow(proposalRow(sqlmock.NewRows(proposalColumns), testProposalID), "5e6f7a8b-9c0d-4e1f-a2b3-c4d5e6f7a8b9").
			RowError(1, errors.New("connection reset"))
		dbMock.ExpectQuery("SELECT (.+) FROM service_proposals WHERE request_id = \\$1").WillReturnRows(rows)

		rr := get(newTestMarketplace(db, &MockGateway{}), testRequestID)
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("malformed id", func(t *testing.T) {
		rr := get(newTestMarketplace(nil, &MockGateway{}), "not-a-uuid")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestMarketplaceService_Accept(t *testing.T) {
	ctx := context.Background()

	t.Run("accepts and rejects siblings", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		svc := newTestMarketplace(db, &MockGateway{})

		dbMock.ExpectBegin()
		expectProposal(dbMock, "pending")
		dbMock.ExpectExec("UPDATE service_proposals SET status = \\$1, updated_at = \\$2 WHERE id = \\$3").
			WithArgs("accepted", sqlmock.AnyArg(), testProposalID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec("UPDATE service_requests").
			WithArgs("accepted", sqlmock.AnyArg(), testRequestID, "open").
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec("UPDATE service_proposals SET status = \\$1, updated_at = \\$2 WHERE request_id = \\$3").
			WithArgs("rejected", sqlmock.AnyArg(), testRequestID, testProposalID, "pending").
			WillReturnResult(sqlmock.NewResult(0, 2))
		dbMock.ExpectCommit()

		require.NoError(t, svc.Accept(ctx, testProposalID))
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("request already taken", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		svc := newTestMarketplace(db, &MockGateway{})

		dbMock.ExpectBegin()
		expectProposal(dbMock, "pending")
		dbMock.ExpectExec("UPDATE service_proposals").WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec("UPDATE service_requests").WillReturnResult(sqlmock.NewResult(0, 0))
		dbMock.ExpectRollback()

		err = svc.Accept(ctx, testProposalID)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no longer open")
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("proposal not pending", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		svc := newTestMarketplace(db, &MockGateway{})

		dbMock.ExpectBegin()
		expectProposal(dbMock, "rejected")
		dbMock.ExpectRollback()

		err = svc.Accept(ctx, testProposalID)
		assert.Equal(t, http.StatusBadRequest, StatusFor(err))
	})
}

func TestMarketplaceService_CreateAndPropose(t *testing.T) {
	db, dbMock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	svc := newTestMarketplace(db, &MockGateway{})

	dbMock.ExpectExec("INSERT INTO service_requests").
		WithArgs(testRequestID, buyerKP.Address(), "logo design", "50.0000000", "open", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := `{"clientKey":"` + buyerKP.Address() + `","description":"logo design","budget":50}`
	rr := httptest.NewRecorder()
	svc.CreateRequest(rr, httptest.NewRequest(http.MethodPost, "/api/services/request", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), testRequestID)

	expectRequest(dbMock, "open")
	dbMock.ExpectExec("INSERT INTO service_proposals").
		WithArgs(testProposalID, testRequestID, sellerKP.Address(), "I can do it", "45.0000000", "pending", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	body = `{"requestId":"` + testRequestID + `","providerKey":"` + sellerKP.Address() + `","proposalText":"I can do it","bidAmount":"45"}`
	rr = httptest.NewRecorder()
	svc.Propose(rr, httptest.NewRequest(http.MethodPost, "/api/services/propose", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.NoError(t, dbMock.ExpectationsWereMet())

	t.Run("proposal on closed request", func(t *testing.T) {
		expectRequest(dbMock, "accepted")
		rr := httptest.NewRecorder()
		svc.Propose(rr, httptest.NewRequest(http.MethodPost, "/api/services/propose", bytes.NewBufferString(body)))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}
