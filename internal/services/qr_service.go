package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/skip2/go-qrcode"

	"github.com/bluedollar/backend/internal/logger"
	"github.com/bluedollar/backend/internal/models"
	"github.com/bluedollar/backend/internal/stellar"
)

const (
	sep7Scheme = "web+stellar:pay"
	qrTTL      = 5 * time.Minute
	qrSize     = 256
)

type memoLookup interface {
	GetMemo(ctx context.Context, memoID string) (*models.Memo, error)
}

// PaymentRequestQR is a SEP-7 pay URI for a memo and its QR rendering.
type PaymentRequestQR struct {
	MemoID string `json:"memo_id"`
	URI    string `json:"uri"`
	Image  string `json:"image"` // base64 PNG
}

// QRService renders wallet-scannable payment requests for pending memos.
// Rendered codes are cached in Redis; the memo state is read every time.
type QRService struct {
	memos      memoLookup
	redis      *redis.Client
	asset      stellar.Asset
	passphrase string
}

func NewQRService(memos memoLookup, redis *redis.Client, asset stellar.Asset, passphrase string) *QRService {
	return &QRService{
		memos:      memos,
		redis:      redis,
		asset:      asset,
		passphrase: passphrase,
	}
}

func (s *QRService) MemoPaymentRequest(ctx context.Context, memoID string) (*PaymentRequestQR, error) {
	memo, err := s.memos.GetMemo(ctx, memoID)
	if err != nil {
		return nil, err
	}
	if memo.Status != models.MemoPending {
		return nil, newPreconditionError("Memo already paid (status: %s)", memo.Status)
	}

	key := fmt.Sprintf("qr:memo:%s", memoID)
	if s.redis != nil {
		if data, err := s.redis.Get(ctx, key).Bytes(); err == nil {
			var cached PaymentRequestQR
			if json.Unmarshal(data, &cached) == nil {
				return &cached, nil
			}
		} else if err != redis.Nil {
			logger.WithError(err).Warn("[QR] Cache lookup failed")
		}
	}

	uri := s.PayURI(memo)
	png, err := qrcode.Encode(uri, qrcode.Medium, qrSize)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	result := &PaymentRequestQR{
		MemoID: memoID,
		URI:    uri,
		Image:  base64.StdEncoding.EncodeToString(png),
	}

	if s.redis != nil {
		data, _ := json.Marshal(result)
		if err := s.redis.Set(ctx, key, data, qrTTL).Err(); err != nil {
			logger.WithError(err).Warn("[QR] Cache write failed")
		}
	}
	return result, nil
}

// PayURI builds the SEP-7 pay request paying the memo's seller.
func (s *QRService) PayURI(memo *models.Memo) string {
	params := url.Values{}
	params.Set("destination", memo.SenderID)
	params.Set("amount", memo.Amount)
	if !s.asset.IsNative() {
		params.Set("asset_code", s.asset.Code)
		params.Set("asset_issuer", s.asset.Issuer)
	}
	params.Set("memo", truncateMemo(memo.Memo))
	params.Set("memo_type", "MEMO_TEXT")
	if s.passphrase != "" {
		params.Set("network_passphrase", s.passphrase)
	}
	// SEP-7 wants %20, Encode writes spaces as '+' and a literal '+' as %2B.
	return sep7Scheme + "?" + strings.ReplaceAll(params.Encode(), "+", "%20")
}

// ParsePayURI reads back the fields of a pay URI produced by PayURI.
func ParsePayURI(raw string) (url.Values, error) {
	query, ok := strings.CutPrefix(raw, sep7Scheme+"?")
	if !ok {
		return nil, newValidationError("Invalid payment request: expected %s URI", sep7Scheme)
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return nil, newValidationError("Invalid payment request: %v", err)
	}
	if values.Get("destination") == "" {
		return nil, newValidationError("Invalid payment request: missing destination")
	}
	return values, nil
}
