package stellar

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Friendbot funds new testnet accounts.
type Friendbot struct {
	baseURL string
	client  *http.Client
}

func NewFriendbot(baseURL string, client *http.Client) *Friendbot {
	if client == nil {
		client = http.DefaultClient
	}
	return &Friendbot{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (f *Friendbot) Fund(ctx context.Context, publicKey string) error {
	endpoint := fmt.Sprintf("%s/?addr=%s", f.baseURL, url.QueryEscape(publicKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("friendbot request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("friendbot returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
