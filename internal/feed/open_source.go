package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"dipper/internal/model"
)

// OpenClient fetches daily open prices over the feed's REST API. Fetching the
// same day twice is harmless.
type OpenClient struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

// NewOpenClient builds a REST open-price source.
func NewOpenClient(client *http.Client, baseURL, apiKey string) *OpenClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &OpenClient{
		client:  client,
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

type openCloseResponse struct {
	Status string  `json:"status"`
	Symbol string  `json:"symbol"`
	Open   float64 `json:"open"`
}

// FetchOpen returns the opening price of symbol for the given trading day.
func (c *OpenClient) FetchOpen(ctx context.Context, symbol string, day model.Day) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/v1/open-close/%s/%s?adjusted=true&apiKey=%s", c.baseURL, symbol, day, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Decimal{}, errors.Wrap(err, "build open-close request")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, errors.Wrap(err, "request open-close")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, errors.Errorf("open-close status %d for %s", resp.StatusCode, symbol)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Decimal{}, errors.Wrap(err, "read open-close body")
	}

	var parsed openCloseResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return decimal.Decimal{}, errors.Wrap(err, "decode open-close body")
	}
	if parsed.Status != "OK" {
		return decimal.Decimal{}, errors.Errorf("open-close status %q for %s", parsed.Status, symbol)
	}
	return decimal.NewFromFloat(parsed.Open), nil
}
