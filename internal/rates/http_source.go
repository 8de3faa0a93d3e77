package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPSource queries a REST rate feed:
//
//	GET {base}/apr?chainId=1&underlyingToken=0x...
//	-> {"apr": "3.52"}
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) AnnualRate(ctx context.Context, chainID int64, underlyingToken string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("chainId", strconv.FormatInt(chainID, 10))
	q.Set("underlyingToken", underlyingToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/apr?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("rate feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("rate feed: status %d", resp.StatusCode)
	}

	var payload struct {
		APR string `json:"apr"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Zero, fmt.Errorf("rate feed: decode: %w", err)
	}

	apr, err := decimal.NewFromString(payload.APR)
	if err != nil {
		return decimal.Zero, fmt.Errorf("rate feed: bad apr %q: %w", payload.APR, err)
	}
	return apr, nil
}

// StaticSource serves rates from a fixed table, for wiring without a live
// feed and for tests. Keys are underlying token addresses.
type StaticSource struct {
	Rates map[string]decimal.Decimal
	Err   error
}

func (s StaticSource) AnnualRate(_ context.Context, _ int64, underlyingToken string) (decimal.Decimal, error) {
	if s.Err != nil {
		return decimal.Zero, s.Err
	}
	apr, ok := s.Rates[underlyingToken]
	if !ok {
		return decimal.Zero, errors.New("no rate configured")
	}
	return apr, nil
}
