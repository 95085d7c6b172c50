package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// HTTPSource fetches oracle prices from a JSON price API. The endpoint is
// expected to answer GET {base}?oracle=0x..&block=N with a body of the form
// {"price": "<decimal string, scaled 1e36>"}.
type HTTPSource struct {
	base   string
	client *http.Client
}

func NewHTTPSource(base string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSource{
		base:   base,
		client: &http.Client{Timeout: timeout},
	}
}

type priceResponse struct {
	Price string `json:"price"`
}

func (s *HTTPSource) Price(ctx context.Context, oracle common.Address, block uint64) (*big.Int, error) {
	q := url.Values{}
	q.Set("oracle", oracle.Hex())
	q.Set("block", fmt.Sprintf("%d", block))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build price request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch price: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("price api returned %d for oracle %s", resp.StatusCode, oracle.Hex())
	}

	var body priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode price response: %w", err)
	}

	price, ok := new(big.Int).SetString(body.Price, 10)
	if !ok {
		return nil, fmt.Errorf("invalid price %q for oracle %s", body.Price, oracle.Hex())
	}
	if price.Sign() < 0 {
		return nil, fmt.Errorf("negative price for oracle %s", oracle.Hex())
	}
	return price, nil
}
