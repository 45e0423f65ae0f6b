package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	trustchain "github.com/trustchain-go/go-trustchain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Client reads a remote ledger served by Handler. It implements trustchain.Ledger.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

var _ Store = (*Client)(nil)

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", trustchain.ErrBlockNotFound, path)
	default:
		var body errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("ledger HTTP request failed (%d): %s", resp.StatusCode, body.Message)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) BlockAt(ctx context.Context, height int64) (*trustchain.Block, error) {
	var block trustchain.Block
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/blocks/%d", height), nil, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

func (c *Client) BlockHash(ctx context.Context, height int64) (string, error) {
	var body struct {
		Hash string `json:"hash"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/blocks/%d/hash", height), nil, &body); err != nil {
		return "", err
	}
	return body.Hash, nil
}

func (c *Client) Height(ctx context.Context) (int64, error) {
	var body struct {
		Height int64 `json:"height"`
	}
	if err := c.do(ctx, http.MethodGet, "/tip", nil, &body); err != nil {
		return 0, err
	}
	return body.Height, nil
}

// Append asks the remote ledger to anchor the given CIDs in a new block
func (c *Client) Append(ctx context.Context, anchors []string) (*trustchain.Block, error) {
	var block trustchain.Block
	if err := c.do(ctx, http.MethodPost, "/blocks", AppendRequest{Anchors: anchors}, &block); err != nil {
		return nil, err
	}
	return &block, nil
}
