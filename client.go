package trustchain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/carlmjohnson/versioninfo"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

var (
	ErrDIDNotFound = errors.New("DID not found")
)

// PublishRequest is the body of a publish (POST /{did}) request to a registry
type PublishRequest struct {
	Document         *Doc             `json:"didDocument"`
	DocumentMetadata DocumentMetadata `json:"didDocumentMetadata"`
}

// Client talks to a registry over HTTP. It implements Resolver.
type Client struct {
	DirectoryURL string
	UserAgent    string
	HTTPClient   *http.Client
	// optional; when set, every request waits on the limiter first
	Limiter *rate.Limiter
}

var _ Resolver = (*Client)(nil)

// DefaultClientTimeout applies when Client.HTTPClient is nil
const DefaultClientTimeout = 30 * time.Second

var defaultHTTPClient = &http.Client{
	Timeout:   DefaultClientTimeout,
	Transport: otelhttp.NewTransport(http.DefaultTransport),
}

// NewRateLimitedClient returns a client which makes at most perSecond requests per second, with the given burst.
func NewRateLimitedClient(directoryURL string, perSecond float64, burst int) *Client {
	return &Client{
		DirectoryURL: directoryURL,
		Limiter:      rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return defaultHTTPClient
}

func (c *Client) userAgent() string {
	if c.UserAgent != "" {
		return c.UserAgent
	}
	return fmt.Sprintf("go-trustchain/%s", versioninfo.Short())
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}

	u := strings.TrimSuffix(c.DirectoryURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient().Do(req)
}

func readError(resp *http.Response) error {
	var body struct {
		Message string `json:"message"`
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(b, &body); err == nil && body.Message != "" {
		return fmt.Errorf("registry HTTP request failed (%d): %s", resp.StatusCode, body.Message)
	}
	return fmt.Errorf("registry HTTP request failed (%d)", resp.StatusCode)
}

// ResolveResult fetches the full resolution result for a DID.
func (c *Client) ResolveResult(ctx context.Context, did string) (*ResolutionResult, error) {
	parsed, err := syntax.ParseDID(did)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodGet, "/1.0/identifiers/"+url.PathEscape(parsed.String()), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrDIDNotFound, did)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, readError(resp)
	}

	var result ResolutionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed decoding resolution result: %w", err)
	}
	return &result, nil
}

func (c *Client) Resolve(ctx context.Context, did string) (*ResolutionMetadata, *Doc, DocumentMetadata) {
	if _, err := syntax.ParseDID(did); err != nil {
		return &ResolutionMetadata{Error: ResolutionErrorInvalidDID}, nil, nil
	}
	result, err := c.ResolveResult(ctx, did)
	if errors.Is(err, ErrDIDNotFound) {
		return &ResolutionMetadata{Error: ResolutionErrorNotFound}, nil, nil
	}
	if err != nil {
		return &ResolutionMetadata{Error: fmt.Sprintf("%s: %v", ResolutionErrorInternal, err)}, nil, nil
	}
	if result.ResolutionMetadata == nil {
		result.ResolutionMetadata = &ResolutionMetadata{}
	}
	return result.ResolutionMetadata, result.Document, result.DocumentMetadata
}

// Submit publishes a document (and its metadata, carrying the controller proof) to the registry.
func (c *Client) Submit(ctx context.Context, doc *Doc, meta DocumentMetadata) error {
	parsed, err := syntax.ParseDID(doc.ID)
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, http.MethodPost, "/"+url.PathEscape(parsed.String()), PublishRequest{
		Document:         doc,
		DocumentMetadata: meta,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}
	return nil
}

// Chain asks the registry to build and verify the trust chain for a DID.
//
// The returned chain is whatever the registry sent; callers who don't trust the registry should run VerifyProofs on it.
func (c *Client) Chain(ctx context.Context, did string, rootEventTime Timestamp) (*Chain, error) {
	parsed, err := syntax.ParseDID(did)
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/%s/chain?rootEventTime=%d", url.PathEscape(parsed.String()), rootEventTime)
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readError(resp)
	}

	var chain Chain
	if err := json.NewDecoder(resp.Body).Decode(&chain); err != nil {
		return nil, fmt.Errorf("failed decoding chain: %w", err)
	}
	return &chain, nil
}
