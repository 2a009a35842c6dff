package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Credentials holds a venue's API key/secret pair, read from environment
// variables by internal/envsetup. The core never inspects their contents
// beyond non-emptiness.
type Credentials struct {
	APIKey    string
	APISecret string
	BaseURL   string
}

// Signer signs a query/body for a specific venue's auth scheme.
type Signer interface {
	Sign(method, path string, query url.Values, body []byte, ts time.Time) (headers map[string]string, signedQuery url.Values)
}

// HTTPClient is the thin shared transport the two venue-specific adapters
// build on: one long-lived *http.Client per venue, explicit timeout, JSON
// body decode, status codes mapped onto the failure taxonomy.
type HTTPClient struct {
	Creds  Credentials
	Signer Signer
	HC     *http.Client
}

// NewHTTPClient builds a client with a 10s timeout.
func NewHTTPClient(creds Credentials, signer Signer) *HTTPClient {
	return &HTTPClient{
		Creds:  creds,
		Signer: signer,
		HC:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Do issues a signed or unsigned request and decodes the JSON response into out.
func (c *HTTPClient) Do(ctx context.Context, method, path string, query url.Values, body []byte, signed bool, out interface{}) (*http.Response, error) {
	if query == nil {
		query = url.Values{}
	}
	headers := map[string]string{}
	if signed {
		h, q := c.Signer.Sign(method, path, query, body, time.Now())
		headers = h
		query = q
	}

	u := c.Creds.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, &Error{Kind: ErrTransport, Msg: err.Error(), Err: err}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HC.Do(req)
	if err != nil {
		return nil, &Error{Kind: ErrTransport, Msg: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, &Error{Kind: ErrTransport, Msg: err.Error(), Err: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418 {
		return resp, &Error{Kind: ErrRateLimited, Code: strconv.Itoa(resp.StatusCode), Msg: string(raw)}
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return resp, &Error{Kind: ErrAuth, Code: strconv.Itoa(resp.StatusCode), Msg: string(raw)}
	}
	if resp.StatusCode == http.StatusNotFound {
		return resp, &Error{Kind: ErrNotFound, Code: strconv.Itoa(resp.StatusCode), Msg: string(raw)}
	}
	if resp.StatusCode >= 400 {
		return resp, &Error{Kind: ErrVenueReject, Code: strconv.Itoa(resp.StatusCode), Msg: string(raw)}
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp, &Error{Kind: ErrTransport, Msg: fmt.Sprintf("decode: %v", err), Err: err}
		}
	}
	return resp, nil
}
