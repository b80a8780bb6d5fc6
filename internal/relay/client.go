package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cheildo/nexus-clash-matchmaker/internal/session"
)

// HTTPClient is an Allocator talking to a remote relay service.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient returns a client for the relay API rooted at baseURL
// (for example "http://relay:8090/v1"). Deadlines come from the caller's context.
func NewHTTPClient(baseURL string, client *http.Client) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

var _ Allocator = (*HTTPClient)(nil)

func (c *HTTPClient) AllocateHost(ctx context.Context, maxConnections int) (session.Credentials, error) {
	var payload credentialsPayload
	if err := c.do(ctx, http.MethodPost, "/allocations", allocateRequest{MaxConnections: maxConnections}, &payload); err != nil {
		return session.Credentials{}, err
	}
	return payload.credentials()
}

func (c *HTTPClient) JoinCode(ctx context.Context, allocationID string) (string, error) {
	var resp joinCodeResponse
	path := "/allocations/" + url.PathEscape(allocationID) + "/join-code"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	if resp.JoinCode == "" {
		return "", fmt.Errorf("relay returned an empty join code for %s", allocationID)
	}
	return resp.JoinCode, nil
}

func (c *HTTPClient) JoinByCode(ctx context.Context, code string) (session.Credentials, error) {
	var payload credentialsPayload
	if err := c.do(ctx, http.MethodPost, "/joins", joinRequest{JoinCode: code}, &payload); err != nil {
		return session.Credentials{}, err
	}
	return payload.credentials()
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode relay response: %w", err)
	}
	return nil
}

// decodeError turns an error body back into the matching sentinel.
func decodeError(resp *http.Response) error {
	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("relay returned status %d", resp.StatusCode)
	}
	for sentinel, code := range errorCodes {
		if body.Code != code {
			continue
		}
		if body.Error == sentinel.Error() {
			return sentinel
		}
		return fmt.Errorf("%w: %s", sentinel, strings.TrimPrefix(body.Error, sentinel.Error()+": "))
	}
	return fmt.Errorf("relay returned status %d: %s", resp.StatusCode, body.Error)
}
