package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/metagate-io/metagate/config"
	"github.com/metagate-io/metagate/errors"
	"github.com/metagate-io/metagate/internal/httpclient"
)

// Client posts receipts to the collector's JSON-RPC endpoint.
type Client struct {
	endpoint  string
	authToken string
	http      *httpclient.SaferClient
}

// NewClient builds a client from mirror configuration. Returns nil when
// the mirror is disabled or has no endpoint; callers treat a nil client
// as "skip export".
func NewClient(cfg config.MirrorConfig) *Client {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return nil
	}
	return &Client{
		endpoint:  normalizeEndpoint(cfg.Endpoint),
		authToken: cfg.AuthToken,
		// Collectors commonly run on the local network, so the private-IP
		// dial guard stays off here. Scheme and redirect checks remain.
		http: httpclient.New(cfg.Timeout(), httpclient.Options{AllowPrivateIP: true}),
	}
}

// normalizeEndpoint appends the collector's /mcp path when the operator
// configured only the base URL.
func normalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimRight(endpoint, "/")
	if !strings.HasSuffix(endpoint, "/mcp") {
		endpoint += "/mcp"
	}
	return endpoint
}

type rpcResponse struct {
	Error json.RawMessage `json:"error"`
}

// Emit posts one receipt. Any failure is returned for the drainer to log
// and record; nothing retries inline.
func (c *Client) Emit(ctx context.Context, receipt map[string]any) error {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      "receiptgate.submit_receipt",
			"arguments": map[string]any{"receipt": receipt},
		},
	})
	if err != nil {
		return errors.Wrap(err, "marshal receipt")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build receipt request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "post receipt")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Newf("collector returned status %d", resp.StatusCode)
	}

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return errors.Wrap(err, "decode collector response")
	}
	if len(decoded.Error) > 0 && string(decoded.Error) != "null" {
		return errors.Newf("collector rejected receipt: %s", decoded.Error)
	}
	return nil
}
