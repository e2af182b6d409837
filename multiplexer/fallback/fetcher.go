package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/papercomputeco/spool/pkg/checkpoint"
)

// StoreFetcher reads checkpoints from a shared store, typically one written
// by another replica consuming the primary stream.
func StoreFetcher(driver checkpoint.Driver) Fetcher {
	return FetcherFunc(func(ctx context.Context, messageID string) (*checkpoint.Checkpoint, error) {
		cp, err := driver.Get(ctx, messageID)
		if checkpoint.IsNotFound(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return cp, nil
	})
}

// HTTPFetcher polls GET {baseURL}/v1/messages/{id} on a remote spool API.
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
}

// NewHTTPFetcher returns an HTTPFetcher. A nil client gets a 10s timeout.
func NewHTTPFetcher(baseURL string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, messageID string) (*checkpoint.Checkpoint, error) {
	endpoint := f.baseURL + "/v1/messages/" + url.PathEscape(messageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building fallback request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fallback request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("fallback request returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var cp checkpoint.Checkpoint
	if err := json.NewDecoder(resp.Body).Decode(&cp); err != nil {
		return nil, fmt.Errorf("decoding fallback checkpoint: %w", err)
	}
	return &cp, nil
}
