// Package roster resolves broadcast scopes against the external membership
// service.
package roster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// Client calls the membership service's roster endpoint. The service owns
// the membership data; we only consume the resolved user ID set.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With("component", "RosterClient"),
	}
}

type rosterResponse struct {
	UserIDs []string `json:"user_ids"`
}

func (c *Client) ResolveBroadcast(ctx context.Context, scope string) ([]urn.URN, error) {
	endpoint := fmt.Sprintf("%s/api/v1/roster/%s", c.baseURL, url.PathEscape(scope))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build roster request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("roster request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("roster service returned status %d for scope %q", resp.StatusCode, scope)
	}

	var body rosterResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode roster response: %w", err)
	}

	users := make([]urn.URN, 0, len(body.UserIDs))
	for _, raw := range body.UserIDs {
		user, err := urn.Parse(raw)
		// Parse is lenient and will coerce bare strings into a default
		// namespace; only rows that round-trip are real URNs. A bad row
		// should not sink the whole broadcast.
		if err != nil || user.String() != raw {
			c.logger.Warn("Skipping invalid roster entry", "user_id", raw, "err", err)
			continue
		}
		users = append(users, user)
	}
	return users, nil
}
