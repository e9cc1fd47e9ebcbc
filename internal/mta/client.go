package mta

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	http        *http.Client
	vehiclesURL string
	stopsURL    string
	apiKey      string
}

// NewClient builds a feed client. stopsURL is the stops-for-route base; the
// line ref and ".json" are appended per request.
func NewClient(vehiclesURL, stopsURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		http:        &http.Client{Timeout: timeout},
		vehiclesURL: vehiclesURL,
		stopsURL:    strings.TrimRight(stopsURL, "/"),
		apiKey:      apiKey,
	}
}

// VehicleMonitoring fetches the current position of every vehicle.
func (c *Client) VehicleMonitoring(ctx context.Context) (*VehicleMonitoring, error) {
	u, err := c.withKey(c.vehiclesURL, url.Values{"version": {"2"}})
	if err != nil {
		return nil, err
	}
	var vm VehicleMonitoring
	if err := c.getJSON(ctx, u, &vm); err != nil {
		return nil, fmt.Errorf("vehicle monitoring: %w", err)
	}
	return &vm, nil
}

// StopsForRoute fetches the direction-indexed stop order of a line.
func (c *Client) StopsForRoute(ctx context.Context, lineRef string) (map[int][]string, error) {
	base := c.stopsURL + "/" + url.PathEscape(lineRef) + ".json"
	u, err := c.withKey(base, url.Values{"includePolylines": {"false"}, "version": {"2"}})
	if err != nil {
		return nil, err
	}
	var sfr StopsForRoute
	if err := c.getJSON(ctx, u, &sfr); err != nil {
		return nil, fmt.Errorf("stops for route %s: %w", lineRef, err)
	}
	dirs := sfr.Directions()
	if len(dirs) == 0 {
		return nil, fmt.Errorf("stops for route %s: no stop groups", lineRef)
	}
	return dirs, nil
}

func (c *Client) withKey(raw string, extra url.Values) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid feed url %q: %w", raw, err)
	}
	q := u.Query()
	if c.apiKey != "" {
		q.Set("key", c.apiKey)
	}
	for k, v := range extra {
		if q.Get(k) == "" {
			q[k] = v
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) getJSON(ctx context.Context, u string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
