// Package panel is a small abstraction over the three xflash panel HTTP
// endpoints this node talks to. It is intentionally thin: the panel's
// actual behavior is an external oracle, so this package only builds
// requests and decodes the documented response shapes.
package panel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gencl6ud/gencloud/internal/trojan"
)

const (
	configPath = "/api/v1/server/trojan/config"
	usersPath  = "/api/v1/server/trojan/users"
	submitPath = "/api/v1/server/trojan/submit"
)

// Client talks to one panel base URL on behalf of one node_id/token pair.
type Client struct {
	baseURL string
	token   string
	nodeID  byte
	http    *http.Client
}

// NewClient returns a Client. The base URL's trailing slash is stripped
// before path joining, matching the panel's expected URL shape.
func NewClient(baseURL, token string, nodeID byte) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		nodeID:  nodeID,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) query() url.Values {
	v := url.Values{}
	v.Set("token", c.token)
	v.Set("node_id", strconv.Itoa(int(c.nodeID)))
	return v
}

func (c *Client) url(path string) string {
	return c.baseURL + path + "?" + c.query().Encode()
}

// InboundConfig is the panel-supplied inbound configuration fetched once
// at startup.
type InboundConfig struct {
	ServerPort uint16
}

// FetchConfig performs the one-shot GET used at boot. Failure here is
// fatal to the process.
func (c *Client) FetchConfig(ctx context.Context) (InboundConfig, error) {
	var body struct {
		Data struct {
			ServerPort uint16 `json:"server_port"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, configPath, &body); err != nil {
		return InboundConfig{}, fmt.Errorf("fetch inbound config: %w", err)
	}
	return InboundConfig{ServerPort: body.Data.ServerPort}, nil
}

// User is one directory entry as derived from the panel's user list.
type User struct {
	ID         int32
	Credential trojan.Credential
}

// FetchUsers performs the periodic GET consumed by the User Directory
// refresher. The panel-supplied UUID is turned into its credential form
// here, at the edge, so everything downstream only ever deals in
// credentials.
func (c *Client) FetchUsers(ctx context.Context) ([]User, error) {
	var body struct {
		Data []struct {
			ID   int32  `json:"id"`
			UUID string `json:"uuid"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, usersPath, &body); err != nil {
		return nil, fmt.Errorf("fetch users: %w", err)
	}

	users := make([]User, len(body.Data))
	for i, u := range body.Data {
		users[i] = User{ID: u.ID, Credential: trojan.DeriveCredential(u.UUID)}
	}
	return users, nil
}

// TrafficRecord is one entry of the submit request body. Field names
// match the panel's wire contract exactly: u and d are bits, not bytes.
type TrafficRecord struct {
	UserID int32  `json:"user_id"`
	Up     uint64 `json:"u"`
	Down   uint64 `json:"d"`
}

// SubmitTraffic POSTs the accumulated traffic records. The caller decides
// what to do with the map on failure (see internal/traffic, which retains
// unsubmitted totals for the next tick).
func (c *Client) SubmitTraffic(ctx context.Context, records []TrafficRecord) error {
	payload, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode traffic records: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(submitPath), strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("submit traffic: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("submit traffic: unexpected status %s", resp.Status)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
