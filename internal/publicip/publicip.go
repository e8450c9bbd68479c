// Package publicip discovers the host's current public IPv4 address.
package publicip

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/leozw/certiroute/internal/core"
)

type Client struct {
	url    string
	client *http.Client
}

func New(url string, timeout time.Duration) *Client {
	return &Client{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type ipifyResponse struct {
	IP string `json:"ip"`
}

// GetCurrentAddress accepts either {"ip": "..."} or a bare address body.
func (c *Client) GetCurrentAddress(ctx context.Context) (netip.Addr, error) {
	const op = "publicip.get"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return netip.Addr{}, core.E(core.KindInternal, op, "build request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return netip.Addr{}, core.E(core.KindExternalTransient, op, "address discovery failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return netip.Addr{}, core.E(core.KindExternalTransient, op, "read response", err)
	}
	if resp.StatusCode >= 500 {
		return netip.Addr{}, core.E(core.KindExternalTransient, op, fmt.Sprintf("discovery service returned %s", resp.Status), nil)
	}
	if resp.StatusCode != http.StatusOK {
		return netip.Addr{}, core.E(core.KindExternalPermanent, op, fmt.Sprintf("discovery service returned %s", resp.Status), nil)
	}

	raw := strings.TrimSpace(string(body))
	var parsed ipifyResponse
	if json.Unmarshal(body, &parsed) == nil && parsed.IP != "" {
		raw = parsed.IP
	}

	addr, err := netip.ParseAddr(raw)
	if err != nil || !addr.Is4() {
		return netip.Addr{}, core.E(core.KindExternalPermanent, op, fmt.Sprintf("discovery service returned %q, not an IPv4 address", raw), err)
	}
	return addr, nil
}
