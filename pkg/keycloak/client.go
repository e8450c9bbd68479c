// Package keycloak verifies RS256 tokens against a Keycloak realm's JWKS.
package keycloak

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Client struct {
	url    string
	realm  string
	http   *http.Client
	mu     sync.RWMutex
	keys   map[string]*rsa.PublicKey
	loaded time.Time
}

func NewClient(url, realm string) *Client {
	return &Client{
		url:   strings.TrimRight(url, "/"),
		realm: realm,
		http:  &http.Client{Timeout: 10 * time.Second},
		keys:  map[string]*rsa.PublicKey{},
	}
}

// Issuer is the iss claim the realm puts in its tokens.
func (c *Client) Issuer() string {
	return fmt.Sprintf("%s/realms/%s", c.url, c.realm)
}

// Keyfunc resolves the token's kid to a realm signing key. An unknown kid
// triggers one JWKS refresh, at most every 30 seconds, to pick up rotation.
func (c *Client) Keyfunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	kid, _ := token.Header["kid"].(string)

	if key := c.key(kid); key != nil {
		return key, nil
	}

	c.mu.RLock()
	fresh := time.Since(c.loaded) < 30*time.Second
	c.mu.RUnlock()
	if !fresh {
		if err := c.fetchKeys(context.Background()); err != nil {
			return nil, err
		}
		if key := c.key(kid); key != nil {
			return key, nil
		}
	}
	return nil, fmt.Errorf("no signing key for kid %q", kid)
}

func (c *Client) key(kid string) *rsa.PublicKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if kid == "" && len(c.keys) == 1 {
		for _, k := range c.keys {
			return k
		}
	}
	return c.keys[kid]
}

func (c *Client) fetchKeys(ctx context.Context) error {
	url := c.Issuer() + "/protocol/openid-connect/certs"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return fmt.Errorf("failed to decode jwks: %w", err)
	}

	keys := map[string]*rsa.PublicKey{}
	for _, key := range jwks.Keys {
		if key.Kty != "RSA" || (key.Use != "" && key.Use != "sig") {
			continue
		}
		publicKey, err := parseJWK(key.N, key.E)
		if err != nil {
			continue
		}
		keys[key.Kid] = publicKey
	}
	if len(keys) == 0 {
		return fmt.Errorf("no suitable RSA signing key found")
	}

	c.mu.Lock()
	c.keys = keys
	c.loaded = time.Now()
	c.mu.Unlock()
	return nil
}

func parseJWK(n, e string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode n: %w", err)
	}

	eBytes, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode e: %w", err)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}
