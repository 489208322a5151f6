package keystore

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL                = 10 * time.Minute
	DefaultMinRefreshInterval = 30 * time.Second
	maxBodyBytes              = 1 << 20
)

var (
	ErrKeyNotFound = errors.New("no signing key found for kid")
	ErrNoKeys      = errors.New("jwks contained no usable keys")
)

type Config struct {
	HTTPClient *http.Client
	TTL        time.Duration
	// MinRefreshInterval bounds how often an unknown kid may trigger a
	// refetch of the same URL.
	MinRefreshInterval time.Duration
}

// Cache fetches JWKS documents and keeps their public keys per URL for TTL.
// An unknown kid forces a refetch so rotated keys are picked up, at most once
// per MinRefreshInterval.
type Cache struct {
	client     *http.Client
	ttl        time.Duration
	minRefresh time.Duration
	now        func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry

	group singleflight.Group
}

type entry struct {
	keys      map[string]crypto.PublicKey // kid -> key
	fetchedAt time.Time
}

func New(cfg Config) *Cache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	minRefresh := cfg.MinRefreshInterval
	if minRefresh <= 0 {
		minRefresh = DefaultMinRefreshInterval
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Cache{
		client:     client,
		ttl:        ttl,
		minRefresh: minRefresh,
		now:        time.Now,
		entries:    map[string]*entry{},
	}
}

func (c *Cache) SigningKey(ctx context.Context, jwksURL, kid string) (crypto.PublicKey, error) {
	if kid == "" {
		return nil, errors.New("missing kid")
	}

	key, fresh := c.lookup(jwksURL, kid)
	if key != nil {
		return key, nil
	}
	if fresh {
		return nil, fmt.Errorf("%w %q at %s", ErrKeyNotFound, kid, jwksURL)
	}

	keys, err := c.refresh(ctx, jwksURL)
	if err != nil {
		return nil, err
	}
	if key, ok := keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w %q at %s", ErrKeyNotFound, kid, jwksURL)
}

// lookup returns the cached key of kid. fresh reports that the key set of
// jwksURL was fetched too recently to be refetched for an unknown kid.
func (c *Cache) lookup(jwksURL, kid string) (key crypto.PublicKey, fresh bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[jwksURL]
	if !ok {
		return nil, false
	}
	age := c.now().Sub(e.fetchedAt)
	if age > c.ttl {
		return nil, false
	}
	return e.keys[kid], age < c.minRefresh
}

// refresh collapses concurrent fetches of the same URL into one request. The
// shared fetch outlives the cancellation of whichever caller started it and
// is bounded by the client timeout instead.
func (c *Cache) refresh(ctx context.Context, jwksURL string) (map[string]crypto.PublicKey, error) {
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(jwksURL, func() (any, error) {
		keys, err := c.fetch(fetchCtx, jwksURL)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[jwksURL] = &entry{keys: keys, fetchedAt: c.now()}
		c.mu.Unlock()
		return keys, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(map[string]crypto.PublicKey), nil
	}
}

type jwksDocument struct {
	Keys []json.RawMessage `json:"keys"`
}

func (c *Cache) fetch(ctx context.Context, jwksURL string) (map[string]crypto.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("jwks fetch failed: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	return parseKeys(body)
}

func parseKeys(body []byte) (map[string]crypto.PublicKey, error) {
	var doc jwksDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse jwks: %w", err)
	}

	keys := map[string]crypto.PublicKey{}
	for _, raw := range doc.Keys {
		kid, key, err := parseKey(raw)
		if err != nil || kid == "" {
			continue
		}
		keys[kid] = key
	}
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	return keys, nil
}

func parseKey(raw json.RawMessage) (string, crypto.PublicKey, error) {
	k, err := jwk.ParseKey(raw)
	if err != nil {
		// Some IdPs publish only the certificate chain.
		return parseX5CKey(raw)
	}
	if k.KeyUsage() == "enc" {
		return "", nil, errors.New("encryption key")
	}

	pub, err := jwk.PublicKeyOf(k)
	if err != nil {
		return "", nil, err
	}
	var material any
	if err := pub.Raw(&material); err != nil {
		return "", nil, err
	}
	key, err := asPublicKey(material)
	if err != nil {
		return "", nil, err
	}
	return k.KeyID(), key, nil
}

func asPublicKey(v any) (crypto.PublicKey, error) {
	switch k := v.(type) {
	case *rsa.PublicKey:
		return k, nil
	case *ecdsa.PublicKey:
		return k, nil
	case ed25519.PublicKey:
		return k, nil
	case rsa.PublicKey:
		return &k, nil
	case ecdsa.PublicKey:
		return &k, nil
	default:
		return nil, fmt.Errorf("unsupported key type %T", v)
	}
}

func parseX5CKey(raw json.RawMessage) (string, crypto.PublicKey, error) {
	var k struct {
		Kid string   `json:"kid"`
		Use string   `json:"use"`
		X5c []string `json:"x5c"`
	}
	if err := json.Unmarshal(raw, &k); err != nil {
		return "", nil, err
	}
	if k.Kid == "" || len(k.X5c) == 0 || k.Use == "enc" {
		return "", nil, errors.New("unusable key")
	}
	der, err := base64.StdEncoding.DecodeString(k.X5c[0])
	if err != nil {
		return "", nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return "", nil, err
	}
	key, err := asPublicKey(cert.PublicKey)
	if err != nil {
		return "", nil, err
	}
	return k.Kid, key, nil
}
