// pkg/lti/keyset.go
package lti

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
)

/*
Platform key-set cache.

Each trusted platform publishes its signing keys as an RFC 7517 JWKS. Fetches
are blocking network I/O, so results are cached per issuer with an explicit
TTL. On fetch failure the default policy is fail-closed: the launch is
rejected rather than verified against a key set past its TTL. AllowStale opts
into graceful degradation.

Fetches are rate-limited per issuer so a burst of launches (or an attacker
spraying bogus kids to force refetches) cannot hammer the platform endpoint.
*/

// JWKS is a JSON Web Key Set, i.e. { "keys": [ JWK, ... ] }.
type JWKS struct {
	Keys []map[string]any `json:"keys"`
}

type keysetEntry struct {
	set     JWKS
	fetched time.Time
}

// KeysetCache fetches and caches platform JWKS documents per issuer.
type KeysetCache struct {
	// HTTP performs the fetch; defaults to a client with FetchTimeout.
	HTTP *http.Client
	// TTL bounds cache freshness (default 1 hour).
	TTL time.Duration
	// FetchTimeout bounds a single fetch (default 10s).
	FetchTimeout time.Duration
	// AllowStale serves a cached set past its TTL when a refetch fails.
	AllowStale bool
	// FetchRate/FetchBurst bound fetch frequency per issuer
	// (default one fetch per 10s, burst 5).
	FetchRate  rate.Limit
	FetchBurst int
	// Now overrides the clock (tests).
	Now func() time.Time

	mu       sync.Mutex
	entries  map[string]keysetEntry
	limiters map[string]*rate.Limiter
}

// NewKeysetCache returns a cache with default policy.
func NewKeysetCache() *KeysetCache {
	return &KeysetCache{
		entries:  make(map[string]keysetEntry),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Get returns the issuer's key set, fetching from url when the cache is cold
// or expired. force bypasses freshness (used after a kid miss or signature
// failure to pick up rotated keys).
func (kc *KeysetCache) Get(ctx context.Context, issuer, url string, force bool) (JWKS, error) {
	now := kc.now()

	kc.mu.Lock()
	if kc.entries == nil {
		kc.entries = make(map[string]keysetEntry)
	}
	if kc.limiters == nil {
		kc.limiters = make(map[string]*rate.Limiter)
	}
	entry, cached := kc.entries[issuer]
	fresh := cached && now.Sub(entry.fetched) < kc.ttl()
	lim := kc.limiters[issuer]
	if lim == nil {
		lim = rate.NewLimiter(kc.fetchRate(), kc.fetchBurst())
		kc.limiters[issuer] = lim
	}
	kc.mu.Unlock()

	if fresh && !force {
		return entry.set, nil
	}

	if !lim.Allow() {
		// Refetch budget exhausted; the cached copy (fresh or not) is the
		// best answer we can give without hammering the platform.
		if cached {
			return entry.set, nil
		}
		return JWKS{}, unavailableErr("key-set fetch rate limited", nil)
	}

	set, err := kc.fetch(ctx, url)
	if err != nil {
		if cached && (fresh || kc.AllowStale) {
			return entry.set, nil
		}
		return JWKS{}, unavailableErr("key-set fetch failed", err)
	}

	kc.mu.Lock()
	kc.entries[issuer] = keysetEntry{set: set, fetched: now}
	kc.mu.Unlock()
	return set, nil
}

// fetch retrieves and decodes the JWKS document, retrying once with backoff
// on transient failure.
func (kc *KeysetCache) fetch(ctx context.Context, url string) (JWKS, error) {
	client := kc.HTTP
	if client == nil {
		client = &http.Client{Timeout: kc.fetchTimeout()}
	}

	op := func() (JWKS, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return JWKS{}, backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return JWKS{}, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return JWKS{}, fmt.Errorf("key-set endpoint returned %s", resp.Status)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return JWKS{}, err
		}
		var set JWKS
		if err := json.Unmarshal(body, &set); err != nil {
			return JWKS{}, backoff.Permanent(fmt.Errorf("invalid key-set document: %w", err))
		}
		return set, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(2), // one retry
	)
}

func (kc *KeysetCache) ttl() time.Duration {
	if kc.TTL > 0 {
		return kc.TTL
	}
	return time.Hour
}

func (kc *KeysetCache) fetchTimeout() time.Duration {
	if kc.FetchTimeout > 0 {
		return kc.FetchTimeout
	}
	return 10 * time.Second
}

func (kc *KeysetCache) fetchRate() rate.Limit {
	if kc.FetchRate > 0 {
		return kc.FetchRate
	}
	return rate.Every(10 * time.Second)
}

func (kc *KeysetCache) fetchBurst() int {
	if kc.FetchBurst > 0 {
		return kc.FetchBurst
	}
	return 5
}

func (kc *KeysetCache) now() time.Time {
	if kc.Now != nil {
		return kc.Now()
	}
	return time.Now().UTC()
}

/* ------------------------- JWK -> RSA public key ---------------------------- */

// rsaKeyByKID locates the RSA key matching kid in the set. With an empty kid
// the single RSA key is returned when the set holds exactly one.
func rsaKeyByKID(set JWKS, kid string) (*rsa.PublicKey, error) {
	var matches []*rsa.PublicKey
	for _, k := range set.Keys {
		if k == nil {
			continue
		}
		if kty, _ := k["kty"].(string); kty != "RSA" {
			continue
		}
		if kid != "" {
			if got, _ := k["kid"].(string); got != kid {
				continue
			}
		}
		pub, err := rsaFromJWK(k)
		if err != nil {
			continue
		}
		matches = append(matches, pub)
	}
	switch {
	case len(matches) == 1:
		return matches[0], nil
	case len(matches) > 1 && kid == "":
		return nil, errors.New("ambiguous key set: kid required")
	default:
		return nil, fmt.Errorf("no RSA key with kid %q", kid)
	}
}

func rsaFromJWK(k map[string]any) (*rsa.PublicKey, error) {
	nStr, _ := k["n"].(string)
	eStr, _ := k["e"].(string)
	if nStr == "" || eStr == "" {
		return nil, errors.New("jwk missing n/e")
	}
	nb, err := base64.RawURLEncoding.DecodeString(nStr)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(eStr)
	if err != nil {
		return nil, err
	}
	e := 0
	for _, b := range eb {
		e = (e << 8) | int(b)
	}
	if e == 0 {
		return nil, errors.New("jwk has zero exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}
