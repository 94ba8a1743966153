// pkg/lti/config.go
package lti

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

/*
Tool configuration: the registry of trusted platforms.

A platform issuer may carry several registrations (one per client_id); one of
them can be flagged default so requests that omit client_id still resolve
deterministically. The JSON shape mirrors the common tool-config layout:

    {
      "https://platform.example": [{
        "default": true,
        "client_id": "10000000000001",
        "auth_login_url": "https://platform.example/oidc/auth",
        "auth_token_url": "https://platform.example/oauth/token",
        "key_set_url": "https://platform.example/.well-known/jwks.json",
        "deployment_ids": ["1:xyz"]
      }]
    }

Key material for the tool's own signing identity is attached per
(issuer, client_id) as PEM via SetPrivateKey / SetPublicKey.
*/

// Registration describes one trusted (issuer, client_id) pair.
type Registration struct {
	Issuer        string   `json:"issuer,omitempty"`
	Default       bool     `json:"default,omitempty"`
	ClientID      string   `json:"client_id"`
	AuthLoginURL  string   `json:"auth_login_url"`
	AuthTokenURL  string   `json:"auth_token_url"`
	KeySetURL     string   `json:"key_set_url,omitempty"`
	KeySet        *JWKS    `json:"key_set,omitempty"` // static set; bypasses fetching
	DeploymentIDs []string `json:"deployment_ids"`

	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
}

// HasDeployment reports whether the deployment id is on the trust list.
func (r *Registration) HasDeployment(id string) bool {
	for _, d := range r.DeploymentIDs {
		if d == id {
			return true
		}
	}
	return false
}

// PrivateKey returns the tool's signing key for this registration.
func (r *Registration) PrivateKey() (*rsa.PrivateKey, error) {
	if r.privateKey == nil {
		return nil, configErr("no private key configured for client %q", r.ClientID)
	}
	return r.privateKey, nil
}

// PublicKey returns the tool's public key, deriving it from the private key
// when only the private half was configured.
func (r *Registration) PublicKey() (*rsa.PublicKey, error) {
	if r.publicKey != nil {
		return r.publicKey, nil
	}
	if r.privateKey != nil {
		return &r.privateKey.PublicKey, nil
	}
	return nil, configErr("no public key configured for client %q", r.ClientID)
}

// Config is the registry of trusted platforms plus the tool's key material.
// Construct one per process and pass it by handle into the login initiator,
// the validator and the JWKS handler.
type Config struct {
	Keysets *KeysetCache

	mu   sync.RWMutex
	regs map[string][]*Registration
}

// NewConfig returns an empty registry with a default key-set cache.
func NewConfig() *Config {
	return &Config{
		Keysets: NewKeysetCache(),
		regs:    make(map[string][]*Registration),
	}
}

// ParseConfig builds a Config from the issuer -> []registration JSON document.
func ParseConfig(data []byte) (*Config, error) {
	var doc map[string][]*Registration
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, configErr("invalid tool configuration: %v", err)
	}
	cfg := NewConfig()
	for issuer, regs := range doc {
		for _, reg := range regs {
			if err := cfg.AddRegistration(issuer, reg); err != nil {
				return nil, err
			}
		}
	}
	return cfg, nil
}

// LoadConfigFile reads and parses a tool configuration JSON file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool config: %w", err)
	}
	return ParseConfig(data)
}

// AddRegistration registers a client config under an issuer.
func (c *Config) AddRegistration(issuer string, reg *Registration) error {
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return configErr("issuer required")
	}
	if reg == nil || strings.TrimSpace(reg.ClientID) == "" {
		return configErr("client_id required for issuer %q", issuer)
	}
	if reg.AuthLoginURL == "" {
		return configErr("auth_login_url required for client %q", reg.ClientID)
	}
	if reg.KeySetURL == "" && reg.KeySet == nil {
		return configErr("key_set_url or static key_set required for client %q", reg.ClientID)
	}
	reg.Issuer = issuer

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.regs[issuer] {
		if existing.ClientID == reg.ClientID {
			return configErr("duplicate registration for issuer %q", issuer)
		}
	}
	c.regs[issuer] = append(c.regs[issuer], reg)
	return nil
}

// FindRegistration resolves (issuer, client_id) to a registration. An empty
// client_id falls back to the issuer's default-flagged entry, or to the only
// entry when exactly one is registered.
func (c *Config) FindRegistration(issuer, clientID string) (*Registration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	regs := c.regs[issuer]
	if len(regs) == 0 {
		return nil, configErr("unknown issuer")
	}
	if clientID != "" {
		for _, r := range regs {
			if r.ClientID == clientID {
				return r, nil
			}
		}
		return nil, configErr("unknown client for issuer")
	}
	if len(regs) == 1 {
		return regs[0], nil
	}
	for _, r := range regs {
		if r.Default {
			return r, nil
		}
	}
	return nil, configErr("ambiguous issuer: no default registration")
}

// SetPrivateKey attaches PEM-encoded RSA private key material to a
// registration. Accepts PKCS#1 and PKCS#8 encodings.
func (c *Config) SetPrivateKey(issuer, clientID, pemData string) error {
	reg, err := c.FindRegistration(issuer, clientID)
	if err != nil {
		return err
	}
	key, err := parseRSAPrivatePEM([]byte(pemData))
	if err != nil {
		return configErr("private key for client %q: %v", reg.ClientID, err)
	}
	c.mu.Lock()
	reg.privateKey = key
	c.mu.Unlock()
	return nil
}

// SetPublicKey attaches PEM-encoded RSA public key material to a
// registration. Accepts PKIX and PKCS#1 encodings.
func (c *Config) SetPublicKey(issuer, clientID, pemData string) error {
	reg, err := c.FindRegistration(issuer, clientID)
	if err != nil {
		return err
	}
	key, err := parseRSAPublicPEM([]byte(pemData))
	if err != nil {
		return configErr("public key for client %q: %v", reg.ClientID, err)
	}
	c.mu.Lock()
	reg.publicKey = key
	c.mu.Unlock()
	return nil
}

// ForEachRegistration visits every registration; the first error aborts the
// walk. Do not call Config methods that take the write lock from fn.
func (c *Config) ForEachRegistration(fn func(issuer string, reg *Registration) error) error {
	c.mu.RLock()
	snapshot := make(map[string][]*Registration, len(c.regs))
	for issuer, regs := range c.regs {
		snapshot[issuer] = append([]*Registration(nil), regs...)
	}
	c.mu.RUnlock()

	for issuer, regs := range snapshot {
		for _, reg := range regs {
			if err := fn(issuer, reg); err != nil {
				return err
			}
		}
	}
	return nil
}

// KeySet returns the platform's JWKS for a registration. Static key sets are
// served as configured; remote sets go through the TTL cache. force bypasses
// the cache for the kid-miss refetch path.
func (c *Config) KeySet(ctx context.Context, reg *Registration, force bool) (JWKS, error) {
	if reg.KeySet != nil {
		return *reg.KeySet, nil
	}
	if c.Keysets == nil {
		return JWKS{}, configErr("key-set cache not configured")
	}
	return c.Keysets.Get(ctx, reg.Issuer, reg.KeySetURL, force)
}

/* ---------------------------- PEM parsing ----------------------------------- */

func parseRSAPrivatePEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an RSA private key")
	}
	return key, nil
}

func parseRSAPublicPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}
	return key, nil
}
