// pkg/lti/jwks.go
package lti

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
)

/*
Tool key publication.

Platforms fetch the tool's public keys from here to verify deep-linking
responses and service-access client assertions. Key ids are derived from the
key material itself, so every process instance publishes identical kids for
identical keys and the signing side never needs coordination.
*/

// ToolKID derives a stable key id from the public key: hex of
// sha256(modulus || exponent), truncated. Deterministic across restarts.
func ToolKID(pub *rsa.PublicKey) string {
	h := sha256.New()
	h.Write(pub.N.Bytes())
	h.Write(big.NewInt(int64(pub.E)).Bytes())
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// rsaPublicJWK renders one signing key in JWK form.
func rsaPublicJWK(pub *rsa.PublicKey) map[string]any {
	return map[string]any{
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"kid": ToolKID(pub),
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// JWKS collects the tool's public keys across all registrations, deduplicated
// by kid (registrations often share one signing key).
func (c *Config) JWKS() (*JWKS, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]bool)
	set := &JWKS{Keys: []map[string]any{}}
	for _, regs := range c.regs {
		for _, reg := range regs {
			pub, err := reg.PublicKey()
			if err != nil {
				continue // registration without tool key material publishes nothing
			}
			kid := ToolKID(pub)
			if seen[kid] {
				continue
			}
			seen[kid] = true
			set.Keys = append(set.Keys, rsaPublicJWK(pub))
		}
	}
	return set, nil
}

// JWKSHandler serves the tool's public key set. The document only changes on
// reconfiguration, so it is rendered per request but served with an ETag for
// conditional GETs.
func JWKSHandler(cfg *Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		set, err := cfg.JWKS()
		if err != nil {
			http.Error(w, "key set unavailable", http.StatusInternalServerError)
			return
		}
		body, err := json.Marshal(set)
		if err != nil {
			http.Error(w, "key set unavailable", http.StatusInternalServerError)
			return
		}
		sum := sha256.Sum256(body)
		etag := `"` + hex.EncodeToString(sum[:8]) + `"`

		w.Header().Set("ETag", etag)
		w.Header().Set("Cache-Control", "public, max-age=3600")
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Content-Type", "application/jwk-set+json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	})
}
