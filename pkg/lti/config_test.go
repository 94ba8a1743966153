package lti_test

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/openlti/ltikit/pkg/lti"
)

const toolConfDoc = `{
  "https://platform.example": [
    {
      "default": true,
      "client_id": "client-1",
      "auth_login_url": "https://platform.example/oidc/auth",
      "auth_token_url": "https://platform.example/oauth/token",
      "key_set_url": "https://platform.example/.well-known/jwks.json",
      "deployment_ids": ["dep-1", "dep-2"]
    },
    {
      "client_id": "client-2",
      "auth_login_url": "https://platform.example/oidc/auth",
      "auth_token_url": "https://platform.example/oauth/token",
      "key_set_url": "https://platform.example/.well-known/jwks.json",
      "deployment_ids": ["dep-9"]
    }
  ],
  "https://other.example": [
    {
      "client_id": "client-3",
      "auth_login_url": "https://other.example/auth",
      "auth_token_url": "https://other.example/token",
      "key_set_url": "https://other.example/jwks",
      "deployment_ids": []
    }
  ]
}`

func pemPrivate(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
}

func TestParseConfigResolution(t *testing.T) {
	cfg, err := lti.ParseConfig([]byte(toolConfDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	reg, err := cfg.FindRegistration("https://platform.example", "client-2")
	if err != nil {
		t.Fatalf("exact lookup: %v", err)
	}
	if reg.ClientID != "client-2" || !reg.HasDeployment("dep-9") {
		t.Fatalf("wrong registration: %+v", reg)
	}

	// empty client_id resolves to the default-flagged entry
	reg, err = cfg.FindRegistration("https://platform.example", "")
	if err != nil {
		t.Fatalf("default lookup: %v", err)
	}
	if reg.ClientID != "client-1" {
		t.Fatalf("default resolution picked %q", reg.ClientID)
	}

	// a single-entry issuer needs no default flag
	reg, err = cfg.FindRegistration("https://other.example", "")
	if err != nil {
		t.Fatalf("single-entry lookup: %v", err)
	}
	if reg.ClientID != "client-3" {
		t.Fatalf("single-entry resolution picked %q", reg.ClientID)
	}

	if _, err := cfg.FindRegistration("https://rogue.example", "client-1"); !lti.IsKind(err, lti.KindConfig) {
		t.Fatalf("unknown issuer: want config error, got %v", err)
	}
	if _, err := cfg.FindRegistration("https://platform.example", "client-9"); !lti.IsKind(err, lti.KindConfig) {
		t.Fatalf("unknown client: want config error, got %v", err)
	}
}

func TestAddRegistrationValidation(t *testing.T) {
	cfg := lti.NewConfig()

	if err := cfg.AddRegistration("https://p.example", &lti.Registration{
		AuthLoginURL: "https://p.example/auth",
		KeySetURL:    "https://p.example/jwks",
	}); !lti.IsKind(err, lti.KindConfig) {
		t.Fatalf("missing client_id: want config error, got %v", err)
	}

	if err := cfg.AddRegistration("https://p.example", &lti.Registration{
		ClientID:     "c1",
		AuthLoginURL: "https://p.example/auth",
	}); !lti.IsKind(err, lti.KindConfig) {
		t.Fatalf("missing key source: want config error, got %v", err)
	}

	good := &lti.Registration{
		ClientID:     "c1",
		AuthLoginURL: "https://p.example/auth",
		KeySetURL:    "https://p.example/jwks",
	}
	if err := cfg.AddRegistration("https://p.example", good); err != nil {
		t.Fatalf("add: %v", err)
	}
	dup := *good
	if err := cfg.AddRegistration("https://p.example", &dup); !lti.IsKind(err, lti.KindConfig) {
		t.Fatalf("duplicate: want config error, got %v", err)
	}
}

func TestToolKeyMaterial(t *testing.T) {
	cfg, err := lti.ParseConfig([]byte(toolConfDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	key := mustKey(t)

	if err := cfg.SetPrivateKey("https://platform.example", "client-1", pemPrivate(t, key)); err != nil {
		t.Fatalf("set private key: %v", err)
	}
	reg, err := cfg.FindRegistration("https://platform.example", "client-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	priv, err := reg.PrivateKey()
	if err != nil {
		t.Fatalf("private key: %v", err)
	}
	if priv.N.Cmp(key.N) != 0 {
		t.Fatal("private key round trip mismatch")
	}

	// public half derives from the private key when not set explicitly
	pub, err := reg.PublicKey()
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	if pub.N.Cmp(key.N) != 0 {
		t.Fatal("derived public key mismatch")
	}

	// a registration without key material refuses to sign
	other, _ := cfg.FindRegistration("https://other.example", "client-3")
	if _, err := other.PrivateKey(); !lti.IsKind(err, lti.KindConfig) {
		t.Fatalf("keyless registration: want config error, got %v", err)
	}
}
