package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openlti/ltikit/pkg/storage"
)

func newSQLiteStore(t *testing.T) *storage.SQLStore {
	t.Helper()
	s, err := storage.NewSQLStore(context.Background(), storage.DriverSQLite,
		"file:"+t.Name()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLConsumeOnce(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	if err := s.PutLogin(ctx, testLogin("st-1"), time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.ConsumeLogin(ctx, "st-1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got.Nonce != "nonce-1" || got.ClientID != "client-1" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if _, err := s.ConsumeLogin(ctx, "st-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second consume: want ErrNotFound, got %v", err)
	}
}

func TestSQLExpiry(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	// zero TTL: expires_at == now, and reads require expires_at > now
	if err := s.PutLogin(ctx, testLogin("st-2"), 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.ConsumeLogin(ctx, "st-2"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expired consume: want ErrNotFound, got %v", err)
	}
}

func TestSQLLaunchRoundTrip(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	rec := &storage.LaunchRecord{
		ID:           "l-1",
		Issuer:       "https://platform.example",
		ClientID:     "client-1",
		DeploymentID: "dep-1",
		MessageType:  "LtiResourceLinkRequest",
		Claims:       []byte(`{"sub":"u1","aud":["client-1"]}`),
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	if err := s.PutLaunch(ctx, rec, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.GetLaunch(ctx, "l-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Claims) != string(rec.Claims) {
		t.Fatalf("claims mismatch: %s", got.Claims)
	}

	// upsert keeps one row per key
	rec.MessageType = "LtiDeepLinkingRequest"
	if err := s.PutLaunch(ctx, rec, time.Minute); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err = s.GetLaunch(ctx, "l-1")
	if err != nil {
		t.Fatalf("get after upsert: %v", err)
	}
	if got.MessageType != "LtiDeepLinkingRequest" {
		t.Fatalf("upsert not applied: %+v", got)
	}
}
