package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/openlti/ltikit/pkg/storage"
)

func newRedisStore(t *testing.T) *storage.RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return storage.NewRedisStoreFromClient(client, "test:")
}

func TestRedisConsumeOnce(t *testing.T) {
	s := newRedisStore(t)
	ctx := context.Background()

	if err := s.PutLogin(ctx, testLogin("st-1"), time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.ConsumeLogin(ctx, "st-1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got.State != "st-1" || got.Nonce != "nonce-1" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if _, err := s.ConsumeLogin(ctx, "st-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second consume: want ErrNotFound, got %v", err)
	}
}

func TestRedisTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := storage.NewRedisStoreFromClient(client, "test:")
	ctx := context.Background()

	if err := s.PutLogin(ctx, testLogin("st-2"), 10*time.Second); err != nil {
		t.Fatalf("put: %v", err)
	}
	mr.FastForward(11 * time.Second)
	if _, err := s.ConsumeLogin(ctx, "st-2"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expired consume: want ErrNotFound, got %v", err)
	}
}

func TestRedisLaunchRoundTrip(t *testing.T) {
	s := newRedisStore(t)
	ctx := context.Background()

	rec := &storage.LaunchRecord{
		ID:           "l-1",
		Issuer:       "https://platform.example",
		ClientID:     "client-1",
		DeploymentID: "dep-1",
		MessageType:  "LtiDeepLinkingRequest",
		Claims:       []byte(`{"aud":"client-1"}`),
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	if err := s.PutLaunch(ctx, rec, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.GetLaunch(ctx, "l-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Claims) != string(rec.Claims) || got.DeploymentID != "dep-1" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if _, err := s.GetLaunch(ctx, "absent"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing launch: want ErrNotFound, got %v", err)
	}
}
