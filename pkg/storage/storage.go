// pkg/storage/storage.go

// Package storage persists launch data across otherwise-stateless
// request/response cycles: pending OIDC logins keyed by state, and validated
// launches keyed by launch id. Backends range from process-local memory
// (single-instance deployments only) to Redis or SQL for horizontal scaling,
// where a login and its matching launch may land on different instances.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or past its TTL. Callers
// cannot distinguish an expired entry from one that never existed.
var ErrNotFound = errors.New("storage: not found")

// Key prefixes shared by all backends.
const (
	loginKeyPrefix  = "lti1p3-login:"
	launchKeyPrefix = "lti1p3-launch:"
)

// PendingLogin is one in-flight OIDC login attempt. Created at initiation,
// consumed exactly once at validation or dropped at TTL expiry.
type PendingLogin struct {
	State          string    `json:"state"`
	Nonce          string    `json:"nonce"`
	Issuer         string    `json:"issuer"`
	ClientID       string    `json:"client_id,omitempty"`
	TargetLinkURI  string    `json:"target_link_uri,omitempty"`
	LoginHint      string    `json:"login_hint,omitempty"`
	LTIMessageHint string    `json:"lti_message_hint,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// LaunchRecord is a validated launch as persisted. Claims hold the id_token
// payload verbatim; the record is immutable once written.
type LaunchRecord struct {
	ID           string          `json:"id"`
	Issuer       string          `json:"issuer"`
	ClientID     string          `json:"client_id"`
	DeploymentID string          `json:"deployment_id,omitempty"`
	MessageType  string          `json:"message_type,omitempty"`
	Claims       json.RawMessage `json:"claims"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Store is the TTL key/value capability the launch engine builds on.
// Implementations must be safe for concurrent use.
type Store interface {
	// PutLogin persists a pending login under its state for the given TTL.
	PutLogin(ctx context.Context, login *PendingLogin, ttl time.Duration) error

	// ConsumeLogin atomically reads and deletes the pending login for state.
	// Exactly one of any number of concurrent calls for the same state may
	// succeed; the rest (and any later replay) get ErrNotFound. Expired
	// entries are treated as absent.
	ConsumeLogin(ctx context.Context, state string) (*PendingLogin, error)

	// PutLaunch persists a validated launch under its id for the given TTL.
	PutLaunch(ctx context.Context, rec *LaunchRecord, ttl time.Duration) error

	// GetLaunch returns the launch record for id, or ErrNotFound.
	GetLaunch(ctx context.Context, id string) (*LaunchRecord, error)

	// Ping reports backend health.
	Ping(ctx context.Context) error

	Close() error
}
