// pkg/lti/launch.go
package lti

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/openlti/ltikit/pkg/storage"
)

/*
Launch validation (Tool side).

An id_token posted back by the platform passes an ordered pipeline; each
check is an abort point and no partial launch is ever persisted:

  1. consume the PendingLogin by state (atomic get+delete; replays and
     expired logins die here)
  2. header: kid present, alg RS256 only
  3. signature against the issuer's key set; one forced refetch before
     giving up, so a freshly rotated key does not reject valid launches
  4. standard claims: iss, aud (+azp when aud is a list), exp/iat within
     clock skew, nonce equals the pending login's nonce
  5. deployment_id on the registration's trust list
  6. message_type classification (unknown types are kept, not rejected)
  7. persist the ValidatedLaunch under a fresh launch id

Because the PendingLogin is consumed up front, a second delivery of the same
id_token always fails at step 1 regardless of how far the first got.
*/

// DefaultLaunchTTL is how long a validated launch stays loadable from the
// store, independent of the id_token's own expiry.
const DefaultLaunchTTL = 24 * time.Hour

// DefaultClockSkew bounds acceptable clock drift between platform and tool.
const DefaultClockSkew = 300 * time.Second

// trust-list failures share one message so a probing client cannot tell
// whether the audience or the deployment was the mismatch.
const msgUntrusted = "token not issued for a trusted recipient"

// Validator verifies incoming id_tokens and produces validated launches.
type Validator struct {
	Config *Config
	Store  storage.Store

	// LaunchTTL overrides DefaultLaunchTTL.
	LaunchTTL time.Duration
	// ClockSkew overrides DefaultClockSkew.
	ClockSkew time.Duration
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Launch is a validated LTI message with typed claim accessors. Obtain one
// from Validate or rehydrate a previous one with FromCache.
type Launch struct {
	id     string
	reg    *Registration
	claims *LaunchClaims
	raw    json.RawMessage
}

// Validate runs the full pipeline on (id_token, state).
func (v *Validator) Validate(ctx context.Context, idToken, state string) (*Launch, error) {
	if v.Config == nil || v.Store == nil {
		return nil, configErr("validator not configured")
	}
	state = strings.TrimSpace(state)
	if state == "" {
		return nil, validationErr("state required")
	}
	idToken = strings.TrimSpace(idToken)
	if idToken == "" {
		return nil, validationErr("id_token required")
	}

	// 1. Atomic consume: of any concurrent deliveries for this state,
	// exactly one proceeds past this point.
	login, err := v.consumeLogin(ctx, state)
	if err != nil {
		return nil, err
	}

	// 2. Header checks before any network I/O.
	header, payload, err := decodeSegments(idToken)
	if err != nil {
		return nil, securityErr("malformed id_token")
	}
	if header.Alg != "RS256" {
		return nil, securityErr("unsupported algorithm %q (only RS256 accepted)", header.Alg)
	}
	claims, err := ParseLaunchClaims(payload)
	if err != nil {
		return nil, err
	}
	if claims.Issuer != login.Issuer {
		return nil, securityErr("issuer mismatch")
	}

	reg, err := v.Config.FindRegistration(login.Issuer, login.ClientID)
	if err != nil {
		return nil, err
	}

	// 3. Signature, with one forced key-set refetch on kid miss or
	// verification failure (covers rotation between cache refreshes).
	if err := v.verifySignature(ctx, idToken, reg, header.Kid); err != nil {
		return nil, err
	}

	// 4. Standard claims.
	now := v.now()
	skew := v.skew()
	if !claims.HasAudience(reg.ClientID) {
		return nil, securityErr(msgUntrusted)
	}
	if len(claims.Audience) > 1 && claims.AZP != "" && claims.AZP != reg.ClientID {
		return nil, securityErr(msgUntrusted)
	}
	if claims.Expiry == 0 || now.After(time.Unix(claims.Expiry, 0).Add(skew)) {
		return nil, securityErr("token expired")
	}
	if claims.IssuedAt == 0 || time.Unix(claims.IssuedAt, 0).After(now.Add(skew)) {
		return nil, securityErr("token issued in the future")
	}
	if claims.Nonce == "" || claims.Nonce != login.Nonce {
		return nil, securityErr("nonce mismatch")
	}

	// 5. Deployment trust list.
	if claims.DeploymentID == "" {
		return nil, validationErr("deployment_id claim required")
	}
	if !reg.HasDeployment(claims.DeploymentID) {
		return nil, configErr(msgUntrusted)
	}

	// 6-7. Classify and persist. The payload is stored verbatim so
	// rehydrated claims are byte-identical to what the platform signed.
	rec := &storage.LaunchRecord{
		ID:           uuid.NewString(),
		Issuer:       reg.Issuer,
		ClientID:     reg.ClientID,
		DeploymentID: claims.DeploymentID,
		MessageType:  claims.MessageType,
		Claims:       json.RawMessage(payload),
		CreatedAt:    now,
	}
	if err := v.putLaunch(ctx, rec); err != nil {
		return nil, err
	}

	return &Launch{id: rec.ID, reg: reg, claims: claims, raw: rec.Claims}, nil
}

// ValidateRequest pulls id_token and state off the Request capability,
// cross-checks the state cookie when the browser sent one, and validates.
func (v *Validator) ValidateRequest(ctx context.Context, req Request) (*Launch, error) {
	state := req.Param("state")
	if cookie, ok := req.Cookie(StateCookiePrefix + state); ok && cookie != state {
		return nil, securityErr("state cookie mismatch")
	}
	return v.Validate(ctx, req.Param("id_token"), state)
}

// FromCache rehydrates a previously validated launch by its id, for flows
// (deep-link configuration, resource details) that happen in later requests,
// possibly on a different process instance.
func (v *Validator) FromCache(ctx context.Context, launchID string) (*Launch, error) {
	rec, err := v.Store.GetLaunch(ctx, launchID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, securityErr("unknown or expired launch")
	}
	if err != nil {
		return nil, unavailableErr("load launch", err)
	}
	reg, err := v.Config.FindRegistration(rec.Issuer, rec.ClientID)
	if err != nil {
		return nil, err
	}
	claims, err := ParseLaunchClaims(rec.Claims)
	if err != nil {
		return nil, err
	}
	return &Launch{id: rec.ID, reg: reg, claims: claims, raw: rec.Claims}, nil
}

func (v *Validator) consumeLogin(ctx context.Context, state string) (*storage.PendingLogin, error) {
	login, err := v.Store.ConsumeLogin(ctx, state)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		// One retry for transient store failure. A lost-response consume
		// resolves to not-found here, which fails the launch safely.
		login, err = v.Store.ConsumeLogin(ctx, state)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, securityErr("invalid or expired state")
	}
	if err != nil {
		return nil, unavailableErr("launch data store", err)
	}
	return login, nil
}

func (v *Validator) putLaunch(ctx context.Context, rec *storage.LaunchRecord) error {
	err := v.Store.PutLaunch(ctx, rec, v.launchTTL())
	if err != nil {
		err = v.Store.PutLaunch(ctx, rec, v.launchTTL())
	}
	if err != nil {
		return unavailableErr("persist launch", err)
	}
	return nil
}

// verifySignature checks the compact JWS against the issuer's key set.
func (v *Validator) verifySignature(ctx context.Context, idToken string, reg *Registration, kid string) error {
	set, err := v.Config.KeySet(ctx, reg, false)
	if err != nil {
		return err
	}
	canRefetch := reg.KeySet == nil // static sets have nothing to refetch

	pub, kerr := rsaKeyByKID(set, kid)
	if kerr != nil && canRefetch {
		if set, err = v.Config.KeySet(ctx, reg, true); err != nil {
			return err
		}
		canRefetch = false
		pub, kerr = rsaKeyByKID(set, kid)
	}
	if kerr != nil {
		return securityErr("signature verification failed")
	}

	if err := checkJWS(idToken, pub); err == nil {
		return nil
	}
	if canRefetch {
		if set, err = v.Config.KeySet(ctx, reg, true); err != nil {
			return err
		}
		if pub, kerr = rsaKeyByKID(set, kid); kerr == nil {
			if err := checkJWS(idToken, pub); err == nil {
				return nil
			}
		}
	}
	return securityErr("signature verification failed")
}

// checkJWS verifies signature and algorithm only; claim validation is the
// pipeline's job and runs in its own order.
func checkJWS(idToken string, pub *rsa.PublicKey) error {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithoutClaimsValidation(),
	)
	_, err := parser.Parse(idToken, func(*jwt.Token) (any, error) {
		return pub, nil
	})
	return err
}

type jwsHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Typ string `json:"typ"`
}

// decodeSegments splits a compact JWS and decodes header and payload.
func decodeSegments(token string) (jwsHeader, []byte, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return jwsHeader{}, nil, errors.New("want 3 segments")
	}
	hb, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return jwsHeader{}, nil, err
	}
	var h jwsHeader
	if err := json.Unmarshal(hb, &h); err != nil {
		return jwsHeader{}, nil, err
	}
	pb, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return jwsHeader{}, nil, err
	}
	return h, pb, nil
}

func (v *Validator) launchTTL() time.Duration {
	if v.LaunchTTL > 0 {
		return v.LaunchTTL
	}
	return DefaultLaunchTTL
}

func (v *Validator) skew() time.Duration {
	if v.ClockSkew > 0 {
		return v.ClockSkew
	}
	return DefaultClockSkew
}

func (v *Validator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now().UTC()
}

/* ------------------------------ Launch accessors ----------------------------- */

// ID returns the launch id used for FromCache rehydration.
func (l *Launch) ID() string { return l.id }

// Claims returns the typed claim view.
func (l *Launch) Claims() *LaunchClaims { return l.claims }

// RawClaims returns the id_token payload exactly as the platform signed it.
func (l *Launch) RawClaims() json.RawMessage { return l.raw }

// Registration returns the trust entry this launch validated against.
func (l *Launch) Registration() *Registration { return l.reg }

// IsResourceLaunch reports a standard resource link request.
func (l *Launch) IsResourceLaunch() bool {
	return l.claims.MessageType == MessageTypeResourceLink
}

// IsDeepLinkLaunch reports a deep linking request.
func (l *Launch) IsDeepLinkLaunch() bool {
	return l.claims.MessageType == MessageTypeDeepLinking
}

// HasAGS reports whether the platform advertised the Assignment & Grade
// Service endpoint for this launch.
func (l *Launch) HasAGS() bool {
	return l.claims.AGS != nil && (l.claims.AGS.LineItems != "" || l.claims.AGS.LineItem != "")
}

// HasNRPS reports whether the platform advertised the Names & Roles service.
func (l *Launch) HasNRPS() bool {
	return l.claims.NRPS != nil && l.claims.NRPS.ContextMembershipsURL != ""
}

// AGS constructs an Assignment & Grade Service client from the endpoint
// claim, authenticated with the tool's key.
func (l *Launch) AGS() (*AGSClient, error) {
	if !l.HasAGS() {
		return nil, validationErr("launch carries no AGS endpoint")
	}
	return newAGSClient(l.reg, l.claims.AGS), nil
}

// NRPS constructs a Names & Roles client from the endpoint claim.
func (l *Launch) NRPS() (*NRPSClient, error) {
	if !l.HasNRPS() {
		return nil, validationErr("launch carries no NRPS endpoint")
	}
	return newNRPSClient(l.reg, l.claims.NRPS), nil
}

// DeepLink returns the deep-link responder for this launch. Calling it on a
// non-deep-link launch is a programming error, reported as ErrNotDeepLink
// rather than a validation failure.
func (l *Launch) DeepLink() (*DeepLink, error) {
	if !l.IsDeepLinkLaunch() || l.claims.DeepLinking == nil {
		return nil, ErrNotDeepLink
	}
	return &DeepLink{
		reg:          l.reg,
		deploymentID: l.claims.DeploymentID,
		settings:     l.claims.DeepLinking,
	}, nil
}
