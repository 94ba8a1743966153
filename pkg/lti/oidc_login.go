// pkg/lti/oidc_login.go
package lti

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/openlti/ltikit/pkg/storage"
)

/*
OIDC third-party-initiated login (Tool side).

The platform hits the tool's login endpoint with iss / login_hint /
target_link_uri (and optionally client_id / lti_message_hint). The tool
resolves the registration, mints state and nonce, persists a PendingLogin
under the state, and bounces the browser to the platform's auth endpoint
with response_mode=form_post so the id_token comes back as a form POST.
*/

// DefaultLoginTTL bounds how long a pending login may wait for the platform
// to post back.
const DefaultLoginTTL = 600 * time.Second

// LoginParams are the initiation-request parameters.
type LoginParams struct {
	Issuer         string
	ClientID       string // optional; default registration used when empty
	TargetLinkURI  string
	LoginHint      string
	LTIMessageHint string
}

// LoginRedirect is the outcome of a successful initiation.
type LoginRedirect struct {
	// URL is the platform auth endpoint with all OIDC parameters attached.
	URL string
	// State names the pending login; also used for the state cookie.
	State string
	// Nonce will be echoed inside the id_token.
	Nonce string
}

// LoginInitiator builds third-party login redirects.
type LoginInitiator struct {
	Config *Config
	Store  storage.Store

	// RedirectURI is the tool's launch endpoint the platform posts back to.
	RedirectURI string

	// LoginTTL overrides DefaultLoginTTL.
	LoginTTL time.Duration
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Start validates the initiation parameters, persists a PendingLogin and
// returns the redirect. The store write is the only side effect; any failure
// leaves no partial state behind.
func (li *LoginInitiator) Start(ctx context.Context, p LoginParams) (*LoginRedirect, error) {
	if li.Config == nil || li.Store == nil {
		return nil, configErr("login initiator not configured")
	}
	iss := strings.TrimSpace(p.Issuer)
	if iss == "" {
		return nil, validationErr("iss required")
	}
	target := strings.TrimSpace(p.TargetLinkURI)
	if target == "" {
		return nil, validationErr("target_link_uri required")
	}
	if strings.TrimSpace(p.LoginHint) == "" {
		return nil, validationErr("login_hint required")
	}
	if !isHTTPURL(li.RedirectURI) {
		return nil, configErr("launch redirect_uri must be absolute http(s)")
	}

	reg, err := li.Config.FindRegistration(iss, strings.TrimSpace(p.ClientID))
	if err != nil {
		return nil, err
	}

	// 16 random bytes hex-encoded: 128 bits of entropy each, independent.
	state := randHex(16)
	nonce := randHex(16)

	login := &storage.PendingLogin{
		State:          state,
		Nonce:          nonce,
		Issuer:         reg.Issuer,
		ClientID:       reg.ClientID,
		TargetLinkURI:  target,
		LoginHint:      p.LoginHint,
		LTIMessageHint: p.LTIMessageHint,
		CreatedAt:      li.now(),
	}
	if err := li.Store.PutLogin(ctx, login, li.ttl()); err != nil {
		return nil, unavailableErr("persist pending login", err)
	}

	q := url.Values{}
	q.Set("response_type", "id_token")
	q.Set("response_mode", "form_post")
	q.Set("scope", "openid")
	q.Set("prompt", "none")
	q.Set("client_id", reg.ClientID)
	q.Set("redirect_uri", li.RedirectURI)
	q.Set("login_hint", p.LoginHint)
	q.Set("state", state)
	q.Set("nonce", nonce)
	if p.LTIMessageHint != "" {
		q.Set("lti_message_hint", p.LTIMessageHint)
	}

	sep := "?"
	if strings.Contains(reg.AuthLoginURL, "?") {
		sep = "&"
	}
	return &LoginRedirect{
		URL:   reg.AuthLoginURL + sep + q.Encode(),
		State: state,
		Nonce: nonce,
	}, nil
}

// StartFromRequest pulls the initiation parameters off the Request
// capability (query for GET, form for POST) and calls Start.
func (li *LoginInitiator) StartFromRequest(ctx context.Context, req Request) (*LoginRedirect, error) {
	return li.Start(ctx, LoginParams{
		Issuer:         req.Param("iss"),
		ClientID:       req.Param("client_id"),
		TargetLinkURI:  req.Param("target_link_uri"),
		LoginHint:      req.Param("login_hint"),
		LTIMessageHint: req.Param("lti_message_hint"),
	})
}

func (li *LoginInitiator) ttl() time.Duration {
	if li.LoginTTL > 0 {
		return li.LoginTTL
	}
	return DefaultLoginTTL
}

func (li *LoginInitiator) now() time.Time {
	if li.Now != nil {
		return li.Now()
	}
	return time.Now().UTC()
}
