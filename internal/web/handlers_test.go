package web_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/openlti/ltikit/internal/web"
	"github.com/openlti/ltikit/pkg/lti"
	"github.com/openlti/ltikit/pkg/storage"
)

const (
	issuer     = "https://platform.example"
	clientID   = "client-1"
	deployment = "dep-1"
)

type env struct {
	t        *testing.T
	platform *rsa.PrivateKey
	tool     *httptest.Server
	client   *http.Client
}

func newEnv(t *testing.T) *env {
	t.Helper()

	platformKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	jwksSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]any{{
				"kty": "RSA", "alg": "RS256", "use": "sig", "kid": "kid-1",
				"n": base64.RawURLEncoding.EncodeToString(platformKey.N.Bytes()),
				"e": base64.RawURLEncoding.EncodeToString(big.NewInt(int64(platformKey.E)).Bytes()),
			}},
		})
	}))
	t.Cleanup(jwksSrv.Close)

	cfg := lti.NewConfig()
	require.NoError(t, cfg.AddRegistration(issuer, &lti.Registration{
		ClientID:      clientID,
		AuthLoginURL:  issuer + "/oidc/auth",
		AuthTokenURL:  issuer + "/oauth/token",
		KeySetURL:     jwksSrv.URL,
		DeploymentIDs: []string{deployment},
	}))

	toolKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	require.NoError(t, cfg.SetPrivateKey(issuer, clientID, string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(toolKey),
	}))))

	store := storage.NewMemoryStore(time.Minute)
	t.Cleanup(func() { _ = store.Close() })

	h := &web.Handlers{
		Initiator: &lti.LoginInitiator{Config: cfg, Store: store, RedirectURI: "https://tool.example/launch"},
		Validator: &lti.Validator{Config: cfg, Store: store},
		Config:    cfg,
		Store:     store,
	}
	r := chi.NewRouter()
	h.Mount(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &env{
		t:        t,
		platform: platformKey,
		tool:     srv,
		client: &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}},
	}
}

// login drives GET /login and returns the state and nonce from the redirect.
func (e *env) login() (state, nonce string) {
	e.t.Helper()
	resp, err := e.client.Get(e.tool.URL + "/login?iss=" + url.QueryEscape(issuer) +
		"&login_hint=u1&target_link_uri=" + url.QueryEscape("https://tool.example/launch"))
	require.NoError(e.t, err)
	defer resp.Body.Close()
	require.Equal(e.t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(e.t, err)
	state = loc.Query().Get("state")
	nonce = loc.Query().Get("nonce")
	require.NotEmpty(e.t, state)
	require.NotEmpty(e.t, nonce)

	var found bool
	for _, c := range resp.Cookies() {
		if c.Name == lti.StateCookiePrefix+state {
			require.Equal(e.t, state, c.Value)
			found = true
		}
	}
	require.True(e.t, found, "state cookie not set")
	return state, nonce
}

func (e *env) sign(claims jwt.MapClaims) string {
	e.t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "kid-1"
	signed, err := tok.SignedString(e.platform)
	require.NoError(e.t, err)
	return signed
}

func (e *env) baseClaims(nonce, messageType string) jwt.MapClaims {
	now := time.Now().UTC()
	return jwt.MapClaims{
		"iss":   issuer,
		"aud":   clientID,
		"sub":   "u1",
		"nonce": nonce,
		"iat":   now.Unix(),
		"exp":   now.Add(5 * time.Minute).Unix(),

		lti.ClaimMessageType: messageType,
		lti.ClaimVersion:     "1.3.0",
		lti.ClaimDeployment:  deployment,
		lti.ClaimTarget:      "https://tool.example/launch",
	}
}

var launchIDRe = regexp.MustCompile(`<code>([a-f0-9-]+)</code>`)

func (e *env) launch(token, state string) (status int, body string) {
	e.t.Helper()
	resp, err := e.client.PostForm(e.tool.URL+"/launch", url.Values{
		"id_token": {token},
		"state":    {state},
	})
	require.NoError(e.t, err)
	defer resp.Body.Close()
	var sb strings.Builder
	_, _ = io.Copy(&sb, resp.Body)
	return resp.StatusCode, sb.String()
}

func TestLoginLaunchRoundTrip(t *testing.T) {
	e := newEnv(t)
	state, nonce := e.login()
	token := e.sign(e.baseClaims(nonce, lti.MessageTypeResourceLink))

	status, body := e.launch(token, state)
	require.Equal(t, http.StatusOK, status)

	m := launchIDRe.FindStringSubmatch(body)
	require.Len(t, m, 2, "launch id not in page: %s", body)
	launchID := m[1]

	resp, err := e.client.Get(e.tool.URL + "/api/launch/" + launchID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var claims map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&claims))
	require.Equal(t, "u1", claims["sub"])
	require.Equal(t, deployment, claims[lti.ClaimDeployment])
}

func TestLaunchRejectsReplayOverHTTP(t *testing.T) {
	e := newEnv(t)
	state, nonce := e.login()
	token := e.sign(e.baseClaims(nonce, lti.MessageTypeResourceLink))

	status, _ := e.launch(token, state)
	require.Equal(t, http.StatusOK, status)

	status, _ = e.launch(token, state)
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestLaunchRejectsBogusState(t *testing.T) {
	e := newEnv(t)
	_, nonce := e.login()
	token := e.sign(e.baseClaims(nonce, lti.MessageTypeResourceLink))

	status, _ := e.launch(token, "forged-state")
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestDeepLinkFlow(t *testing.T) {
	e := newEnv(t)
	state, nonce := e.login()

	claims := e.baseClaims(nonce, lti.MessageTypeDeepLinking)
	claims[lti.ClaimDLSettings] = map[string]any{
		"deep_link_return_url": issuer + "/dl/return",
		"accept_types":         []string{"ltiResourceLink"},
		"data":                 "opaque-1",
	}

	status, body := e.launch(e.sign(claims), state)
	require.Equal(t, http.StatusOK, status)
	m := launchIDRe.FindStringSubmatch(body)
	require.Len(t, m, 2)
	launchID := m[1]

	// settings readback for the picker
	resp, err := e.client.Get(e.tool.URL + "/deeplink/" + launchID)
	require.NoError(t, err)
	var settings lti.DeepLinkingSettings
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&settings))
	resp.Body.Close()
	require.Equal(t, issuer+"/dl/return", settings.ReturnURL)

	// posting content items yields the auto-submit form
	items := `[{"title":"Quiz","url":"https://tool.example/quiz/1"}]`
	resp, err = e.client.Post(e.tool.URL+"/deeplink/"+launchID,
		"application/json", strings.NewReader(items))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sb strings.Builder
	_, _ = io.Copy(&sb, resp.Body)
	require.Contains(t, sb.String(), `name="JWT"`)
	require.Contains(t, sb.String(), issuer+"/dl/return")
}

func TestDeepLinkRejectedForResourceLaunch(t *testing.T) {
	e := newEnv(t)
	state, nonce := e.login()
	status, body := e.launch(e.sign(e.baseClaims(nonce, lti.MessageTypeResourceLink)), state)
	require.Equal(t, http.StatusOK, status)
	m := launchIDRe.FindStringSubmatch(body)
	require.Len(t, m, 2)

	resp, err := e.client.Get(e.tool.URL + "/deeplink/" + m[1])
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJWKSAndHealth(t *testing.T) {
	e := newEnv(t)

	resp, err := e.client.Get(e.tool.URL + "/jwks")
	require.NoError(t, err)
	var doc struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	resp.Body.Close()
	require.Len(t, doc.Keys, 1)

	resp, err = e.client.Get(e.tool.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
