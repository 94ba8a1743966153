package lti_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/openlti/ltikit/pkg/lti"
	"github.com/openlti/ltikit/pkg/storage"
)

func TestLoginStartBuildsRedirect(t *testing.T) {
	r := newRig(t)

	redirect, err := r.ini.Start(context.Background(), lti.LoginParams{
		Issuer:         testIssuer,
		TargetLinkURI:  testTarget,
		LoginHint:      "u1",
		LTIMessageHint: "hint-42",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	u, err := url.Parse(redirect.URL)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if !strings.HasPrefix(redirect.URL, testIssuer+"/oidc/auth?") {
		t.Fatalf("redirect not at auth endpoint: %s", redirect.URL)
	}
	q := u.Query()
	for key, want := range map[string]string{
		"response_type":    "id_token",
		"response_mode":    "form_post",
		"scope":            "openid",
		"prompt":           "none",
		"client_id":        testClientID,
		"redirect_uri":     testTarget,
		"login_hint":       "u1",
		"lti_message_hint": "hint-42",
		"state":            redirect.State,
		"nonce":            redirect.Nonce,
	} {
		if got := q.Get(key); got != want {
			t.Fatalf("query %s = %q, want %q", key, got, want)
		}
	}

	// 128 bits hex-encoded, and independent of each other
	if len(redirect.State) != 32 || len(redirect.Nonce) != 32 {
		t.Fatalf("state/nonce length: %d/%d", len(redirect.State), len(redirect.Nonce))
	}
	if redirect.State == redirect.Nonce {
		t.Fatal("state and nonce must be independent")
	}
}

func TestLoginStartUniquePerRequest(t *testing.T) {
	r := newRig(t)
	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		redirect := r.login(t)
		if seen[redirect.State] || seen[redirect.Nonce] {
			t.Fatal("state/nonce reuse across logins")
		}
		seen[redirect.State] = true
		seen[redirect.Nonce] = true
	}
}

func TestLoginStartValidation(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		params lti.LoginParams
		kind   lti.Kind
	}{
		{"missing iss", lti.LoginParams{TargetLinkURI: testTarget, LoginHint: "u1"}, lti.KindValidation},
		{"missing target", lti.LoginParams{Issuer: testIssuer, LoginHint: "u1"}, lti.KindValidation},
		{"missing hint", lti.LoginParams{Issuer: testIssuer, TargetLinkURI: testTarget}, lti.KindValidation},
		{"unknown issuer", lti.LoginParams{Issuer: "https://rogue.example", TargetLinkURI: testTarget, LoginHint: "u1"}, lti.KindConfig},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := r.ini.Start(ctx, tc.params); !lti.IsKind(err, tc.kind) {
				t.Fatalf("want kind %v, got %v", tc.kind, err)
			}
		})
	}
}

func TestLoginStartRequiresAbsoluteRedirectURI(t *testing.T) {
	r := newRig(t)
	ini := &lti.LoginInitiator{Config: r.cfg, Store: r.store, RedirectURI: "/launch"}

	_, err := ini.Start(context.Background(), lti.LoginParams{
		Issuer: testIssuer, TargetLinkURI: testTarget, LoginHint: "u1",
	})
	if !lti.IsKind(err, lti.KindConfig) {
		t.Fatalf("relative redirect_uri: want config error, got %v", err)
	}
}

func TestLoginStartAuthURLWithQuery(t *testing.T) {
	p := newPlatform(t)
	cfg := lti.NewConfig()
	if err := cfg.AddRegistration(testIssuer, &lti.Registration{
		ClientID:      testClientID,
		AuthLoginURL:  testIssuer + "/oidc/auth?tenant=t1",
		KeySetURL:     p.srv.URL,
		DeploymentIDs: []string{testDeployment},
	}); err != nil {
		t.Fatalf("add registration: %v", err)
	}
	store := storage.NewMemoryStore(time.Minute)
	defer store.Close()
	ini := &lti.LoginInitiator{Config: cfg, Store: store, RedirectURI: testTarget}

	redirect, err := ini.Start(context.Background(), lti.LoginParams{
		Issuer: testIssuer, TargetLinkURI: testTarget, LoginHint: "u1",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	u, err := url.Parse(redirect.URL)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := u.Query()
	if q.Get("tenant") != "t1" || q.Get("state") != redirect.State {
		t.Fatalf("query merge broken: %s", redirect.URL)
	}
}

func TestStartFromRequestGETAndPOST(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	get := httptest.NewRequest(http.MethodGet,
		"/login?iss="+url.QueryEscape(testIssuer)+
			"&target_link_uri="+url.QueryEscape(testTarget)+
			"&login_hint=u1", nil)
	if _, err := r.ini.StartFromRequest(ctx, lti.NewHTTPRequest(get)); err != nil {
		t.Fatalf("GET start: %v", err)
	}

	form := url.Values{
		"iss":             {testIssuer},
		"target_link_uri": {testTarget},
		"login_hint":      {"u1"},
	}
	post := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	post.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if _, err := r.ini.StartFromRequest(ctx, lti.NewHTTPRequest(post)); err != nil {
		t.Fatalf("POST start: %v", err)
	}
}
