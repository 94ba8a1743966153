// pkg/lti/service.go
package lti

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

/*
Service access (Tool -> Platform).

AGS and NRPS calls authenticate with the client-credentials grant using a
private_key_jwt client assertion: a short-lived JWT signed with the tool's
key, posted to the registration's auth_token_url. Access tokens are cached
per scope set and refreshed 30 seconds before expiry.
*/

const (
	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	assertionTTL        = 300 * time.Second
	tokenExpirySlack    = 30 * time.Second
)

// serviceClient is the shared transport for platform service calls.
type serviceClient struct {
	reg  *Registration
	http *http.Client
	now  func() time.Time

	mu     sync.Mutex
	tokens map[string]*oauth2.Token // keyed by space-joined scopes
}

func newServiceClient(reg *Registration) *serviceClient {
	return &serviceClient{
		reg:    reg,
		http:   &http.Client{Timeout: 15 * time.Second},
		now:    func() time.Time { return time.Now().UTC() },
		tokens: make(map[string]*oauth2.Token),
	}
}

// assertion builds the signed private_key_jwt the token endpoint expects.
func (sc *serviceClient) assertion() (string, error) {
	key, err := sc.reg.PrivateKey()
	if err != nil {
		return "", err
	}
	now := sc.now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": sc.reg.ClientID,
		"sub": sc.reg.ClientID,
		"aud": sc.reg.AuthTokenURL,
		"iat": now.Unix(),
		"exp": now.Add(assertionTTL).Unix(),
		"jti": uuid.NewString(),
	})
	token.Header["kid"] = ToolKID(&key.PublicKey)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", configErr("sign client assertion: %v", err)
	}
	return signed, nil
}

// accessToken returns a valid bearer token for the scope set, using the
// cached one while it has more than tokenExpirySlack left.
func (sc *serviceClient) accessToken(ctx context.Context, scopes []string) (string, error) {
	key := strings.Join(scopes, " ")

	sc.mu.Lock()
	if tok, ok := sc.tokens[key]; ok && tok.Expiry.After(sc.now().Add(tokenExpirySlack)) {
		sc.mu.Unlock()
		return tok.AccessToken, nil
	}
	sc.mu.Unlock()

	if sc.reg.AuthTokenURL == "" {
		return "", configErr("no auth_token_url configured for client %q", sc.reg.ClientID)
	}
	assertion, err := sc.assertion()
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_assertion_type", clientAssertionType)
	form.Set("client_assertion", assertion)
	form.Set("scope", key)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		sc.reg.AuthTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := sc.http.Do(req)
	if err != nil {
		return "", unavailableErr("platform token endpoint", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", unavailableErr("platform token endpoint",
			fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 200)))
	}

	var grant struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &grant); err != nil || grant.AccessToken == "" {
		return "", unavailableErr("platform token endpoint",
			fmt.Errorf("unparseable grant response"))
	}

	tok := &oauth2.Token{
		AccessToken: grant.AccessToken,
		TokenType:   grant.TokenType,
		Expiry:      sc.now().Add(time.Duration(grant.ExpiresIn) * time.Second),
	}
	sc.mu.Lock()
	sc.tokens[key] = tok
	sc.mu.Unlock()
	return tok.AccessToken, nil
}

// doJSON performs an authorized request and decodes a JSON response into out
// (out may be nil for fire-and-forget calls). It returns the response header
// set so callers can read pagination links.
func (sc *serviceClient) doJSON(ctx context.Context, method, rawURL string,
	scopes []string, contentType, accept string, in any, out any) (http.Header, error) {

	token, err := sc.accessToken(ctx, scopes)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = strings.NewReader(string(data))
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if in != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := sc.http.Do(req)
	if err != nil {
		return nil, unavailableErr("platform service call", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, unavailableErr("platform service call",
			fmt.Errorf("%s %s: status %d: %s", method, rawURL, resp.StatusCode, truncate(data, 200)))
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return nil, unavailableErr("platform service call",
				fmt.Errorf("decode response: %w", err))
		}
	}
	return resp.Header, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// nextLink parses a Link header and returns the rel="next" target, or "".
func nextLink(h http.Header) string {
	for _, link := range h.Values("Link") {
		for _, part := range strings.Split(link, ",") {
			seg := strings.Split(part, ";")
			if len(seg) < 2 {
				continue
			}
			target := strings.Trim(strings.TrimSpace(seg[0]), "<>")
			for _, attr := range seg[1:] {
				attr = strings.TrimSpace(attr)
				if attr == `rel="next"` || attr == "rel=next" {
					return target
				}
			}
		}
	}
	return ""
}
