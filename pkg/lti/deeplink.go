// pkg/lti/deeplink.go
package lti

import (
	"bytes"
	"html/template"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

/*
Deep linking response (Tool -> Platform).

After a LtiDeepLinkingRequest launch the tool lets the user pick content,
then posts a signed JWT back to the platform's deep_link_return_url. The JWT
is signed with the tool's own key, roles reversed: iss is the tool's
client_id, aud the platform issuer. The opaque data value from the request
settings is echoed back untouched when present.
*/

// deepLinkResponseTTL bounds how long the platform may accept the response.
const deepLinkResponseTTL = 600 * time.Second

// DeepLink builds signed deep-linking responses for one validated launch.
type DeepLink struct {
	reg          *Registration
	deploymentID string
	settings     *DeepLinkingSettings

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Settings returns the platform's deep linking parameters from the launch.
func (d *DeepLink) Settings() *DeepLinkingSettings { return d.settings }

// ReturnURL is where the response form must be posted.
func (d *DeepLink) ReturnURL() string { return d.settings.ReturnURL }

// LineItemHint asks the platform to create a gradebook column alongside the
// resource link.
type LineItemHint struct {
	ScoreMaximum float64 `json:"scoreMaximum"`
	Label        string  `json:"label,omitempty"`
	ResourceID   string  `json:"resourceId,omitempty"`
	Tag          string  `json:"tag,omitempty"`
}

// Icon is an optional content-item icon.
type Icon struct {
	URL    string `json:"url"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// DeepLinkResource is one ltiResourceLink content item.
type DeepLinkResource struct {
	Title    string            `json:"title,omitempty"`
	Text     string            `json:"text,omitempty"`
	URL      string            `json:"url,omitempty"`
	Icon     *Icon             `json:"icon,omitempty"`
	Custom   map[string]string `json:"custom,omitempty"`
	LineItem *LineItemHint     `json:"lineItem,omitempty"`
}

// contentItem is the wire form: a resource plus its fixed type discriminator.
type contentItem struct {
	Type string `json:"type"`
	DeepLinkResource
}

// ResponseJWT signs the content items into the deep linking response JWT.
func (d *DeepLink) ResponseJWT(resources []DeepLinkResource) (string, error) {
	if len(resources) == 0 {
		return "", validationErr("at least one content item required")
	}
	key, err := d.reg.PrivateKey()
	if err != nil {
		return "", err
	}
	pub := &key.PublicKey

	items := make([]contentItem, 0, len(resources))
	for _, r := range resources {
		items = append(items, contentItem{Type: "ltiResourceLink", DeepLinkResource: r})
	}

	now := d.now()
	claims := jwt.MapClaims{
		"iss":              d.reg.ClientID,
		"aud":              []string{d.reg.Issuer},
		"iat":              now.Unix(),
		"exp":              now.Add(deepLinkResponseTTL).Unix(),
		"nonce":            uuid.NewString(),
		ClaimMessageType:   MessageTypeDLResponse,
		ClaimVersion:       "1.3.0",
		ClaimDeployment:    d.deploymentID,
		ClaimDLContentItem: items,
	}
	if d.settings.Data != "" {
		claims[ClaimDLData] = d.settings.Data
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = ToolKID(pub)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", configErr("sign deep linking response: %v", err)
	}
	return signed, nil
}

var deepLinkFormTmpl = template.Must(template.New("dlform").Parse(`<!DOCTYPE html>
<html>
<head><title>Returning to platform…</title></head>
<body onload="document.forms[0].submit()">
<form action="{{.ReturnURL}}" method="POST">
<input type="hidden" name="JWT" value="{{.JWT}}">
<noscript><button type="submit">Continue</button></noscript>
</form>
</body>
</html>
`))

// ResponseHTML wraps the signed response in an auto-submitting form posting
// to the platform's return URL, ready to serve to the browser.
func (d *DeepLink) ResponseHTML(resources []DeepLinkResource) ([]byte, error) {
	signed, err := d.ResponseJWT(resources)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	err = deepLinkFormTmpl.Execute(&buf, struct {
		ReturnURL string
		JWT       string
	}{d.settings.ReturnURL, signed})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d *DeepLink) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}
