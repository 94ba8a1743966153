// pkg/lti/claims.go
package lti

import (
	"encoding/json"
)

// IMS claim URIs used across launches and deep linking.
const (
	ClaimMessageType = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	ClaimVersion     = "https://purl.imsglobal.org/spec/lti/claim/version"
	ClaimDeployment  = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	ClaimTarget      = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"
	ClaimContext     = "https://purl.imsglobal.org/spec/lti/claim/context"
	ClaimResource    = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	ClaimRoles       = "https://purl.imsglobal.org/spec/lti/claim/roles"
	ClaimToolPlat    = "https://purl.imsglobal.org/spec/lti/claim/tool_platform"
	ClaimCustom      = "https://purl.imsglobal.org/spec/lti/claim/custom"

	ClaimAGSEndpoint = "https://purl.imsglobal.org/spec/lti-ags/claim/endpoint"
	ClaimNRPS        = "https://purl.imsglobal.org/spec/lti-nrps/claim/namesroleservice"

	ClaimDLSettings    = "https://purl.imsglobal.org/spec/lti-dl/claim/deep_linking_settings"
	ClaimDLContentItem = "https://purl.imsglobal.org/spec/lti-dl/claim/content_items"
	ClaimDLData        = "https://purl.imsglobal.org/spec/lti-dl/claim/data"
)

// Message types carried in the message_type claim.
const (
	MessageTypeResourceLink = "LtiResourceLinkRequest"
	MessageTypeDeepLinking  = "LtiDeepLinkingRequest"
	MessageTypeDLResponse   = "LtiDeepLinkingResponse"
)

// ResourceLinkClaim identifies the platform-side placement being launched.
type ResourceLinkClaim struct {
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// ContextClaim describes the course/context hosting the launch.
type ContextClaim struct {
	ID    string   `json:"id"`
	Label string   `json:"label,omitempty"`
	Title string   `json:"title,omitempty"`
	Type  []string `json:"type,omitempty"`
}

// PlatformClaim is the tool_platform claim.
type PlatformClaim struct {
	GUID              string `json:"guid,omitempty"`
	Name              string `json:"name,omitempty"`
	Version           string `json:"version,omitempty"`
	ProductFamilyCode string `json:"product_family_code,omitempty"`
	URL               string `json:"url,omitempty"`
}

// AGSEndpointClaim is the Assignment & Grade Service endpoint claim.
type AGSEndpointClaim struct {
	LineItems string   `json:"lineitems,omitempty"`
	LineItem  string   `json:"lineitem,omitempty"`
	Scope     []string `json:"scope,omitempty"`
}

// NRPSClaim is the Names & Roles Provisioning Service endpoint claim.
type NRPSClaim struct {
	ContextMembershipsURL string   `json:"context_memberships_url"`
	ServiceVersions       []string `json:"service_versions,omitempty"`
}

// DeepLinkingSettings carries the platform's deep linking parameters.
type DeepLinkingSettings struct {
	ReturnURL     string   `json:"deep_link_return_url"`
	AcceptTypes   []string `json:"accept_types,omitempty"`
	AcceptTargets []string `json:"accept_presentation_document_targets,omitempty"`
	AcceptMedia   string   `json:"accept_media_types,omitempty"`
	AutoCreate    bool     `json:"auto_create,omitempty"`
	Title         string   `json:"title,omitempty"`
	Text          string   `json:"text,omitempty"`
	Data          string   `json:"data,omitempty"`
}

// LaunchClaims is the typed view over a validated id_token payload: the known
// LTI claim set plus a passthrough bag (Rest) holding every claim the tool
// does not model, so nothing a platform sends is lost across persistence.
type LaunchClaims struct {
	Issuer   string
	Subject  string
	Audience []string
	AZP      string
	Nonce    string
	IssuedAt int64
	Expiry   int64

	Name       string
	GivenName  string
	FamilyName string
	Email      string

	MessageType   string
	Version       string
	DeploymentID  string
	TargetLinkURI string
	Roles         []string
	Custom        map[string]string

	ResourceLink *ResourceLinkClaim
	Context      *ContextClaim
	Platform     *PlatformClaim
	AGS          *AGSEndpointClaim
	NRPS         *NRPSClaim
	DeepLinking  *DeepLinkingSettings

	// Rest holds unrecognized claims verbatim.
	Rest map[string]json.RawMessage
}

// audience accepts both the string and array forms the OIDC spec allows.
type audience []string

func (a *audience) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*a = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*a = many
	return nil
}

// ParseLaunchClaims decodes an id_token payload into typed claims, keeping
// unknown claims in Rest.
func ParseLaunchClaims(payload []byte) (*LaunchClaims, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, validationErr("malformed claim set")
	}

	lc := &LaunchClaims{Rest: make(map[string]json.RawMessage)}

	take := func(key string, dst any) {
		v, ok := raw[key]
		if !ok {
			return
		}
		if json.Unmarshal(v, dst) == nil {
			delete(raw, key)
		}
	}

	var aud audience
	take("iss", &lc.Issuer)
	take("sub", &lc.Subject)
	take("aud", &aud)
	take("azp", &lc.AZP)
	take("nonce", &lc.Nonce)
	take("iat", &lc.IssuedAt)
	take("exp", &lc.Expiry)
	take("name", &lc.Name)
	take("given_name", &lc.GivenName)
	take("family_name", &lc.FamilyName)
	take("email", &lc.Email)
	lc.Audience = aud

	take(ClaimMessageType, &lc.MessageType)
	take(ClaimVersion, &lc.Version)
	take(ClaimDeployment, &lc.DeploymentID)
	take(ClaimTarget, &lc.TargetLinkURI)
	take(ClaimRoles, &lc.Roles)
	take(ClaimCustom, &lc.Custom)
	take(ClaimResource, &lc.ResourceLink)
	take(ClaimContext, &lc.Context)
	take(ClaimToolPlat, &lc.Platform)
	take(ClaimAGSEndpoint, &lc.AGS)
	take(ClaimNRPS, &lc.NRPS)
	take(ClaimDLSettings, &lc.DeepLinking)

	for k, v := range raw {
		lc.Rest[k] = v
	}
	return lc, nil
}

// HasAudience reports whether the aud claim contains the given value.
func (c *LaunchClaims) HasAudience(want string) bool {
	for _, a := range c.Audience {
		if a == want {
			return true
		}
	}
	return false
}

// HasRole reports whether any role URI contains the given fragment
// (e.g. "Instructor" or "Learner").
func (c *LaunchClaims) HasRole(fragment string) bool {
	for _, r := range c.Roles {
		if fragment != "" && containsFold(r, fragment) {
			return true
		}
	}
	return false
}
