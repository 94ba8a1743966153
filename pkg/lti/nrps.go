// pkg/lti/nrps.go
package lti

import (
	"context"
	"net/http"
	"net/url"
)

// Names & Roles Provisioning Service client. Membership pages chain through
// the Link rel="next" response header until exhausted.

// ScopeNRPSMemberships is the only scope NRPS defines.
const ScopeNRPSMemberships = "https://purl.imsglobal.org/spec/lti-nrps/scope/contextmembership.readonly"

const mediaMembershipContainer = "application/vnd.ims.lti-nrps.v2.membershipcontainer+json"

// Member is one enrollment in the launch context.
type Member struct {
	Status     string   `json:"status,omitempty"`
	UserID     string   `json:"user_id"`
	Roles      []string `json:"roles"`
	Name       string   `json:"name,omitempty"`
	GivenName  string   `json:"given_name,omitempty"`
	FamilyName string   `json:"family_name,omitempty"`
	Email      string   `json:"email,omitempty"`
	LISSourcID string   `json:"lis_person_sourcedid,omitempty"`
}

// membershipContainer is one NRPS response page.
type membershipContainer struct {
	ID      string        `json:"id"`
	Context *ContextClaim `json:"context,omitempty"`
	Members []Member      `json:"members"`
}

// NRPSClient reads the roster of the launched context.
type NRPSClient struct {
	sc       *serviceClient
	endpoint *NRPSClaim
}

func newNRPSClient(reg *Registration, endpoint *NRPSClaim) *NRPSClient {
	return &NRPSClient{sc: newServiceClient(reg), endpoint: endpoint}
}

// GetMemberships fetches the full roster. role, when non-empty, is passed as
// the platform-side role filter (full URI or simple name per the platform).
func (n *NRPSClient) GetMemberships(ctx context.Context, role string) ([]Member, error) {
	next := n.endpoint.ContextMembershipsURL
	if role != "" {
		u, err := url.Parse(next)
		if err != nil {
			return nil, validationErr("bad memberships URL: %v", err)
		}
		q := u.Query()
		q.Set("role", role)
		u.RawQuery = q.Encode()
		next = u.String()
	}

	var all []Member
	for next != "" {
		var page membershipContainer
		h, err := n.sc.doJSON(ctx, http.MethodGet, next,
			[]string{ScopeNRPSMemberships}, "", mediaMembershipContainer, nil, &page)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Members...)
		next = nextLink(h)
	}
	return all, nil
}
