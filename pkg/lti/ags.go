// pkg/lti/ags.go
package lti

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

/*
Assignment & Grade Service client.

Endpoints come from the launch's AGS endpoint claim: a line-item container
URL for listing/creating gradebook columns, and optionally a single
line-item URL coupled to the launched resource link. Scores post to
<lineitem>/scores, results read from <lineitem>/results; both suffixes
attach to the URL path with the platform's query string preserved.
*/

// AGS scopes.
const (
	ScopeLineItem         = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem"
	ScopeLineItemReadOnly = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem.readonly"
	ScopeScore            = "https://purl.imsglobal.org/spec/lti-ags/scope/score"
	ScopeResultReadOnly   = "https://purl.imsglobal.org/spec/lti-ags/scope/result.readonly"
)

// IMS media types for AGS payloads.
const (
	mediaLineItem          = "application/vnd.ims.lis.v2.lineitem+json"
	mediaLineItemContainer = "application/vnd.ims.lis.v2.lineitemcontainer+json"
	mediaScore             = "application/vnd.ims.lis.v1.score+json"
	mediaResultContainer   = "application/vnd.ims.lis.v2.resultcontainer+json"
)

// LineItem is a gradebook column.
type LineItem struct {
	ID             string  `json:"id,omitempty"`
	ScoreMaximum   float64 `json:"scoreMaximum"`
	Label          string  `json:"label"`
	ResourceID     string  `json:"resourceId,omitempty"`
	ResourceLinkID string  `json:"resourceLinkId,omitempty"`
	Tag            string  `json:"tag,omitempty"`
	StartDateTime  string  `json:"startDateTime,omitempty"`
	EndDateTime    string  `json:"endDateTime,omitempty"`
}

// Activity/grading progress vocabulary for Score.
const (
	ProgressCompleted   = "Completed"
	ProgressInProgress  = "InProgress"
	GradingFullyGraded  = "FullyGraded"
	GradingPendingState = "Pending"
)

// Score is one grade submission for a user.
type Score struct {
	UserID           string  `json:"userId"`
	ScoreGiven       float64 `json:"scoreGiven"`
	ScoreMaximum     float64 `json:"scoreMaximum"`
	Comment          string  `json:"comment,omitempty"`
	Timestamp        string  `json:"timestamp"`
	ActivityProgress string  `json:"activityProgress"`
	GradingProgress  string  `json:"gradingProgress"`
}

// NewScore fills a Score with the usual completed/graded progress values and
// a current timestamp.
func NewScore(userID string, given, max float64) Score {
	return Score{
		UserID:           userID,
		ScoreGiven:       given,
		ScoreMaximum:     max,
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
		ActivityProgress: ProgressCompleted,
		GradingProgress:  GradingFullyGraded,
	}
}

// Result is a platform-side grade readback.
type Result struct {
	ID            string  `json:"id,omitempty"`
	ScoreOf       string  `json:"scoreOf,omitempty"`
	UserID        string  `json:"userId"`
	ResultScore   float64 `json:"resultScore"`
	ResultMaximum float64 `json:"resultMaximum,omitempty"`
	Comment       string  `json:"comment,omitempty"`
}

// AGSClient talks to one launch's Assignment & Grade Service endpoints.
type AGSClient struct {
	sc       *serviceClient
	endpoint *AGSEndpointClaim
}

func newAGSClient(reg *Registration, endpoint *AGSEndpointClaim) *AGSClient {
	return &AGSClient{sc: newServiceClient(reg), endpoint: endpoint}
}

// scopeFor returns the scope to request: the exact one when the platform
// advertised it, a readonly downgrade when that is all it offers.
func (a *AGSClient) scopeFor(want, fallback string) []string {
	if len(a.endpoint.Scope) == 0 {
		return []string{want}
	}
	for _, s := range a.endpoint.Scope {
		if s == want {
			return []string{want}
		}
	}
	if fallback != "" {
		for _, s := range a.endpoint.Scope {
			if s == fallback {
				return []string{fallback}
			}
		}
	}
	return []string{want}
}

// ListLineItems fetches every gradebook column in the container, following
// pagination links.
func (a *AGSClient) ListLineItems(ctx context.Context) ([]LineItem, error) {
	if a.endpoint.LineItems == "" {
		return nil, validationErr("launch carries no line-item container")
	}
	scopes := a.scopeFor(ScopeLineItem, ScopeLineItemReadOnly)

	var all []LineItem
	next := a.endpoint.LineItems
	for next != "" {
		var page []LineItem
		h, err := a.sc.doJSON(ctx, http.MethodGet, next, scopes,
			"", mediaLineItemContainer, nil, &page)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		next = nextLink(h)
	}
	return all, nil
}

// CreateLineItem adds a gradebook column and returns the platform's copy
// (with its assigned id).
func (a *AGSClient) CreateLineItem(ctx context.Context, li LineItem) (*LineItem, error) {
	if a.endpoint.LineItems == "" {
		return nil, validationErr("launch carries no line-item container")
	}
	if li.ScoreMaximum <= 0 {
		return nil, validationErr("line item scoreMaximum must be positive")
	}
	var created LineItem
	_, err := a.sc.doJSON(ctx, http.MethodPost, a.endpoint.LineItems,
		[]string{ScopeLineItem}, mediaLineItem, mediaLineItem, li, &created)
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// FindOrCreateLineItem returns the existing column matching the candidate's
// tag and resource id, creating it when absent.
func (a *AGSClient) FindOrCreateLineItem(ctx context.Context, li LineItem) (*LineItem, error) {
	existing, err := a.ListLineItems(ctx)
	if err != nil {
		return nil, err
	}
	for i := range existing {
		if existing[i].Tag == li.Tag && existing[i].ResourceID == li.ResourceID {
			return &existing[i], nil
		}
	}
	return a.CreateLineItem(ctx, li)
}

// PostScore submits a grade to the line item coupled with the launch, or to
// an explicit lineItemURL when given.
func (a *AGSClient) PostScore(ctx context.Context, lineItemURL string, score Score) error {
	target, err := a.resolveLineItem(lineItemURL)
	if err != nil {
		return err
	}
	if score.UserID == "" {
		return validationErr("score userId required")
	}
	scoresURL, err := appendPath(target, "/scores")
	if err != nil {
		return validationErr("bad line item URL: %v", err)
	}
	_, err = a.sc.doJSON(ctx, http.MethodPost, scoresURL,
		[]string{ScopeScore}, mediaScore, "", score, nil)
	return err
}

// GetResults reads grades back from a line item, following pagination. limit
// of 0 leaves paging to the platform's default.
func (a *AGSClient) GetResults(ctx context.Context, lineItemURL string, limit int) ([]Result, error) {
	target, err := a.resolveLineItem(lineItemURL)
	if err != nil {
		return nil, err
	}
	next, err := appendPath(target, "/results")
	if err != nil {
		return nil, validationErr("bad line item URL: %v", err)
	}
	if limit > 0 {
		sep := "?"
		if u, _ := url.Parse(next); u != nil && u.RawQuery != "" {
			sep = "&"
		}
		next += sep + "limit=" + strconv.Itoa(limit)
	}

	var all []Result
	for next != "" {
		var page []Result
		h, err := a.sc.doJSON(ctx, http.MethodGet, next,
			[]string{ScopeResultReadOnly}, "", mediaResultContainer, nil, &page)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		next = nextLink(h)
	}
	return all, nil
}

func (a *AGSClient) resolveLineItem(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if a.endpoint.LineItem == "" {
		return "", validationErr("launch carries no coupled line item")
	}
	return a.endpoint.LineItem, nil
}

// appendPath attaches a suffix to the URL path, keeping any query string the
// platform put on the endpoint.
func appendPath(rawURL, suffix string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	u.Path += suffix
	return u.String(), nil
}
