// pkg/lti/request.go
package lti

import (
	"net/http"
	"strings"
)

/*
Request/Response capability boundary.

The core never touches a web framework directly: it consumes a Request
(method, query/form params, cookies, headers) and hands results back through
a Response (status, headers, body, cookie-set). Implement these once per
hosting framework; the net/http adapters below cover the common case.
*/

// StateCookiePrefix prefixes the per-launch state cookie name.
const StateCookiePrefix = "lti1p3-state-"

// Request is the inbound capability the engine reads parameters from.
type Request interface {
	Method() string
	// Param returns a request parameter: query for GET, form otherwise.
	Param(key string) string
	QueryParam(key string) string
	FormParam(key string) string
	Cookie(name string) (string, bool)
	Header(name string) string
	// IsSecure reports whether the request arrived over HTTPS, directly or
	// behind a proxy that set X-Forwarded-Proto.
	IsSecure() bool
}

// Response is the outbound capability the web layer hands to the engine.
type Response interface {
	SetStatus(code int)
	SetHeader(key, value string)
	SetCookie(name, value string, maxAge int, secure bool)
	Write(body []byte) (int, error)
}

/* ----------------------------- net/http adapters ---------------------------- */

// HTTPRequest adapts *http.Request to the Request capability.
type HTTPRequest struct {
	r *http.Request
}

// NewHTTPRequest wraps an *http.Request. Form data is parsed lazily.
func NewHTTPRequest(r *http.Request) *HTTPRequest {
	return &HTTPRequest{r: r}
}

func (h *HTTPRequest) Method() string { return h.r.Method }

func (h *HTTPRequest) Param(key string) string {
	if h.r.Method == http.MethodGet {
		return h.QueryParam(key)
	}
	return h.FormParam(key)
}

func (h *HTTPRequest) QueryParam(key string) string {
	return h.r.URL.Query().Get(key)
}

func (h *HTTPRequest) FormParam(key string) string {
	if h.r.PostForm == nil {
		_ = h.r.ParseForm()
	}
	return h.r.PostFormValue(key)
}

func (h *HTTPRequest) Cookie(name string) (string, bool) {
	c, err := h.r.Cookie(name)
	if err != nil || c == nil {
		return "", false
	}
	return c.Value, true
}

func (h *HTTPRequest) Header(name string) string {
	return h.r.Header.Get(name)
}

func (h *HTTPRequest) IsSecure() bool {
	if h.r.TLS != nil {
		return true
	}
	if xf := h.r.Header.Get("X-Forwarded-Proto"); xf != "" {
		if i := strings.IndexByte(xf, ','); i >= 0 {
			xf = xf[:i]
		}
		return strings.TrimSpace(xf) == "https"
	}
	return false
}

// HTTPResponse adapts http.ResponseWriter to the Response capability.
type HTTPResponse struct {
	w       http.ResponseWriter
	written bool
}

// NewHTTPResponse wraps an http.ResponseWriter.
func NewHTTPResponse(w http.ResponseWriter) *HTTPResponse {
	return &HTTPResponse{w: w}
}

func (h *HTTPResponse) SetStatus(code int) {
	if h.written {
		return
	}
	h.written = true
	h.w.WriteHeader(code)
}

func (h *HTTPResponse) SetHeader(key, value string) {
	h.w.Header().Set(key, value)
}

func (h *HTTPResponse) SetCookie(name, value string, maxAge int, secure bool) {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		MaxAge:   maxAge,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
	}
	// Cross-site form_post delivery requires SameSite=None, which browsers
	// only honor on secure cookies.
	if secure {
		c.SameSite = http.SameSiteNoneMode
	} else {
		c.SameSite = http.SameSiteLaxMode
	}
	http.SetCookie(h.w, c)
}

func (h *HTTPResponse) Write(body []byte) (int, error) {
	h.written = true
	return h.w.Write(body)
}
