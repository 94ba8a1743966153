// internal/web/handlers.go
package web

import (
	"encoding/json"
	"errors"
	"html/template"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openlti/ltikit/pkg/lti"
	"github.com/openlti/ltikit/pkg/storage"
)

// Handlers wires the launch engine into chi routes.
type Handlers struct {
	Initiator *lti.LoginInitiator
	Validator *lti.Validator
	Config    *lti.Config
	Store     storage.Store
}

// Mount attaches all tool endpoints to the router.
func (h *Handlers) Mount(r chi.Router) {
	r.Get("/login", h.Login)
	r.Post("/login", h.Login)
	r.Post("/launch", h.Launch)
	r.Method(http.MethodGet, "/jwks", lti.JWKSHandler(h.Config))
	r.Get("/deeplink/{launchID}", h.DeepLinkSettings)
	r.Post("/deeplink/{launchID}", h.DeepLinkRespond)
	r.Get("/api/launch/{launchID}", h.LaunchData)
	r.Get("/healthz", h.Healthz)
}

// Login handles the OIDC third-party-initiated login. The state cookie is
// advisory: validation succeeds without it, but a present mismatching cookie
// fails the launch.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	req := lti.NewHTTPRequest(r)
	redirect, err := h.Initiator.StartFromRequest(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	resp := lti.NewHTTPResponse(w)
	resp.SetCookie(lti.StateCookiePrefix+redirect.State, redirect.State,
		int(h.Initiator.LoginTTL.Seconds()), req.IsSecure())
	http.Redirect(w, r, redirect.URL, http.StatusFound)
}

var launchTmpl = template.Must(template.New("launch").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
<p>Launched by {{.Name}}{{if .ContextTitle}} in {{.ContextTitle}}{{end}}.</p>
{{if .DeepLink}}<p><a href="/deeplink/{{.LaunchID}}">Select content</a></p>{{end}}
<p>Launch id: <code>{{.LaunchID}}</code></p>
</body>
</html>
`))

// Launch receives the platform's form POST with id_token and state.
func (h *Handlers) Launch(w http.ResponseWriter, r *http.Request) {
	launch, err := h.Validator.ValidateRequest(r.Context(), lti.NewHTTPRequest(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	claims := launch.Claims()

	title := "Resource launch"
	if launch.IsDeepLinkLaunch() {
		title = "Deep linking"
	} else if !launch.IsResourceLaunch() {
		title = "LTI launch"
	}
	name := claims.Name
	if name == "" {
		name = claims.Subject
	}
	contextTitle := ""
	if claims.Context != nil {
		contextTitle = claims.Context.Title
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = launchTmpl.Execute(w, map[string]any{
		"Title":        title,
		"Name":         name,
		"ContextTitle": contextTitle,
		"DeepLink":     launch.IsDeepLinkLaunch(),
		"LaunchID":     launch.ID(),
	})
}

// DeepLinkSettings returns the platform's deep linking constraints for a
// cached launch, for the content picker UI.
func (h *Handlers) DeepLinkSettings(w http.ResponseWriter, r *http.Request) {
	launch, err := h.Validator.FromCache(r.Context(), chi.URLParam(r, "launchID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	dl, err := launch.DeepLink()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dl.Settings())
}

// DeepLinkRespond signs the posted content items and returns the
// auto-submitting form that sends them back to the platform.
func (h *Handlers) DeepLinkRespond(w http.ResponseWriter, r *http.Request) {
	launch, err := h.Validator.FromCache(r.Context(), chi.URLParam(r, "launchID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	dl, err := launch.DeepLink()
	if err != nil {
		writeErr(w, err)
		return
	}

	var resources []lti.DeepLinkResource
	if err := json.NewDecoder(r.Body).Decode(&resources); err != nil {
		http.Error(w, "invalid content item payload", http.StatusBadRequest)
		return
	}
	page, err := dl.ResponseHTML(resources)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}

// LaunchData returns the stored claim set for a launch, verbatim as signed.
func (h *Handlers) LaunchData(w http.ResponseWriter, r *http.Request) {
	launch, err := h.Validator.FromCache(r.Context(), chi.URLParam(r, "launchID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(launch.RawClaims())
}

// Healthz reports liveness of the process and its launch-data store.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps engine errors to their HTTP status. The response body carries
// only the enumeration-safe message; the cause goes to the server log.
func writeErr(w http.ResponseWriter, err error) {
	var le *lti.Error
	if errors.As(err, &le) {
		msg := le.Error()
		if le.HTTPStatus() >= 500 {
			// backend causes stay out of responses
			log.Printf("lti: %v", err)
			msg = "service temporarily unavailable"
		}
		writeJSON(w, le.HTTPStatus(), map[string]string{"error": msg})
		return
	}
	if errors.Is(err, lti.ErrNotDeepLink) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "launch is not a deep linking request"})
		return
	}
	log.Printf("lti: %v", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}
