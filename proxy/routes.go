package proxy

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/cleranet/console-bff/idp"
	"github.com/cleranet/console-bff/session"
)

// AuthFlow is the part of the credential provider bridge the HTTP layer
// drives: starting a login, finishing the callback, signing out.
type AuthFlow interface {
	BeginLogin() (string, error)
	CompleteLogin(ctx context.Context, state, code string) (*idp.Identity, error)
	Logout()
}

// Relay forwards a console request upstream and reports the result as an
// Envelope. *Forwarder is the base implementation; callers can layer caching
// on top of it.
type Relay interface {
	Forward(r *http.Request, upstreamPath string) *Envelope
}

// Routes hosts the catch-all proxy routes plus the auth surface in front of
// the bridge. All ~15 resource families share one forwarding handler.
type Routes struct {
	relay            Relay
	resources        []string
	store            *session.Store
	auth             AuthFlow
	frontendRedirect string
}

type RoutesOption func(*Routes)

// WithAuthFlow enables the /auth login endpoints.
func WithAuthFlow(auth AuthFlow, frontendRedirect string) RoutesOption {
	return func(rt *Routes) {
		rt.auth = auth
		rt.frontendRedirect = frontendRedirect
	}
}

func NewRoutes(relay Relay, resources []string, store *session.Store, opts ...RoutesOption) *Routes {
	rt := &Routes{
		relay:     relay,
		resources: resources,
		store:     store,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

func (rt *Routes) MountRoutes(e *echo.Echo) {
	for _, resource := range rt.resources {
		path := "/api/" + resource
		handler := rt.forwardHandler(resource)
		e.Any(path, handler, rt.requireBearer)
		e.Any(path+"/*", handler, rt.requireBearer)
	}

	auth := e.Group("/auth")
	auth.GET("/session", rt.sessionInfo)
	auth.GET("/events", rt.sessionEvents)
	if rt.auth != nil {
		auth.GET("/login", rt.login)
		auth.GET("/callback", rt.callback)
		auth.POST("/logout", rt.logout)
	}
}

// requireBearer rejects requests without usable credentials before any
// upstream call is made. Requests may either carry their own bearer token or
// ride on the active backend session, which the forwarder attaches.
func (rt *Routes) requireBearer(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		if header == "" {
			if rt.store != nil && rt.store.Get().IsAuthenticated {
				return next(c)
			}
			return c.JSON(errAuthHeaderMissing.HttpStatus, map[string]any{
				"success": false,
				"code":    errAuthHeaderMissing.Code,
			})
		}

		scheme, token, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") {
			return c.JSON(errAuthHeaderMissing.HttpStatus, map[string]any{
				"success": false,
				"code":    errAuthHeaderMissing.Code,
			})
		}
		if strings.TrimSpace(token) == "" {
			return c.JSON(errTokenEmpty.HttpStatus, map[string]any{
				"success": false,
				"code":    errTokenEmpty.Code,
			})
		}
		return next(c)
	}
}

func (rt *Routes) forwardHandler(resource string) echo.HandlerFunc {
	return func(c echo.Context) error {
		upstreamPath := "/api/" + resource
		if rest := c.Param("*"); rest != "" {
			upstreamPath += "/" + rest
		}
		envelope := rt.relay.Forward(c.Request(), upstreamPath)
		return writeEnvelope(c, envelope)
	}
}

// writeEnvelope renders a forward result. Upstream responses are mirrored
// byte for byte, including non-2xx statuses; only failures produced by this
// layer get their own structured bodies.
func writeEnvelope(c echo.Context, envelope *Envelope) error {
	switch envelope.Kind {
	case KindConfigMissing:
		return c.JSON(envelope.Status, map[string]string{
			"error": "API base URL not set",
		})
	case KindUnreachable:
		return c.JSON(envelope.Status, errorBody{
			Success: false,
			Error:   "UPSTREAM_UNREACHABLE",
			Message: envelope.Message,
			Detail:  envelope.Detail,
		})
	}

	contentType := echo.MIMEApplicationJSON
	for name, values := range envelope.Header {
		if strings.EqualFold(name, echo.HeaderContentType) {
			contentType = values[0]
			continue
		}
		for _, value := range values {
			c.Response().Header().Set(name, value)
		}
	}
	if len(envelope.Body) == 0 {
		return c.NoContent(envelope.Status)
	}
	return c.Blob(envelope.Status, contentType, envelope.Body)
}

func (rt *Routes) sessionInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, rt.store.Get())
}

func (rt *Routes) login(c echo.Context) error {
	authURL, err := rt.auth.BeginLogin()
	if err != nil {
		slog.Error("begin login failed", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]any{
			"success": false,
			"code":    "LOGIN_START_FAILED",
		})
	}
	return c.Redirect(http.StatusFound, authURL)
}

func (rt *Routes) callback(c echo.Context) error {
	if errCode := c.QueryParam("error"); errCode != "" {
		return rt.redirectToFrontend(c, errCode, c.QueryParam("error_description"))
	}

	_, err := rt.auth.CompleteLogin(c.Request().Context(), c.QueryParam("state"), c.QueryParam("code"))
	if err != nil {
		slog.Error("login callback failed", "error", err)
		return rt.redirectToFrontend(c, "login_failed", err.Error())
	}
	return rt.redirectToFrontend(c, "", "")
}

func (rt *Routes) logout(c echo.Context) error {
	rt.auth.Logout()
	return c.NoContent(http.StatusNoContent)
}

func (rt *Routes) redirectToFrontend(c echo.Context, errCode, errDescription string) error {
	target := rt.frontendRedirect
	if target == "" {
		target = "/"
	}
	if errCode != "" {
		params := url.Values{}
		params.Set("error", errCode)
		params.Set("error_description", errDescription)
		target += "?" + params.Encode()
	}
	return c.Redirect(http.StatusFound, target)
}
