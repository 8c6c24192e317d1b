package admin

import (
	"net"
	"strings"

	"github.com/nulpointcorp/llm-gateway/internal/identity"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// Router wires the §6 control-plane REST surface onto a fasthttp router.
// Every route requires a resolved identity; org/project-scoped routes
// additionally require the "admin" role, while /me routes accept any
// authenticated subject acting on their own keys.
type Router struct {
	Handlers *Handlers
	Resolve  func(ctx *fasthttp.RequestCtx) (*identity.Subject, error)
}

// Register mounts the admin routes under r.
func (a *Router) Register(r *router.Router) {
	r.POST("/admin/v1/api-keys", a.requireAdmin(a.Handlers.CreateAPIKey))
	r.DELETE("/admin/v1/api-keys/{id}", a.requireAdminWithID(a.Handlers.RevokeAPIKey))
	r.POST("/admin/v1/api-keys/{id}/rotate", a.requireAdminWithID(a.Handlers.RotateAPIKey))
	r.GET("/admin/v1/organizations/{org}/api-keys", a.requireAdminWithParam("org", a.Handlers.ListAPIKeysByOrg))
	r.GET("/admin/v1/organizations/{org}/projects/{project}/api-keys", a.requireAdminWithParam("project", a.Handlers.ListAPIKeysByProject))

	r.GET("/admin/v1/me/api-keys", a.requireSelf(a.Handlers.ListMyAPIKeys))
	r.POST("/admin/v1/me/api-keys", a.requireSelf(a.Handlers.CreateMyAPIKey))
	r.DELETE("/admin/v1/me/api-keys/{id}", a.requireSelfWithID(a.Handlers.DeleteMyAPIKey))
	r.POST("/admin/v1/me/api-keys/{id}/rotate", a.requireSelfWithID(a.Handlers.RotateMyAPIKey))
}

func (a *Router) subject(ctx *fasthttp.RequestCtx) (*identity.Subject, bool) {
	subj, err := a.Resolve(ctx)
	if err != nil || subj == nil {
		apierr.Write(ctx, fasthttp.StatusUnauthorized, "authentication required", apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
		return nil, false
	}
	return subj, true
}

func (a *Router) requireAdmin(h func(ctx *fasthttp.RequestCtx, actorID string)) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		subj, ok := a.subject(ctx)
		if !ok {
			return
		}
		if !subj.HasRole("admin") {
			apierr.Write(ctx, fasthttp.StatusForbidden, "admin role required", apierr.TypePermissionError, apierr.CodeForbidden)
			return
		}
		h(ctx, subj.UserID)
	}
}

func (a *Router) requireAdminWithID(h func(ctx *fasthttp.RequestCtx, id, actorID string)) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		subj, ok := a.subject(ctx)
		if !ok {
			return
		}
		if !subj.HasRole("admin") {
			apierr.Write(ctx, fasthttp.StatusForbidden, "admin role required", apierr.TypePermissionError, apierr.CodeForbidden)
			return
		}
		id, _ := ctx.UserValue("id").(string)
		h(ctx, id, subj.UserID)
	}
}

func (a *Router) requireAdminWithParam(param string, h func(ctx *fasthttp.RequestCtx, id string)) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		subj, ok := a.subject(ctx)
		if !ok {
			return
		}
		if !subj.HasRole("admin") {
			apierr.Write(ctx, fasthttp.StatusForbidden, "admin role required", apierr.TypePermissionError, apierr.CodeForbidden)
			return
		}
		id, _ := ctx.UserValue(param).(string)
		h(ctx, id)
	}
}

func (a *Router) requireSelf(h func(ctx *fasthttp.RequestCtx, callerUserID string)) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		subj, ok := a.subject(ctx)
		if !ok {
			return
		}
		h(ctx, subj.UserID)
	}
}

func (a *Router) requireSelfWithID(h func(ctx *fasthttp.RequestCtx, id, callerUserID string)) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		subj, ok := a.subject(ctx)
		if !ok {
			return
		}
		id, _ := ctx.UserValue("id").(string)
		h(ctx, id, subj.UserID)
	}
}

// ResolveFromHeaders adapts an identity.Resolver into the Resolve func the
// Router needs, translating fasthttp's header/remote-addr shape into the
// resolver's (headers map, net.IP) signature.
func ResolveFromHeaders(res *identity.Resolver) func(ctx *fasthttp.RequestCtx) (*identity.Subject, error) {
	return func(ctx *fasthttp.RequestCtx) (*identity.Subject, error) {
		headers := map[string]string{
			"X-Api-Key":     string(ctx.Request.Header.Peek("X-Api-Key")),
			"Authorization": string(ctx.Request.Header.Peek("Authorization")),
		}
		for _, h := range []string{"X-Forwarded-User", "X-Forwarded-Email", "X-Forwarded-Roles", "X-Forwarded-Groups"} {
			if v := ctx.Request.Header.Peek(h); len(v) > 0 {
				headers[h] = string(v)
			}
		}
		ip := remoteIP(ctx)
		result, err := res.Resolve(ctx, headers, ip)
		if err != nil {
			return nil, err
		}
		return result.Subject, nil
	}
}

func remoteIP(ctx *fasthttp.RequestCtx) net.IP {
	host := ctx.RemoteIP().String()
	if fwd := ctx.Request.Header.Peek("X-Forwarded-For"); len(fwd) > 0 {
		parts := strings.Split(string(fwd), ",")
		host = strings.TrimSpace(parts[0])
	}
	return net.ParseIP(host)
}
