package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/jmcleod/mtlsvault/certs"
	"github.com/jmcleod/mtlsvault/storage"
)

// Headers read by HeaderIdentity. They must be set by a trusted proxy that
// strips any client-supplied values.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

var errNoIdentity = errors.New("missing identity")

// IdentityFunc resolves the caller of a request.
type IdentityFunc func(r *http.Request) (certs.Identity, error)

// HeaderIdentity reads the caller from X-User-ID and X-User-Role. A missing
// role means an ordinary user.
func HeaderIdentity(r *http.Request) (certs.Identity, error) {
	raw := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if raw == "" {
		return certs.Identity{}, errNoIdentity
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return certs.Identity{}, errors.New("invalid " + HeaderUserID)
	}
	role := storage.RoleUser
	if v := strings.TrimSpace(r.Header.Get(HeaderUserRole)); v != "" {
		if role, err = storage.ParseRole(v); err != nil {
			return certs.Identity{}, err
		}
	}
	return certs.Identity{UserID: id, Role: role}, nil
}

// IdentityMiddleware resolves the caller and stores it on the request
// context. Requests without an identity are rejected with 401.
func (a *API) IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.identity(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(certs.WithIdentity(r.Context(), id)))
	})
}

func identityFrom(r *http.Request) certs.Identity {
	id, _ := certs.IdentityFrom(r.Context())
	return id
}

// countResponses counts responses by route pattern and status code.
func (a *API) countResponses(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		a.metrics.responses.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
