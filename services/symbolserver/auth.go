package symbolserver

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
)

var (
	// ErrUnauthenticated is returned when a request carries no valid credentials.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrUnauthorized is returned when the principal lacks the required permission.
	ErrUnauthorized    = errors.New("unauthorized")
)

// GuestPrincipal is the identity anonymous requests act as when guest access is on.
var GuestPrincipal = Principal{ID: "guest", Guest: true}

// Principal is an authenticated identity.
type Principal struct {
	ID    string
	Guest bool
}

// Authenticator extracts the principal a request acts as.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Principal, error)
}

// PermissionChecker reports whether a principal holds a permission on a project.
type PermissionChecker interface {
	HasPermission(ctx context.Context, p Principal, projectID, permission string) (bool, error)
}

// AuthHelper decides which principal a download request acts as.
type AuthHelper struct {
	guestEnabled bool
	authn        Authenticator
	perms        PermissionChecker
	realm        string
	log          zerolog.Logger
}

func NewAuthHelper(guestEnabled bool, authn Authenticator, perms PermissionChecker, log zerolog.Logger) (*AuthHelper, error) {
	if authn == nil {
		return nil, errors.New("authenticator is required")
	}
	if perms == nil {
		return nil, errors.New("permission checker is required")
	}
	return &AuthHelper{guestEnabled: guestEnabled, authn: authn, perms: perms, realm: "symbold", log: log}, nil
}

// Authorize resolves the principal for r and checks permission on projectID.
// The guest is tried first when guest access is enabled.
func (h *AuthHelper) Authorize(r *http.Request, projectID, permission string) (Principal, error) {
	ctx := r.Context()
	if h.guestEnabled {
		ok, err := h.perms.HasPermission(ctx, GuestPrincipal, projectID, permission)
		if err != nil {
			return Principal{}, err
		}
		if ok {
			return GuestPrincipal, nil
		}
		h.log.Debug().Str("project_id", projectID).Msg("guest lacks permission, authenticating request")
	}

	p, err := h.authn.Authenticate(ctx, r)
	if err != nil {
		return Principal{}, err
	}
	ok, err := h.perms.HasPermission(ctx, p, projectID, permission)
	if err != nil {
		return Principal{}, err
	}
	if !ok {
		h.log.Warn().Str("principal", p.ID).Str("project_id", projectID).Str("permission", permission).
			Msg("principal has no permission to download")
		return Principal{}, ErrUnauthorized
	}
	return p, nil
}

// AuthorizedPrincipal is Authorize for handlers: on failure it writes the
// response and returns false.
func (h *AuthHelper) AuthorizedPrincipal(w http.ResponseWriter, r *http.Request, projectID, permission string) (Principal, bool) {
	p, err := h.Authorize(r, projectID, permission)
	if err != nil {
		h.Deny(w, err)
		return Principal{}, false
	}
	return p, true
}

// Deny writes the response for an Authorize failure and returns its status.
func (h *AuthHelper) Deny(w http.ResponseWriter, err error) int {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		w.Header().Set("WWW-Authenticate", `Basic realm="`+h.realm+`"`)
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return http.StatusUnauthorized
	case errors.Is(err, ErrUnauthorized):
		http.Error(w, "Access denied", http.StatusForbidden)
		return http.StatusForbidden
	default:
		h.log.Error().Err(err).Msg("authorization failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}
}
