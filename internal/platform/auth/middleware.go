package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/marketday/api/internal/platform/httpx"
	"github.com/marketday/api/internal/platform/requestctx"
)

const (
	defaultRoleClaim          = "role"
	defaultVendorProfileClaim = "vendorProfileId"
	defaultEmailClaim         = "email"
	defaultVerifyTimeout      = 5 * time.Second
)

var (
	// ErrTokenExpired signals that the provided Firebase ID token has expired.
	ErrTokenExpired = errors.New("auth: firebase id token expired")
	// ErrTokenInvalid signals that the provided Firebase ID token is invalid for other reasons.
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator turns Firebase ID tokens into request identities.
type Authenticator struct {
	verifier TokenVerifier
	logger   Logger

	roleClaim   string
	vendorClaim string
	timeout     time.Duration
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithRoleClaim overrides the custom claim used for role extraction.
func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithVendorProfileClaim overrides the custom claim carrying the vendor profile id.
func WithVendorProfileClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.vendorClaim = claim
		}
	}
}

// WithVerificationTimeout sets the timeout used when verifying tokens.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithAuthLogger records rejected tokens.
func WithAuthLogger(logger Logger) Option {
	return func(a *Authenticator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAuthenticator constructs a Firebase Authenticator for middleware composition.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:    verifier,
		logger:      noopLogger,
		roleClaim:   defaultRoleClaim,
		vendorClaim: defaultVendorProfileClaim,
		timeout:     defaultVerifyTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireAuth verifies the bearer token; every signed-in user counts as a buyer.
func (a *Authenticator) RequireAuth() func(http.Handler) http.Handler {
	return a.require(nil)
}

// RequireVendor additionally demands the vendor role and a vendor profile claim.
func (a *Authenticator) RequireVendor() func(http.Handler) http.Handler {
	return a.require(func(identity *Identity) (string, string, bool) {
		if !identity.HasRole(RoleVendor) {
			return "insufficient_role", "vendor role required", false
		}
		if !identity.ActsAsVendor() {
			return "vendor_profile_missing", "identity has no vendor profile", false
		}
		return "", "", true
	})
}

// RequireRoles demands at least one of the roles.
func (a *Authenticator) RequireRoles(roles ...string) func(http.Handler) http.Handler {
	return a.require(func(identity *Identity) (string, string, bool) {
		if len(roles) > 0 && !identity.HasAnyRole(roles...) {
			return "insufficient_role", "identity does not have required role", false
		}
		return "", "", true
	})
}

type identityCheck func(*Identity) (code, message string, ok bool)

func (a *Authenticator) require(check identityCheck) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				writeAuthError(ctx, w, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
				return
			}
			if a == nil || a.verifier == nil {
				writeAuthError(ctx, w, http.StatusServiceUnavailable, "auth_unavailable", "authorization service unavailable")
				return
			}

			identity, err := a.authenticate(ctx, tokenStr)
			if err != nil {
				a.logger(ctx, "auth.firebase.rejected", map[string]any{"error": err.Error()})
				writeVerificationError(ctx, w, err)
				return
			}
			if check != nil {
				if code, message, ok := check(identity); !ok {
					writeAuthError(ctx, w, http.StatusForbidden, code, message)
					return
				}
			}
			requestctx.RecordCaller(ctx, identity.UID, identity.VendorProfileID)
			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

func (a *Authenticator) authenticate(ctx context.Context, tokenStr string) (*Identity, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	token, err := a.verifier.VerifyIDToken(ctx, tokenStr)
	if err != nil {
		return nil, err
	}
	if token == nil || strings.TrimSpace(token.UID) == "" {
		return nil, ErrTokenInvalid
	}

	identity := &Identity{
		UID:             token.UID,
		Email:           claimAsString(token.Claims, defaultEmailClaim),
		Roles:           rolesFromClaims(token.Claims, a.roleClaim),
		VendorProfileID: claimAsString(token.Claims, a.vendorClaim),
		token:           token,
	}
	if !identity.HasRole(RoleBuyer) {
		identity.Roles = append(identity.Roles, RoleBuyer)
	}
	return identity, nil
}

func rolesFromClaims(claims map[string]any, key string) []string {
	var raw []string
	switch v := claims[key].(type) {
	case string:
		raw = []string{v}
	case []string:
		raw = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	case map[string]any:
		for name, enabled := range v {
			if on, ok := enabled.(bool); ok && on {
				raw = append(raw, name)
			}
		}
	}

	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, role := range raw {
		role = normaliseRole(role)
		if role == "" {
			continue
		}
		if _, dup := seen[role]; dup {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out
}

func claimAsString(claims map[string]any, key string) string {
	if v, ok := claims[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeAuthError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}

func writeVerificationError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		writeAuthError(ctx, w, http.StatusUnauthorized, "token_expired", "firebase id token expired")
	case errors.Is(err, ErrTokenInvalid), firebaseauth.IsIDTokenInvalid(err):
		writeAuthError(ctx, w, http.StatusUnauthorized, "invalid_token", "firebase id token invalid")
	case errors.Is(err, context.DeadlineExceeded):
		writeAuthError(ctx, w, http.StatusServiceUnavailable, "auth_unavailable", "token verification timed out")
	default:
		writeAuthError(ctx, w, http.StatusUnauthorized, "invalid_token", "firebase id token verification failed")
	}
}
