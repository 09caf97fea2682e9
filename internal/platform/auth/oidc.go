package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

var (
	// ErrOIDCTokenMissing is returned when neither Authorization nor the IAP assertion header carry a token.
	ErrOIDCTokenMissing = errors.New("auth: oidc token missing")
	// ErrOIDCClaimsMismatch is returned when issuer, audience, or caller email are not accepted.
	ErrOIDCClaimsMismatch = errors.New("auth: oidc claims rejected")
)

// MetricsRecorder records verification outcomes.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

// MetricsRecorderFunc adapts a function to MetricsRecorder.
type MetricsRecorderFunc func(context.Context, string, bool, string, time.Duration)

// RecordVerification implements MetricsRecorder.
func (f MetricsRecorderFunc) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	if f != nil {
		f(ctx, kind, success, reason, duration)
	}
}

// ServiceIdentity is the verified caller of an internal route, typically Cloud Scheduler.
type ServiceIdentity struct {
	Subject  string
	Email    string
	Issuer   string
	Audience string
}

type serviceIdentityContextKey struct{}

// WithServiceIdentity attaches the verified service identity to the context.
func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, serviceIdentityContextKey{}, identity)
}

// ServiceIdentityFromContext retrieves the service identity stored by RequireOIDC.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityContextKey{}).(*ServiceIdentity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

// OIDCPolicy lists what a token must carry to reach an internal route.
type OIDCPolicy struct {
	Audience string
	Issuers  []string
	// AllowedEmails restricts callers to specific service accounts when non-empty.
	AllowedEmails []string
}

// OIDCValidator validates Google-signed OIDC/IAP tokens.
type OIDCValidator struct {
	cache   *JWKSCache
	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time
}

// OIDCOption customises the validator.
type OIDCOption func(*OIDCValidator)

// WithOIDCLogger overrides the validator logger.
func WithOIDCLogger(logger Logger) OIDCOption {
	return func(v *OIDCValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithOIDCMetrics sets the metrics recorder.
func WithOIDCMetrics(recorder MetricsRecorder) OIDCOption {
	return func(v *OIDCValidator) {
		v.metrics = recorder
	}
}

// WithOIDCClock injects a custom clock.
func WithOIDCClock(now func() time.Time) OIDCOption {
	return func(v *OIDCValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// NewOIDCValidator constructs an OIDCValidator.
func NewOIDCValidator(cache *JWKSCache, opts ...OIDCOption) *OIDCValidator {
	validator := &OIDCValidator{cache: cache, logger: noopLogger, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}
	return validator
}

// Verify checks the signature and claims of token against policy.
func (v *OIDCValidator) Verify(ctx context.Context, token string, policy OIDCPolicy) (*ServiceIdentity, string, error) {
	if strings.TrimSpace(token) == "" {
		return nil, "token_missing", ErrOIDCTokenMissing
	}
	if v == nil || v.cache == nil {
		return nil, "cache_unavailable", ErrJWKSFetchFailed
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if _, err := parser.ParseWithClaims(token, claims, v.cache.Keyfunc(ctx)); err != nil {
		if errors.Is(err, ErrJWKSFetchFailed) {
			return nil, "jwks_unavailable", err
		}
		return nil, "token_invalid", err
	}

	issuer, _ := claims["iss"].(string)
	if len(policy.Issuers) > 0 && !slices.Contains(policy.Issuers, issuer) {
		return nil, "issuer_mismatch", fmt.Errorf("%w: issuer %q", ErrOIDCClaimsMismatch, issuer)
	}
	if !slices.Contains(audienceFromClaims(claims), policy.Audience) {
		return nil, "audience_mismatch", fmt.Errorf("%w: audience", ErrOIDCClaimsMismatch)
	}
	email, _ := claims["email"].(string)
	if len(policy.AllowedEmails) > 0 && !slices.ContainsFunc(policy.AllowedEmails, func(allowed string) bool {
		return strings.EqualFold(strings.TrimSpace(allowed), email)
	}) {
		return nil, "caller_not_allowed", fmt.Errorf("%w: caller %q", ErrOIDCClaimsMismatch, email)
	}
	subject, _ := claims["sub"].(string)

	return &ServiceIdentity{
		Subject:  subject,
		Email:    email,
		Issuer:   issuer,
		Audience: policy.Audience,
	}, "ok", nil
}

// RequireOIDC enforces a valid Google-signed OIDC/IAP token on the request.
func (v *OIDCValidator) RequireOIDC(policy OIDCPolicy) func(http.Handler) http.Handler {
	policy.Audience = strings.TrimSpace(policy.Audience)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := v.clock()

			if policy.Audience == "" {
				v.record(ctx, false, "audience_not_configured", start)
				writeAuthError(ctx, w, http.StatusServiceUnavailable, "verification_unavailable", "oidc audience not configured")
				return
			}

			identity, reason, err := v.Verify(ctx, extractOIDCToken(r), policy)
			v.record(ctx, err == nil, reason, start)
			if err != nil {
				if v != nil {
					v.logger(ctx, "auth.oidc.rejected", map[string]any{"reason": reason, "error": err.Error()})
				}
				switch reason {
				case "token_missing":
					writeAuthError(ctx, w, http.StatusUnauthorized, "unauthenticated", "oidc token missing")
				case "jwks_unavailable", "cache_unavailable":
					writeAuthError(ctx, w, http.StatusServiceUnavailable, "verification_unavailable", "oidc verification unavailable")
				case "caller_not_allowed":
					writeAuthError(ctx, w, http.StatusForbidden, "caller_not_allowed", "service account not allowed")
				default:
					writeAuthError(ctx, w, http.StatusUnauthorized, "invalid_token", "oidc token verification failed")
				}
				return
			}
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(ctx, identity)))
		})
	}
}

func (v *OIDCValidator) clock() time.Time {
	if v == nil || v.now == nil {
		return time.Now()
	}
	return v.now()
}

func (v *OIDCValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v == nil || v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "oidc", success, reason, v.clock().Sub(start))
}

func extractOIDCToken(r *http.Request) string {
	if bearer, ok := extractBearerToken(r.Header.Get("Authorization")); ok {
		return bearer
	}
	return strings.TrimSpace(r.Header.Get("X-Goog-Iap-Jwt-Assertion"))
}

func audienceFromClaims(claims jwt.MapClaims) []string {
	switch v := claims["aud"].(type) {
	case string:
		return []string{strings.TrimSpace(v)}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	default:
		return nil
	}
}
