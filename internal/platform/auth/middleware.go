package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"golang.org/x/text/language"
)

const (
	defaultRoleClaim   = "role"
	defaultVendorClaim = "vendor_id"
	defaultLocaleClaim = "locale"
	defaultEmailClaim  = "email"

	defaultFallbackRole = RoleBuyer

	defaultVerifyTimeout = 5 * time.Second
)

var (
	// ErrTokenExpired indicates the presented ID token is past its expiry.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrTokenInvalid indicates the presented ID token failed verification.
	ErrTokenInvalid = errors.New("auth: token invalid")
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator guards HTTP routes with Firebase ID token verification.
type Authenticator struct {
	verifier TokenVerifier

	roleClaim   string
	vendorClaim string
	localeClaim string
	emailClaim  string

	fallbackRole string
	timeout      time.Duration
}

// Option customises the authenticator.
type Option func(*Authenticator)

// WithRoleClaim overrides the claim inspected for role membership.
func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithVendorClaim overrides the claim carrying the vendor identifier.
func WithVendorClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.vendorClaim = claim
		}
	}
}

// WithLocaleClaim overrides the claim inspected for the preferred locale.
func WithLocaleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.localeClaim = claim
		}
	}
}

// WithEmailClaim overrides the claim inspected for the account email.
func WithEmailClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.emailClaim = claim
		}
	}
}

// WithFallbackRole sets the role granted when the token carries none.
func WithFallbackRole(role string) Option {
	return func(a *Authenticator) {
		a.fallbackRole = normaliseRole(role)
	}
}

// WithVerificationTimeout bounds each token verification call.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAuthenticator builds an Authenticator around the provided verifier.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	authenticator := &Authenticator{
		verifier:     verifier,
		roleClaim:    defaultRoleClaim,
		vendorClaim:  defaultVendorClaim,
		localeClaim:  defaultLocaleClaim,
		emailClaim:   defaultEmailClaim,
		fallbackRole: defaultFallbackRole,
		timeout:      defaultVerifyTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(authenticator)
		}
	}

	return authenticator
}

// RequireFirebaseAuth verifies the bearer token and enforces role membership when
// allowedRoles is non-empty. The resolved identity is stored on the request context.
func (a *Authenticator) RequireFirebaseAuth(allowedRoles ...string) func(http.Handler) http.Handler {
	normalisedAllowed := make([]string, 0, len(allowedRoles))
	for _, role := range allowedRoles {
		if role = normaliseRole(role); role != "" {
			normalisedAllowed = append(normalisedAllowed, role)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a == nil || a.verifier == nil {
				respondAuthError(w, http.StatusServiceUnavailable, "verification_unavailable", "token verification unavailable")
				return
			}

			rawToken, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "bearer token missing")
				return
			}

			ctx := r.Context()
			verifyCtx := ctx
			if a.timeout > 0 {
				var cancel context.CancelFunc
				verifyCtx, cancel = context.WithTimeout(ctx, a.timeout)
				defer cancel()
			}

			token, err := a.verifier.VerifyIDToken(verifyCtx, rawToken)
			if err != nil {
				respondVerificationError(w, err)
				return
			}

			identity := a.identityFromToken(token)
			if len(identity.Roles) == 0 {
				respondAuthError(w, http.StatusUnauthorized, "missing_role", "token carries no role")
				return
			}

			if len(normalisedAllowed) > 0 && !hasAllowedRole(identity.Roles, normalisedAllowed) {
				respondAuthError(w, http.StatusForbidden, "insufficient_role", "role not permitted for this resource")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

func (a *Authenticator) identityFromToken(token *firebaseauth.Token) Identity {
	identity := Identity{UID: token.UID}
	if token.Claims == nil {
		if a.fallbackRole != "" {
			identity.Roles = []string{a.fallbackRole}
		}
		return identity
	}

	identity.Roles = rolesFromClaims(token.Claims[a.roleClaim])
	if len(identity.Roles) == 0 && a.fallbackRole != "" {
		identity.Roles = []string{a.fallbackRole}
	}

	identity.VendorID = claimAsString(token.Claims[a.vendorClaim])
	identity.Email = claimAsString(token.Claims[a.emailClaim])
	identity.Locale = normaliseLocale(claimAsString(token.Claims[a.localeClaim]))

	return identity
}

func hasAllowedRole(granted []string, allowed []string) bool {
	for _, have := range granted {
		have = normaliseRole(have)
		for _, want := range allowed {
			if have == want {
				return true
			}
		}
	}
	return false
}

func rolesFromClaims(raw any) []string {
	switch value := raw.(type) {
	case string:
		if role := normaliseRole(value); role != "" {
			return []string{role}
		}
		return nil
	case []string:
		return uniqueRoles(value)
	case []any:
		roles := make([]string, 0, len(value))
		for _, item := range value {
			if str, ok := item.(string); ok {
				roles = append(roles, str)
			}
		}
		return uniqueRoles(roles)
	case map[string]any:
		roles := make([]string, 0, len(value))
		for name, enabled := range value {
			if flag, ok := enabled.(bool); ok && flag {
				roles = append(roles, name)
			}
		}
		return uniqueRoles(roles)
	default:
		return nil
	}
}

func uniqueRoles(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	roles := make([]string, 0, len(values))
	for _, value := range values {
		role := normaliseRole(value)
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		roles = append(roles, role)
	}
	if len(roles) == 0 {
		return nil
	}
	return roles
}

func claimAsString(raw any) string {
	str, _ := raw.(string)
	return strings.TrimSpace(str)
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

// normaliseLocale canonicalises BCP 47 locale claims ("FR-fr" -> "fr-FR").
// Unparseable values are dropped rather than carried downstream.
func normaliseLocale(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	tag, err := language.Parse(raw)
	if err != nil {
		return ""
	}
	return tag.String()
}

func extractBearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false
	}

	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}

	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", false
	}
	return token, true
}

func respondVerificationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		respondAuthError(w, http.StatusUnauthorized, "token_expired", "id token expired")
	case errors.Is(err, ErrTokenInvalid), firebaseauth.IsIDTokenInvalid(err):
		respondAuthError(w, http.StatusUnauthorized, "invalid_token", "id token invalid")
	default:
		respondAuthError(w, http.StatusUnauthorized, "invalid_token", "id token verification failed")
	}
}

func respondAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   code,
		"message": message,
		"status":  status,
	})
}
