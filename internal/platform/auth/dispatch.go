package auth

import (
	"net/http"
	"strings"
)

// RequireOIDCOrHMAC guards internal endpoints that accept either scheme: requests
// carrying the HMAC signature header are verified by the HMAC middleware, everything
// else by the OIDC middleware. A missing scheme falls back to the one configured;
// with neither configured every request is rejected.
func RequireOIDCOrHMAC(oidcMW, hmacMW func(http.Handler) http.Handler, signatureHeader string) func(http.Handler) http.Handler {
	header := strings.TrimSpace(signatureHeader)
	if header == "" {
		header = defaultSignatureHeader
	}

	return func(next http.Handler) http.Handler {
		var viaOIDC, viaHMAC http.Handler
		if oidcMW != nil {
			viaOIDC = oidcMW(next)
		}
		if hmacMW != nil {
			viaHMAC = hmacMW(next)
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch {
			case viaHMAC != nil && strings.TrimSpace(r.Header.Get(header)) != "":
				viaHMAC.ServeHTTP(w, r)
			case viaOIDC != nil:
				viaOIDC.ServeHTTP(w, r)
			case viaHMAC != nil:
				viaHMAC.ServeHTTP(w, r)
			default:
				respondAuthError(w, http.StatusServiceUnavailable, "internal_auth_unavailable", "no internal authentication scheme is configured")
			}
		})
	}
}
