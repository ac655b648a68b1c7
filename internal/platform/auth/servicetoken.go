package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// ErrServiceTokenInvalid is returned when an internal service token fails validation.
var ErrServiceTokenInvalid = errors.New("auth: service token invalid")

type serviceTokenClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// ServiceTokenVerifier validates HS256 tokens minted for internal callers,
// such as the deploy pipeline triggering a sitemap export.
type ServiceTokenVerifier struct {
	secret   []byte
	audience string
	now      func() time.Time
}

// NewServiceTokenVerifier constructs a verifier for the shared signing secret.
func NewServiceTokenVerifier(secret, audience string) *ServiceTokenVerifier {
	return &ServiceTokenVerifier{
		secret:   []byte(secret),
		audience: audience,
		now:      time.Now,
	}
}

// Verify parses and validates the token, returning the service actor it encodes.
func (v *ServiceTokenVerifier) Verify(tokenStr string) (Actor, error) {
	if v == nil || len(v.secret) == 0 {
		return Actor{}, fmt.Errorf("%w: verifier not configured", ErrServiceTokenInvalid)
	}

	// Claim validation is done by hand against the injected clock; the
	// parser's built-in validation only consults the wall clock.
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)

	var claims serviceTokenClaims
	token, err := parser.ParseWithClaims(tokenStr, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return Actor{}, fmt.Errorf("%w: %v", ErrServiceTokenInvalid, err)
	}
	if !token.Valid {
		return Actor{}, ErrServiceTokenInvalid
	}

	now := v.now()
	if !claims.VerifyExpiresAt(now, true) {
		return Actor{}, fmt.Errorf("%w: token expired", ErrServiceTokenInvalid)
	}
	if !claims.VerifyNotBefore(now, false) {
		return Actor{}, fmt.Errorf("%w: token not yet valid", ErrServiceTokenInvalid)
	}
	if v.audience != "" && !claims.VerifyAudience(v.audience, true) {
		return Actor{}, fmt.Errorf("%w: audience mismatch", ErrServiceTokenInvalid)
	}
	if claims.Subject == "" {
		return Actor{}, fmt.Errorf("%w: missing subject", ErrServiceTokenInvalid)
	}

	role := normaliseRole(claims.Role)
	if role == "" {
		role = RoleService
	}
	return Actor{ID: claims.Subject, Roles: []string{role}}, nil
}

// RequireServiceToken authenticates internal endpoints with a bearer service token.
func (v *ServiceTokenVerifier) RequireServiceToken() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
				return
			}

			actor, err := v.Verify(tokenStr)
			if err != nil {
				respondAuthError(w, http.StatusUnauthorized, "invalid_token", "service token verification failed")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// IssueServiceToken mints a signed HS256 token for internal use. Primarily
// exercised by tooling and tests.
func IssueServiceToken(secret, subject, audience, role string, ttl time.Duration, now func() time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("auth: signing secret is required")
	}
	if now == nil {
		now = time.Now
	}

	issued := now()
	claims := serviceTokenClaims{
		Role: normaliseRole(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
