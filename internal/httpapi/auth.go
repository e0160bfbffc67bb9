package httpapi

import (
	"crypto/hmac"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/agentworkforce/relaysync/internal/relaysync"
)

const (
	Audience     = "relaysync"
	ScopeTrigger = "sync:trigger"
	ScopeRead    = "sync:read"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// AccessClaims are the claims carried by control-plane bearer tokens.
// Integrations restricts the token to the listed integrations; an empty
// list or "*" grants all of them.
type AccessClaims struct {
	Scopes       []string `json:"scopes"`
	Integrations []string `json:"integrations,omitempty"`
	jwt.RegisteredClaims
}

func (c AccessClaims) hasScope(scope string) bool {
	for _, granted := range c.Scopes {
		if granted == scope {
			return true
		}
	}
	return false
}

func (c AccessClaims) allowsIntegration(name string) bool {
	if len(c.Integrations) == 0 {
		return true
	}
	for _, allowed := range c.Integrations {
		if allowed == "*" || allowed == name {
			return true
		}
	}
	return false
}

// NewAccessClaims builds claims for subject valid for ttl from now.
func NewAccessClaims(subject string, scopes, integrations []string, ttl time.Duration, now time.Time) AccessClaims {
	return AccessClaims{
		Scopes:       scopes,
		Integrations: integrations,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
}

// SignAccessToken returns claims as an HS256 signed JWT.
func SignAccessToken(secret string, claims AccessClaims) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is required")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authorizeBearer(authHeader, jwtSecret, integration, requiredScope string, now time.Time) (AccessClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return AccessClaims{}, err
	}
	if integration != "" && !claims.allowsIntegration(integration) {
		return AccessClaims{}, &authError{
			status:  403,
			code:    "forbidden",
			message: "integration not granted",
		}
	}
	if requiredScope != "" && !claims.hasScope(requiredScope) {
		return AccessClaims{}, &authError{
			status:  403,
			code:    "forbidden",
			message: "missing required scope: " + requiredScope,
		}
	}
	return claims, nil
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (AccessClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return AccessClaims{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	var claims AccessClaims
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	_, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	})
	if err != nil {
		var validationErr *jwt.ValidationError
		if errors.As(err, &validationErr) && validationErr.Errors&jwt.ValidationErrorSignatureInvalid != 0 {
			return AccessClaims{}, &authError{status: 401, code: "unauthorized", message: "jwt signature mismatch"}
		}
		return AccessClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt"}
	}
	if claims.ExpiresAt == nil {
		return AccessClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid exp claim"}
	}
	if !claims.VerifyExpiresAt(now, true) {
		return AccessClaims{}, &authError{status: 401, code: "unauthorized", message: "token expired"}
	}
	if !claims.VerifyAudience(Audience, true) {
		return AccessClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid aud claim"}
	}
	if len(claims.Scopes) == 0 {
		return AccessClaims{}, &authError{status: 403, code: "forbidden", message: "no scopes granted"}
	}
	return claims, nil
}

func verifyContinuationHMAC(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if timestamp == "" || signature == "" {
		return &authError{status: 401, code: "unauthorized", message: "missing continuation auth headers"}
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return &authError{status: 401, code: "unauthorized", message: "invalid continuation timestamp"}
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return &authError{status: 401, code: "unauthorized", message: "continuation outside replay window"}
	}
	expected := relaysync.SignContinuation(secret, timestamp, body)
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return &authError{status: 401, code: "unauthorized", message: "continuation signature mismatch"}
	}
	return nil
}

func webhookSecretMatches(expected, provided string) bool {
	if expected == "" {
		return true
	}
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(provided)))
}
