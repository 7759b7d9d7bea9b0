package devserver

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenAudience = "relaydoc"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// IssueToken mints an HS256 access token for subject.
func IssueToken(secret, subject string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret is required")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("token subject is required")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Audience:  jwt.ClaimStrings{tokenAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authorizeBearer(authHeader, jwtSecret string, now time.Time) (string, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	return parseToken(strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer ")), jwtSecret, now)
}

// parseToken verifies raw and returns its subject.
func parseToken(raw, jwtSecret string, now time.Time) (string, *authError) {
	if raw == "" {
		return "", &authError{status: 401, code: "unauthorized", message: "missing token"}
	}
	claims := jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", &authError{status: 401, code: "unauthorized", message: "token expired"}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "", &authError{status: 401, code: "unauthorized", message: "jwt signature mismatch"}
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "", &authError{status: 401, code: "unauthorized", message: "invalid aud claim"}
	default:
		return "", &authError{status: 401, code: "unauthorized", message: "invalid token"}
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", &authError{status: 401, code: "unauthorized", message: "missing sub claim"}
	}
	return claims.Subject, nil
}

func newRefreshToken() string {
	return "rt_" + uuid.NewString()
}
