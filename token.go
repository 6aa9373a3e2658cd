package wishwell

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// SessionClaims are the identity claims carried by a Wishwell bearer token.
// The token is parsed without signature verification: the client only reads
// the claims it was issued, the server remains the verifier.
type SessionClaims struct {
	UserID    string
	Username  string
	ExpiresAt time.Time
}

// ParseSessionToken extracts claims from a bearer token.
func ParseSessionToken(token string) (*SessionClaims, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := parsed.Claims.(gojwt.MapClaims)
	sc := &SessionClaims{}
	if sub, ok := claims["sub"].(string); ok {
		sc.UserID = sub
	}
	if username, ok := claims["username"].(string); ok {
		sc.Username = username
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		sc.ExpiresAt = exp.Time
	}
	return sc, nil
}

// tokenExpired reports whether the token carries an exp claim in the past.
// Opaque (non-JWT) tokens return an error and are treated as non-expiring.
func tokenExpired(token string) (bool, error) {
	claims, err := ParseSessionToken(token)
	if err != nil {
		return false, err
	}
	if claims.ExpiresAt.IsZero() {
		return false, nil
	}
	return time.Now().After(claims.ExpiresAt), nil
}
