// Package auth verifies sessions issued by the hosted auth service.
//
// The hosted service (Supabase Auth) signs HS256 access tokens with the
// project's JWT secret. The API never issues tokens for real users; it only
// validates them and exposes the resulting Session through the request context.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AudienceAuthenticated is the audience the hosted auth service puts on user tokens.
const AudienceAuthenticated = "authenticated"

// DefaultLeeway is the clock skew tolerated when checking exp/nbf/iat.
const DefaultLeeway = 30 * time.Second

var (
	// ErrInvalidToken is returned when token validation fails.
	ErrInvalidToken = errors.New("invalid token")

	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("token has expired")

	// ErrEmptyUserID is returned when a token has no subject.
	ErrEmptyUserID = errors.New("userID cannot be empty")
)

// Claims are the claims carried by hosted-auth access tokens.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Verifier validates hosted-auth access tokens.
// It accepts tokens signed with the current secret or, during a rotation,
// the previous one.
type Verifier struct {
	currentSecret  []byte
	previousSecret []byte
	leeway         time.Duration
}

// NewVerifier creates a Verifier for the given JWT secret.
func NewVerifier(secret string) *Verifier {
	return NewVerifierWithRotation(secret, "")
}

// NewVerifierWithRotation creates a Verifier that also accepts previousSecret.
// Pass an empty previousSecret when no rotation is in progress.
func NewVerifierWithRotation(currentSecret, previousSecret string) *Verifier {
	v := &Verifier{
		currentSecret: []byte(currentSecret),
		leeway:        DefaultLeeway,
	}
	if previousSecret != "" {
		v.previousSecret = []byte(previousSecret)
	}
	return v
}

// Verify parses and validates a token and returns the Session it represents.
func (v *Verifier) Verify(tokenString string) (Session, error) {
	claims, err := v.parse(tokenString, v.currentSecret)
	if err != nil && v.previousSecret != nil && !errors.Is(err, ErrExpiredToken) {
		claims, err = v.parse(tokenString, v.previousSecret)
	}
	if err != nil {
		return Session{}, err
	}

	if claims.Subject == "" {
		return Session{}, ErrEmptyUserID
	}

	return Session{
		UserID: claims.Subject,
		Email:  claims.Email,
		Role:   claims.Role,
	}, nil
}

func (v *Verifier) parse(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrInvalidToken
		}
		return secret, nil
	},
		jwt.WithLeeway(v.leeway),
		jwt.WithAudience(AudienceAuthenticated),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// IssueToken signs a hosted-auth style access token for s.
// It exists for local development and tests; production tokens come from the
// hosted auth service.
func IssueToken(secret string, s Session, ttl time.Duration) (string, error) {
	if s.UserID == "" {
		return "", ErrEmptyUserID
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.UserID,
			Audience:  jwt.ClaimStrings{AudienceAuthenticated},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email: s.Email,
		Role:  s.Role,
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
