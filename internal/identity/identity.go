// Package identity resolves the calling user. The core trusts the id it
// yields and performs no authentication of its own.
package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrUnauthenticated = errors.New("identity: unauthenticated")

// Resolver extracts the user id from an inbound request.
type Resolver interface {
	Resolve(r *http.Request) (uuid.UUID, error)
}

// JWT validates HS256 bearer tokens whose subject is the user id.
type JWT struct {
	secret []byte
}

func NewJWT(secret string) *JWT {
	return &JWT{secret: []byte(secret)}
}

func (j *JWT) Issue(userID uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now()
	c := jwt.RegisteredClaims{
		Subject:   userID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(j.secret)
}

func (j *JWT) Validate(token string) (uuid.UUID, error) {
	tok, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		return j.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	c, ok := tok.Claims.(*jwt.RegisteredClaims)
	if !ok || !tok.Valid {
		return uuid.Nil, ErrUnauthenticated
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: bad subject", ErrUnauthenticated)
	}
	return id, nil
}

func (j *JWT) Resolve(r *http.Request) (uuid.UUID, error) {
	authz := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return uuid.Nil, ErrUnauthenticated
	}
	token := strings.TrimSpace(authz[len(prefix):])
	if token == "" {
		return uuid.Nil, ErrUnauthenticated
	}
	return j.Validate(token)
}

// Header trusts a user id set by an upstream gateway.
type Header struct {
	Name string
}

func (h Header) Resolve(r *http.Request) (uuid.UUID, error) {
	v := r.Header.Get(h.Name)
	if v == "" {
		return uuid.Nil, ErrUnauthenticated
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: bad %s header", ErrUnauthenticated, h.Name)
	}
	return id, nil
}
