// Package auth issues and validates the reference backend's tokens.
package auth

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrRevokedToken = errors.New("token has been revoked")
)

// Claims are carried by every access token.
type Claims struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Pair is the token pair handed to a client.
type Pair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expired_time"`
}

type refreshGrant struct {
	userID   int64
	username string
	expires  time.Time
}

// Issuer signs HS256 access tokens and keeps opaque refresh tokens and
// revocations in memory.
type Issuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time

	mu      sync.Mutex
	refresh map[string]refreshGrant
	revoked map[string]time.Time
}

// NewIssuer returns an issuer. refreshTTL defaults to a week.
func NewIssuer(secret string, accessTTL time.Duration) *Issuer {
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	return &Issuer{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: 7 * 24 * time.Hour,
		now:        time.Now,
		refresh:    make(map[string]refreshGrant),
		revoked:    make(map[string]time.Time),
	}
}

// Issue creates a new pair for the user.
func (i *Issuer) Issue(userID int64, username string) (Pair, error) {
	now := i.now()
	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.accessTTL)),
		},
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Pair{}, err
	}

	refresh := uuid.NewString()
	i.mu.Lock()
	i.refresh[refresh] = refreshGrant{userID: userID, username: username, expires: now.Add(i.refreshTTL)}
	i.mu.Unlock()

	return Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(i.accessTTL.Seconds()),
	}, nil
}

// Validate checks signature, expiry and revocation.
func (i *Issuer) Validate(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.UserID == 0 {
		return nil, ErrInvalidToken
	}

	i.mu.Lock()
	_, revoked := i.revoked[claims.ID]
	i.mu.Unlock()
	if revoked {
		return nil, ErrRevokedToken
	}
	return claims, nil
}

// Refresh rotates a refresh token into a new pair.
func (i *Issuer) Refresh(refreshToken string) (Pair, error) {
	i.mu.Lock()
	grant, ok := i.refresh[refreshToken]
	delete(i.refresh, refreshToken)
	i.mu.Unlock()

	if !ok {
		return Pair{}, ErrInvalidToken
	}
	if i.now().After(grant.expires) {
		return Pair{}, ErrExpiredToken
	}
	return i.Issue(grant.userID, grant.username)
}

// Revoke invalidates an access token until it would have expired anyway.
func (i *Issuer) Revoke(token string) error {
	claims, err := i.Validate(token)
	if err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.revoked[claims.ID] = claims.ExpiresAt.Time
	now := i.now()
	for id, until := range i.revoked {
		if now.After(until) {
			delete(i.revoked, id)
		}
	}
	return nil
}
