package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAndValidate(t *testing.T) {
	issuer := NewIssuer("secret", time.Minute)

	pair, err := issuer.Issue(7, "carol@example.com")
	if err != nil {
		t.Fatalf("Issue err: %v", err)
	}
	if pair.ExpiresIn != 60 || pair.RefreshToken == "" {
		t.Fatalf("unexpected pair %+v", pair)
	}

	claims, err := issuer.Validate(pair.AccessToken)
	if err != nil {
		t.Fatalf("Validate err: %v", err)
	}
	if claims.UserID != 7 || claims.Username != "carol@example.com" || claims.Subject != "7" {
		t.Fatalf("unexpected claims %+v", claims)
	}

	other := NewIssuer("different", time.Minute)
	if _, err := other.Validate(pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	issuer := NewIssuer("secret", time.Minute)
	now := time.Now()
	issuer.now = func() time.Time { return now }

	pair, err := issuer.Issue(1, "alice")
	if err != nil {
		t.Fatalf("Issue err: %v", err)
	}
	issuer.now = func() time.Time { return now.Add(2 * time.Minute) }
	if _, err := issuer.Validate(pair.AccessToken); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestValidateRejectsOtherAlgorithms(t *testing.T) {
	issuer := NewIssuer("secret", time.Minute)
	token := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: 1})
	raw, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("SignedString err: %v", err)
	}
	if _, err := issuer.Validate(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestRefreshRotates(t *testing.T) {
	issuer := NewIssuer("secret", time.Minute)
	pair, err := issuer.Issue(3, "bob")
	if err != nil {
		t.Fatalf("Issue err: %v", err)
	}

	next, err := issuer.Refresh(pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh err: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("refresh token must rotate")
	}
	if _, err := issuer.Refresh(pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected used refresh token rejected, got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	issuer := NewIssuer("secret", time.Minute)
	pair, err := issuer.Issue(3, "bob")
	if err != nil {
		t.Fatalf("Issue err: %v", err)
	}
	if err := issuer.Revoke(pair.AccessToken); err != nil {
		t.Fatalf("Revoke err: %v", err)
	}
	if _, err := issuer.Validate(pair.AccessToken); !errors.Is(err, ErrRevokedToken) {
		t.Fatalf("expected ErrRevokedToken, got %v", err)
	}
}
