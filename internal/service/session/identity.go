package session

import (
	"strconv"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zhouzirui/roomchat/internal/model/session"
)

// identityFromToken reads the user id and name from the access token's claims
// without verifying the signature; the server is the one that validates it.
// Opaque tokens, or tokens without a username claim, yield the fallback name.
func identityFromToken(token, fallback string) session.User {
	user := session.User{Username: fallback}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return user
	}

	if id, ok := claims["user_id"]; ok {
		user.ID = claimInt(id)
	}
	if user.ID == 0 {
		if sub, err := claims.GetSubject(); err == nil {
			user.ID, _ = strconv.ParseInt(sub, 10, 64)
		}
	}
	if name, ok := claims["username"].(string); ok && name != "" {
		user.Username = name
	}
	return user
}

func claimInt(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case string:
		id, _ := strconv.ParseInt(n, 10, 64)
		return id
	default:
		return 0
	}
}
