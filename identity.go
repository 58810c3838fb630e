package collab

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/coedit/collab/protocol"
)

// Identity supplies the stable user for the lifetime of a session.
// A session constructed without an identity degrades to local only
// mode: edits apply locally and nothing is sent.
type Identity interface {
	CurrentUserId() protocol.Id
	CurrentUser() *protocol.User
}

// TokenIdentity reads the user from a jwt without verifying the
// signature. Verification happens on the server, which holds the
// secret.
type TokenIdentity struct {
	token string
	user  *protocol.User
}

func NewTokenIdentity(token string) (*TokenIdentity, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := parsed.Claims.(gojwt.MapClaims)

	user := &protocol.User{}
	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := protocol.ParseId(userIdStr); err == nil {
			user.Id = userId
		}
	}
	if userName, ok := claims["user_name"].(string); ok {
		user.Name = userName
	}
	if avatar, ok := claims["avatar"].(string); ok {
		user.Avatar = avatar
	}
	if user.Id.IsZero() {
		return nil, fmt.Errorf("token missing user_id")
	}
	user.Color = UserColor(user.Id)

	return &TokenIdentity{
		token: token,
		user:  user,
	}, nil
}

func (self *TokenIdentity) CurrentUserId() protocol.Id {
	return self.user.Id
}

func (self *TokenIdentity) CurrentUser() *protocol.User {
	user := *self.user
	return &user
}

func (self *TokenIdentity) Token() string {
	return self.token
}

// StaticIdentity wraps a fixed user, for tests and local sessions.
type StaticIdentity struct {
	user *protocol.User
}

func NewStaticIdentity(user *protocol.User) *StaticIdentity {
	out := *user
	if out.Color == "" {
		out.Color = UserColor(out.Id)
	}
	return &StaticIdentity{
		user: &out,
	}
}

func (self *StaticIdentity) CurrentUserId() protocol.Id {
	return self.user.Id
}

func (self *StaticIdentity) CurrentUser() *protocol.User {
	user := *self.user
	return &user
}

// NewIdentityToken mints an hmac signed token carrying the user
// claims. Used by collabd in local mode and by tests.
func NewIdentityToken(user *protocol.User, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := gojwt.MapClaims{
		"user_id":   user.Id.String(),
		"user_name": user.Name,
		"iat":       now.Unix(),
	}
	if user.Avatar != "" {
		claims["avatar"] = user.Avatar
	}
	if 0 < ttl {
		claims["exp"] = now.Add(ttl).Unix()
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// VerifyIdentityToken checks the hmac signature and returns the user
// claims. Used on the server side.
func VerifyIdentityToken(token string, secret []byte) (*protocol.User, error) {
	parsed, err := gojwt.Parse(
		token,
		func(t *gojwt.Token) (any, error) {
			if _, ok := t.Method.(*gojwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
			}
			return secret, nil
		},
	)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	user := &protocol.User{}
	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := protocol.ParseId(userIdStr); err == nil {
			user.Id = userId
		}
	}
	if userName, ok := claims["user_name"].(string); ok {
		user.Name = userName
	}
	if avatar, ok := claims["avatar"].(string); ok {
		user.Avatar = avatar
	}
	if user.Id.IsZero() {
		return nil, fmt.Errorf("token missing user_id")
	}
	user.Color = UserColor(user.Id)
	return user, nil
}
