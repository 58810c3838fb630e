package collab

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/coedit/collab/protocol"
)

var testSecret = []byte("test-secret")

func TestIdentityTokenRoundTrip(t *testing.T) {
	user := testUser("alice")
	user.Avatar = "https://example.com/alice.png"

	token, err := NewIdentityToken(user, testSecret, time.Hour)
	assert.Equal(t, err, nil)
	assert.NotEqual(t, token, "")

	verified, err := VerifyIdentityToken(token, testSecret)
	assert.Equal(t, err, nil)
	assert.Equal(t, verified.Id, user.Id)
	assert.Equal(t, verified.Name, "alice")
	assert.Equal(t, verified.Avatar, user.Avatar)
	assert.Equal(t, verified.Color, UserColor(user.Id))
}

func TestIdentityTokenWrongSecret(t *testing.T) {
	token, err := NewIdentityToken(testUser("alice"), testSecret, time.Hour)
	assert.Equal(t, err, nil)

	verified, err := VerifyIdentityToken(token, []byte("other-secret"))
	assert.NotEqual(t, err, nil)
	assert.Equal(t, verified, nil)
}

func TestTokenIdentity(t *testing.T) {
	user := testUser("bob")
	token, err := NewIdentityToken(user, testSecret, time.Hour)
	assert.Equal(t, err, nil)

	// the client reads the claims without the secret
	identity, err := NewTokenIdentity(token)
	assert.Equal(t, err, nil)
	assert.Equal(t, identity.CurrentUserId(), user.Id)
	assert.Equal(t, identity.CurrentUser().Name, "bob")
	assert.Equal(t, identity.CurrentUser().Color, UserColor(user.Id))
	assert.Equal(t, identity.Token(), token)

	// callers get copies
	mutated := identity.CurrentUser()
	mutated.Name = "mallory"
	assert.Equal(t, identity.CurrentUser().Name, "bob")
}

func TestTokenIdentityInvalid(t *testing.T) {
	identity, err := NewTokenIdentity("not-a-token")
	assert.NotEqual(t, err, nil)
	assert.Equal(t, identity, nil)

	// a token without a user id is rejected
	token, err := NewIdentityToken(&protocol.User{Name: "nobody"}, testSecret, time.Hour)
	assert.Equal(t, err, nil)
	identity, err = NewTokenIdentity(token)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, identity, nil)

	verified, err := VerifyIdentityToken(token, testSecret)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, verified, nil)
}

func TestStaticIdentity(t *testing.T) {
	user := testUser("carol")
	identity := NewStaticIdentity(user)
	assert.Equal(t, identity.CurrentUserId(), user.Id)
	assert.Equal(t, identity.CurrentUser().Color, UserColor(user.Id))

	// an explicit color is preserved
	user.Color = "#112233"
	identity = NewStaticIdentity(user)
	assert.Equal(t, identity.CurrentUser().Color, "#112233")

	// the identity copied its input
	user.Name = "mallory"
	assert.Equal(t, identity.CurrentUser().Name, "carol")
}
