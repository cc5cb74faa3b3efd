package meelreel

import (
	"testing"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/go-playground/assert/v2"
)

func signTestJwt(t *testing.T, userId Id, username string) string {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id":  userId.String(),
		"username": username,
	})
	byJwtStr, err := token.SignedString([]byte("test secret"))
	assert.Equal(t, err, nil)
	return byJwtStr
}

func TestParseByJwt(t *testing.T) {
	userId := NewId()
	byJwtStr := signTestJwt(t, userId, "alice")

	byJwt, err := ParseByJwtUnverified(byJwtStr)
	assert.Equal(t, err, nil)
	assert.Equal(t, userId, byJwt.UserId)
	assert.Equal(t, "alice", byJwt.Username)

	_, err = ParseByJwtUnverified("not a jwt")
	assert.NotEqual(t, err, nil)
}

func TestJwtAuth(t *testing.T) {
	userId := NewId()
	auth, err := NewJwtAuth(signTestJwt(t, userId, "alice"))
	assert.Equal(t, err, nil)

	identity, ok := auth.CurrentIdentity()
	assert.Equal(t, true, ok)
	assert.Equal(t, userId, identity)

	auth.SignOut()
	_, ok = auth.CurrentIdentity()
	assert.Equal(t, false, ok)
}

func TestStaticAuth(t *testing.T) {
	userId := NewId()
	auth := NewStaticAuth(userId)

	identity, ok := auth.CurrentIdentity()
	assert.Equal(t, true, ok)
	assert.Equal(t, userId, identity)
}
