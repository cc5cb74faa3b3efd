package meelreel

import (
	"sync"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// the auth collaborator boundary. The core treats identity as an opaque,
// already-authenticated value and threads it explicitly into every call
// that needs one.
type Auth interface {
	CurrentIdentity() (Id, bool)
	SignOut()
}

type ByJwt struct {
	UserId   Id
	Username string
}

// the token is issued and verified by the auth service; here only the
// claims are read
func ParseByJwtUnverified(byJwtStr string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwtStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}
	if userIdValue, ok := claims["user_id"]; ok {
		if userIdStr, ok := userIdValue.(string); ok {
			if userId, err := ParseId(userIdStr); err == nil {
				byJwt.UserId = userId
			}
		}
	}
	if usernameValue, ok := claims["username"]; ok {
		if username, ok := usernameValue.(string); ok {
			byJwt.Username = username
		}
	}
	return byJwt, nil
}

type JwtAuth struct {
	stateLock sync.Mutex
	byJwt     *ByJwt
}

func NewJwtAuth(byJwtStr string) (*JwtAuth, error) {
	byJwt, err := ParseByJwtUnverified(byJwtStr)
	if err != nil {
		return nil, err
	}
	return &JwtAuth{
		byJwt: byJwt,
	}, nil
}

func (self *JwtAuth) CurrentIdentity() (Id, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.byJwt == nil || self.byJwt.UserId == (Id{}) {
		return Id{}, false
	}
	return self.byJwt.UserId, true
}

func (self *JwtAuth) SignOut() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.byJwt = nil
}

// fixed identity, for tests and tools
type StaticAuth struct {
	userId Id
}

func NewStaticAuth(userId Id) *StaticAuth {
	return &StaticAuth{
		userId: userId,
	}
}

func (self *StaticAuth) CurrentIdentity() (Id, bool) {
	return self.userId, true
}

func (self *StaticAuth) SignOut() {
}
