package meelreel

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// top-level collections in the remote store
const (
	CollectionUsers     = "users"
	CollectionPosts     = "posts"
	CollectionUsernames = "usernames"
)

// set-valued fields mutated only through the set mutator
const (
	FieldFollowers = "followers"
	FieldFollowing = "following"
	FieldLikes     = "likes"
)

// scalar fields
const (
	FieldUsername        = "username"
	FieldEmail           = "email"
	FieldProfilePicRef   = "profilePicRef"
	FieldUserId          = "uid"
	FieldAuthorId        = "authorId"
	FieldPostName        = "postName"
	FieldPostDescription = "postDescription"
	FieldMealType        = "mealType"
	FieldMediaRef        = "mediaRef"
	FieldText            = "text"
)

// comments live in a subcollection under their post
func CommentsCollection(postId Id) string {
	return fmt.Sprintf("%s/%s/comments", CollectionPosts, postId)
}

type MealType string

const (
	MealTypeBreakfast MealType = "breakfast"
	MealTypeLunch     MealType = "lunch"
	MealTypeDinner    MealType = "dinner"
	MealTypeSnack     MealType = "snack"
)

func ParseMealType(mealTypeStr string) (MealType, error) {
	switch mealType := MealType(mealTypeStr); mealType {
	case MealTypeBreakfast, MealTypeLunch, MealTypeDinner, MealTypeSnack:
		return mealType, nil
	default:
		return "", fmt.Errorf("unknown meal type %q", mealTypeStr)
	}
}

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func RequireParseId(idStr string) Id {
	id, err := ParseId(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	b := buff.Bytes()
	return b, nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}
