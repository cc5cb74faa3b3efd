package meelreel

import (
	"fmt"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Doc is one record in the remote store, keyed by collection + key.
// Scalar fields and set-valued fields are kept separate so that set fields
// can only be touched with the set primitives, never overwritten wholesale.
type Doc struct {
	Key       string              `json:"key"`
	CreatedAt time.Time           `json:"createdAt"`
	Fields    map[string]string   `json:"fields,omitempty"`
	Sets      map[string][]string `json:"sets,omitempty"`
}

func NewDoc(key string) *Doc {
	return &Doc{
		Key:    key,
		Fields: map[string]string{},
	}
}

func (self *Doc) Clone() *Doc {
	doc := &Doc{
		Key:       self.Key,
		CreatedAt: self.CreatedAt,
		Fields:    maps.Clone(self.Fields),
	}
	if self.Sets != nil {
		doc.Sets = map[string][]string{}
		for field, members := range self.Sets {
			doc.Sets[field] = slices.Clone(members)
		}
	}
	return doc
}

func (self *Doc) Field(name string) string {
	return self.Fields[name]
}

func (self *Doc) WithField(name string, value string) *Doc {
	if self.Fields == nil {
		self.Fields = map[string]string{}
	}
	self.Fields[name] = value
	return self
}

// members are kept sorted so snapshots are deterministic
func (self *Doc) SetMembers(name string) []string {
	return self.Sets[name]
}

func (self *Doc) HasMember(name string, member string) bool {
	_, ok := slices.BinarySearch(self.Sets[name], member)
	return ok
}

func (self *Doc) addMember(name string, member string) bool {
	if self.Sets == nil {
		self.Sets = map[string][]string{}
	}
	members := self.Sets[name]
	i, ok := slices.BinarySearch(members, member)
	if ok {
		// already present
		return false
	}
	self.Sets[name] = slices.Insert(members, i, member)
	return true
}

func (self *Doc) removeMember(name string, member string) bool {
	members := self.Sets[name]
	i, ok := slices.BinarySearch(members, member)
	if !ok {
		// not present
		return false
	}
	self.Sets[name] = slices.Delete(members, i, i+1)
	return true
}

type User struct {
	Id            Id
	Username      string
	Email         string
	ProfilePicRef string
	Followers     map[Id]bool
	Following     map[Id]bool
	CreatedAt     time.Time
}

func UserFromDoc(doc *Doc) (*User, error) {
	userId, err := ParseId(doc.Key)
	if err != nil {
		return nil, fmt.Errorf("bad user key: %w", err)
	}
	followers, err := idSet(doc.SetMembers(FieldFollowers))
	if err != nil {
		return nil, err
	}
	following, err := idSet(doc.SetMembers(FieldFollowing))
	if err != nil {
		return nil, err
	}
	return &User{
		Id:            userId,
		Username:      doc.Field(FieldUsername),
		Email:         doc.Field(FieldEmail),
		ProfilePicRef: doc.Field(FieldProfilePicRef),
		Followers:     followers,
		Following:     following,
		CreatedAt:     doc.CreatedAt,
	}, nil
}

func (self *User) Follows(other Id) bool {
	return self.Following[other]
}

func (self *User) FollowedBy(other Id) bool {
	return self.Followers[other]
}

type Post struct {
	Id          Id
	AuthorId    Id
	Username    string
	Name        string
	Description string
	MealType    MealType
	MediaRef    string
	Likes       map[Id]bool
	CreatedAt   time.Time
}

func PostFromDoc(doc *Doc) (*Post, error) {
	postId, err := ParseId(doc.Key)
	if err != nil {
		return nil, fmt.Errorf("bad post key: %w", err)
	}
	authorId, err := ParseId(doc.Field(FieldAuthorId))
	if err != nil {
		return nil, fmt.Errorf("bad post author: %w", err)
	}
	mealType, err := ParseMealType(doc.Field(FieldMealType))
	if err != nil {
		return nil, err
	}
	likes, err := idSet(doc.SetMembers(FieldLikes))
	if err != nil {
		return nil, err
	}
	return &Post{
		Id:          postId,
		AuthorId:    authorId,
		Username:    doc.Field(FieldUsername),
		Name:        doc.Field(FieldPostName),
		Description: doc.Field(FieldPostDescription),
		MealType:    mealType,
		MediaRef:    doc.Field(FieldMediaRef),
		Likes:       likes,
		CreatedAt:   doc.CreatedAt,
	}, nil
}

func (self *Post) LikedBy(userId Id) bool {
	return self.Likes[userId]
}

// the displayed count is always derived from the set, never stored
func (self *Post) LikeCount() int {
	return len(self.Likes)
}

type Comment struct {
	Id        Id
	PostId    Id
	AuthorId  Id
	Username  string
	Text      string
	CreatedAt time.Time
}

func CommentFromDoc(postId Id, doc *Doc) (*Comment, error) {
	commentId, err := ParseId(doc.Key)
	if err != nil {
		return nil, fmt.Errorf("bad comment key: %w", err)
	}
	authorId, err := ParseId(doc.Field(FieldAuthorId))
	if err != nil {
		return nil, fmt.Errorf("bad comment author: %w", err)
	}
	return &Comment{
		Id:        commentId,
		PostId:    postId,
		AuthorId:  authorId,
		Username:  doc.Field(FieldUsername),
		Text:      doc.Field(FieldText),
		CreatedAt: doc.CreatedAt,
	}, nil
}

func idSet(members []string) (map[Id]bool, error) {
	set := map[Id]bool{}
	for _, member := range members {
		id, err := ParseId(member)
		if err != nil {
			return nil, err
		}
		set[id] = true
	}
	return set, nil
}
