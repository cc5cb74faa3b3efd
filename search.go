package meelreel

import (
	"strings"
)

// case-insensitive substring search over live snapshot data. The inputs
// are whatever the caller's feeds currently hold; there is no separate
// index to fall out of date.

func SearchPosts(posts []*Post, query string) []*Post {
	needle := strings.ToLower(query)
	matched := []*Post{}
	for _, post := range posts {
		if strings.Contains(strings.ToLower(post.Name), needle) ||
			strings.Contains(strings.ToLower(post.Description), needle) ||
			strings.Contains(strings.ToLower(post.Username), needle) {
			matched = append(matched, post)
		}
	}
	return matched
}

func SearchUsers(users []*User, query string) []*User {
	needle := strings.ToLower(query)
	matched := []*User{}
	for _, user := range users {
		if strings.Contains(strings.ToLower(user.Username), needle) ||
			strings.Contains(strings.ToLower(user.Email), needle) {
			matched = append(matched, user)
		}
	}
	return matched
}

// posts of one author narrowed by meal type, for the profile grid filter
func FilterPostsByMealType(posts []*Post, mealType MealType) []*Post {
	filtered := []*Post{}
	for _, post := range posts {
		if post.MealType == mealType {
			filtered = append(filtered, post)
		}
	}
	return filtered
}
