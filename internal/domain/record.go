package domain

import (
	"cmp"
	"strconv"
	"strings"
	"time"
)

// Record is a single post or comment held in a synchronized collection.
type Record struct {
	// ID uniquely identifies the record within its table. It is stable across
	// updates.
	ID string

	// OwnerID is the id of the authoring user. It never changes.
	OwnerID string

	// ScopeKey is the containing post id for comments and empty for posts.
	ScopeKey string

	// Payload is the editable text: the title of a post or the description of
	// a comment.
	Payload string

	// CreatedAt is set once by the store when the record is created.
	CreatedAt time.Time

	// UpdatedAt advances on every mutation.
	UpdatedAt time.Time
}

// Kind identifies which table a scope reads from.
type Kind string

const (
	KindPosts    Kind = "posts"
	KindComments Kind = "comments"
)

// Scope bounds which records a collection tracks: every post, or the comments
// of one post.
type Scope struct {
	Kind   Kind
	PostID string
}

// PostsScope returns the scope covering all posts.
func PostsScope() Scope {
	return Scope{Kind: KindPosts}
}

// CommentsScope returns the scope covering the comments of a single post.
func CommentsScope(postID string) Scope {
	return Scope{Kind: KindComments, PostID: postID}
}

// Validate reports whether the scope can be used to query the store.
func (s Scope) Validate() error {
	switch s.Kind {
	case KindPosts:
		return nil
	case KindComments:
		if s.PostID == "" {
			return &ValidationError{Field: "post_id", Reason: "comments scope requires a post id"}
		}
		return nil
	default:
		return &ValidationError{Field: "kind", Reason: "unknown scope kind " + strconv.Quote(string(s.Kind))}
	}
}

// Table returns the name of the backing table.
func (s Scope) Table() string {
	return string(s.Kind)
}

// Filter returns the row filter for the scope in column=op.value form, or an
// empty string when the scope is unfiltered.
func (s Scope) Filter() string {
	if s.Kind == KindComments {
		return "post_id=eq." + s.PostID
	}
	return ""
}

// Topic returns the change-feed channel name for the scope.
func (s Scope) Topic() string {
	topic := "realtime:public:" + s.Table()
	if f := s.Filter(); f != "" {
		topic += ":" + f
	}
	return topic
}

// String implements fmt.Stringer.
func (s Scope) String() string {
	if s.PostID != "" {
		return string(s.Kind) + "/" + s.PostID
	}
	return string(s.Kind)
}

// Less reports whether a sorts before b in a collection for this scope. Posts
// are newest first; comments follow id order.
func (s Scope) Less(a, b Record) bool {
	if s.Kind == KindPosts {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
	}
	return CompareIDs(a.ID, b.ID) < 0
}

// CompareIDs orders integer ids numerically, then all other ids lexically
// after them, so mixed id sets still sort consistently.
func CompareIDs(a, b string) int {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	switch {
	case aerr == nil && berr == nil:
		return cmp.Compare(ai, bi)
	case aerr == nil:
		return -1
	case berr == nil:
		return 1
	default:
		return strings.Compare(a, b)
	}
}
