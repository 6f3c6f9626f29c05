// Package rooms indexes which connections are subscribed to which
// broadcast channels. Rooms are created on first join and dropped on last
// leave, so short-lived post rooms do not accumulate.
package rooms

import "strings"

const (
	userPrefix         = "user:"
	conversationPrefix = "conv:"
	postPrefix         = "post:"
)

// User is the personal room reaching every device of a user.
func User(userID string) string { return userPrefix + userID }

func Conversation(conversationID string) string { return conversationPrefix + conversationID }

func Post(postID string) string { return postPrefix + postID }

// ConversationID returns the id of a conv:<id> room.
func ConversationID(room string) (string, bool) {
	if !strings.HasPrefix(room, conversationPrefix) {
		return "", false
	}
	return strings.TrimPrefix(room, conversationPrefix), true
}

// PostID returns the id of a post:<id> room.
func PostID(room string) (string, bool) {
	id, ok := strings.CutPrefix(room, postPrefix)
	return id, ok && id != ""
}

// Index is a many-to-many relation between connections and rooms. It is
// not safe for concurrent use.
type Index[C comparable] struct {
	members map[string]map[C]struct{}
	joined  map[C]map[string]struct{}
}

func NewIndex[C comparable]() *Index[C] {
	return &Index[C]{
		members: make(map[string]map[C]struct{}),
		joined:  make(map[C]map[string]struct{}),
	}
}

func (x *Index[C]) Join(conn C, room string) {
	if room == "" {
		return
	}
	members, ok := x.members[room]
	if !ok {
		members = make(map[C]struct{})
		x.members[room] = members
	}
	members[conn] = struct{}{}

	rooms, ok := x.joined[conn]
	if !ok {
		rooms = make(map[string]struct{})
		x.joined[conn] = rooms
	}
	rooms[room] = struct{}{}
}

func (x *Index[C]) Leave(conn C, room string) {
	if members, ok := x.members[room]; ok {
		delete(members, conn)
		if len(members) == 0 {
			delete(x.members, room)
		}
	}
	if rooms, ok := x.joined[conn]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(x.joined, conn)
		}
	}
}

// LeaveAll removes conn from every room and returns the rooms it was in.
func (x *Index[C]) LeaveAll(conn C) []string {
	rooms := x.joined[conn]
	left := make([]string, 0, len(rooms))
	for room := range rooms {
		left = append(left, room)
		if members, ok := x.members[room]; ok {
			delete(members, conn)
			if len(members) == 0 {
				delete(x.members, room)
			}
		}
	}
	delete(x.joined, conn)
	return left
}

// Members returns a copy of the connections in room.
func (x *Index[C]) Members(room string) []C {
	members := x.members[room]
	conns := make([]C, 0, len(members))
	for conn := range members {
		conns = append(conns, conn)
	}
	return conns
}

func (x *Index[C]) Has(conn C, room string) bool {
	_, ok := x.members[room][conn]
	return ok
}

// Joined returns the rooms conn is in.
func (x *Index[C]) Joined(conn C) []string {
	rooms := x.joined[conn]
	out := make([]string, 0, len(rooms))
	for room := range rooms {
		out = append(out, room)
	}
	return out
}

// Len is the number of non-empty rooms.
func (x *Index[C]) Len() int {
	return len(x.members)
}
