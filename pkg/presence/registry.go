// Package presence tracks which users currently hold a live connection.
package presence

import (
	"errors"
	"sort"
	"strings"
)

// UndefinedIdentity is what some clients send when the user id is not set yet.
const UndefinedIdentity = "undefined"

var ErrInvalidIdentity = errors.New("invalid user identity")

// ValidIdentity reports whether userID may be registered.
func ValidIdentity(userID string) bool {
	userID = strings.TrimSpace(userID)
	return userID != "" && userID != UndefinedIdentity
}

// Registry maps a user to its single active connection. The newest
// registration wins; a superseded connection is left open but can no
// longer be found through Lookup.
//
// A Registry is not safe for concurrent use. The hub owns it from its
// dispatch goroutine.
type Registry[C comparable] struct {
	conns map[string]C
}

func NewRegistry[C comparable]() *Registry[C] {
	return &Registry[C]{conns: make(map[string]C)}
}

// Register records conn as the active connection of userID. It returns
// true when userID was not online before.
func (r *Registry[C]) Register(userID string, conn C) (bool, error) {
	if !ValidIdentity(userID) {
		return false, ErrInvalidIdentity
	}
	_, existed := r.conns[userID]
	r.conns[userID] = conn
	return !existed, nil
}

func (r *Registry[C]) Lookup(userID string) (C, bool) {
	conn, ok := r.conns[userID]
	return conn, ok
}

// Unregister removes userID only while conn is still its active connection.
// It returns true when userID went offline.
func (r *Registry[C]) Unregister(userID string, conn C) bool {
	current, ok := r.conns[userID]
	if !ok || current != conn {
		return false
	}
	delete(r.conns, userID)
	return true
}

// Online returns the sorted ids of every user with a live connection.
func (r *Registry[C]) Online() []string {
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry[C]) Len() int {
	return len(r.conns)
}
