package rooms

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoomNames(t *testing.T) {
	assert.Equal(t, "user:42", User("42"))
	assert.Equal(t, "conv:c1", Conversation("c1"))
	assert.Equal(t, "post:p9", Post("p9"))

	id, ok := ConversationID("conv:c1")
	assert.True(t, ok)
	assert.Equal(t, "c1", id)
	_, ok = ConversationID("post:p9")
	assert.False(t, ok)

	id, ok = PostID("post:p9")
	assert.True(t, ok)
	assert.Equal(t, "p9", id)
	_, ok = PostID("post:")
	assert.False(t, ok)
	_, ok = PostID("user:42")
	assert.False(t, ok)
}

func TestJoinLeaveIdempotent(t *testing.T) {
	x := NewIndex[string]()

	x.Join("c1", "post:1")
	x.Join("c1", "post:1")
	x.Join("c2", "post:1")
	assert.ElementsMatch(t, []string{"c1", "c2"}, x.Members("post:1"))

	x.Leave("c1", "post:1")
	x.Leave("c1", "post:1")
	assert.Equal(t, []string{"c2"}, x.Members("post:1"))
	assert.False(t, x.Has("c1", "post:1"))
	assert.True(t, x.Has("c2", "post:1"))

	x.Leave("nobody", "post:404")
	assert.Equal(t, 1, x.Len())
}

func TestEmptyRoomIsPruned(t *testing.T) {
	x := NewIndex[string]()

	x.Join("c1", "post:1")
	x.Leave("c1", "post:1")

	assert.Zero(t, x.Len())
	assert.NotNil(t, x.Members("post:1"))
	assert.Empty(t, x.Members("post:1"))
	assert.Empty(t, x.Joined("c1"))
}

func TestLeaveAll(t *testing.T) {
	x := NewIndex[string]()
	x.Join("c1", "user:a")
	x.Join("c1", "conv:x")
	x.Join("c1", "post:1")
	x.Join("c2", "conv:x")

	left := x.LeaveAll("c1")
	sort.Strings(left)
	assert.Equal(t, []string{"conv:x", "post:1", "user:a"}, left)

	assert.Equal(t, 1, x.Len(), "only conv:x still has a member")
	assert.Equal(t, []string{"c2"}, x.Members("conv:x"))
	assert.Empty(t, x.LeaveAll("c1"))
}

func TestPostRoomChurnDoesNotLeak(t *testing.T) {
	x := NewIndex[int]()

	for cycle := 0; cycle < 50; cycle++ {
		for conn := 0; conn < 100; conn++ {
			x.Join(conn, Post(fmt.Sprint(cycle*100+conn)))
			x.Join(conn, Post("shared"))
		}
		for conn := 0; conn < 100; conn++ {
			if conn%2 == 0 {
				x.Leave(conn, Post(fmt.Sprint(cycle*100+conn)))
				x.Leave(conn, Post("shared"))
			} else {
				x.LeaveAll(conn)
			}
		}
		assert.Zero(t, x.Len(), "cycle %d", cycle)
	}
	assert.Empty(t, x.joined)
	assert.Empty(t, x.members)
}
