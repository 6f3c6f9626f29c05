// Package typing tracks who is composing a message in which conversation.
package typing

import (
	"sort"
	"time"

	"github.com/juju/clock"
)

// DefaultQuietPeriod is how long a user stays "typing" without a new signal.
const DefaultQuietPeriod = 2 * time.Second

type Key struct {
	ConversationID string
	UserID         string
}

type entry struct {
	timer clock.Timer
	gen   uint64
}

// Tracker holds the typing state of every (conversation, user) pair. A
// pair is idle unless it has an entry. Each entry owns exactly one timer;
// restarting it stops the previous one.
//
// Tracker is not safe for concurrent use. Timer expiry is reported through
// the expired callback, from the clock's goroutine, and must be fed back to
// Expire on the owning goroutine together with the generation it carries.
type Tracker struct {
	clock   clock.Clock
	quiet   time.Duration
	expired func(Key, uint64)
	entries map[Key]*entry
	gen     uint64
}

func New(clk clock.Clock, quiet time.Duration, expired func(Key, uint64)) *Tracker {
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	return &Tracker{
		clock:   clk,
		quiet:   quiet,
		expired: expired,
		entries: make(map[Key]*entry),
	}
}

// Start handles a typing signal. It returns true only when the pair moved
// from idle to typing; later signals just push the quiet period back.
func (t *Tracker) Start(key Key) bool {
	e, typing := t.entries[key]
	if typing {
		e.timer.Stop()
	} else {
		e = &entry{}
		t.entries[key] = e
	}

	t.gen++
	gen := t.gen
	e.gen = gen
	e.timer = t.clock.AfterFunc(t.quiet, func() {
		if t.expired != nil {
			t.expired(key, gen)
		}
	})
	return !typing
}

// Stop handles an explicit stop signal. It returns true if the pair was typing.
func (t *Tracker) Stop(key Key) bool {
	e, ok := t.entries[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.entries, key)
	return true
}

// Expire ends the typing state for key if gen is still its current timer.
// Expiries that were overtaken by a newer Start are ignored.
func (t *Tracker) Expire(key Key, gen uint64) bool {
	e, ok := t.entries[key]
	if !ok || e.gen != gen {
		return false
	}
	delete(t.entries, key)
	return true
}

// StopUser ends every typing state of userID and returns the affected keys,
// ordered by conversation.
func (t *Tracker) StopUser(userID string) []Key {
	var stopped []Key
	for key, e := range t.entries {
		if key.UserID != userID {
			continue
		}
		e.timer.Stop()
		delete(t.entries, key)
		stopped = append(stopped, key)
	}
	sort.Slice(stopped, func(i, j int) bool {
		return stopped[i].ConversationID < stopped[j].ConversationID
	})
	return stopped
}

func (t *Tracker) Typing(key Key) bool {
	_, ok := t.entries[key]
	return ok
}

func (t *Tracker) Len() int {
	return len(t.entries)
}

// Close stops every pending timer.
func (t *Tracker) Close() {
	for key, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, key)
	}
}
