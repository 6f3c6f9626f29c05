// Package hub binds client connections to presence, rooms, typing and
// message delivery. A single goroutine owns all of that state; everything
// else talks to it through its inbox.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/juju/clock"

	"github.com/mahaj/pulse/pkg/delivery"
	"github.com/mahaj/pulse/pkg/model"
	"github.com/mahaj/pulse/pkg/presence"
	"github.com/mahaj/pulse/pkg/rooms"
	"github.com/mahaj/pulse/pkg/typing"
	"github.com/mahaj/pulse/pkg/workerpool"
)

const (
	inboxSize        = 1024
	defaultWorkers   = 8
	workerQueueSize  = 256
	defaultOpTimeout = 5 * time.Second
)

var (
	ErrClosed = errors.New("hub is closed")
	// ErrBusy is returned for work refused because its worker is backed up.
	ErrBusy = errors.New("hub is busy")
)

// Conn is one client connection as the hub sees it. Send must not block:
// it queues the frame or fails.
type Conn interface {
	ID() string
	UserID() string
	Send(frame []byte) error
	Close()
}

// PresenceSink receives every change of the online set.
type PresenceSink interface {
	Publish(online []string)
}

type Options struct {
	Store     delivery.Store
	Publisher delivery.Publisher
	IDs       delivery.IDGenerator
	Presence  PresenceSink
	Clock     clock.Clock
	Logger    *slog.Logger

	TypingQuietPeriod time.Duration
	DeliveryDelay     time.Duration
	Workers           int
	OpTimeout         time.Duration
}

type Hub struct {
	inbox   chan func()
	results chan func() // continuations of persistence tasks
	done    chan struct{}

	// Owned by the dispatch goroutine.
	registry *presence.Registry[Conn]
	rooms    *rooms.Index[Conn]
	typing   *typing.Tracker
	machine  *delivery.Machine
	conns    map[Conn]struct{}
	byUser   map[string][]Conn // every open connection, oldest first

	pool      *workerpool.Pool
	presence  PresenceSink
	clock     clock.Clock
	logger    *slog.Logger
	opTimeout time.Duration

	taskCtx    context.Context
	cancelTask context.CancelFunc
}

func New(opts Options) *Hub {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}

	h := &Hub{
		inbox:     make(chan func(), inboxSize),
		results:   make(chan func(), inboxSize),
		done:      make(chan struct{}),
		registry:  presence.NewRegistry[Conn](),
		rooms:     rooms.NewIndex[Conn](),
		conns:     make(map[Conn]struct{}),
		byUser:    make(map[string][]Conn),
		pool:      workerpool.New(opts.Workers, workerQueueSize, opts.Logger),
		presence:  opts.Presence,
		clock:     opts.Clock,
		logger:    opts.Logger,
		opTimeout: opts.OpTimeout,
	}
	h.taskCtx, h.cancelTask = context.WithCancel(context.Background())
	h.typing = typing.New(opts.Clock, opts.TypingQuietPeriod, func(key typing.Key, gen uint64) {
		h.post(func() { h.typingExpired(key, gen) })
	})
	h.machine = delivery.NewMachine(delivery.Config{
		Store:         opts.Store,
		Publisher:     opts.Publisher,
		IDs:           opts.IDs,
		Clock:         opts.Clock,
		DeliveryDelay: opts.DeliveryDelay,
		Logger:        opts.Logger,
	})
	return h
}

// Run dispatches until ctx is done, then cancels every timer, waits for
// in-flight persistence and closes the remaining connections. Results of
// persistence tasks are handled before new inbound work.
func (h *Hub) Run(ctx context.Context) error {
	h.logger.Info("Hub started")
	defer h.shutdown()
	for {
		select {
		case fn := <-h.results:
			h.handle(fn)
			continue
		default:
		}
		select {
		case <-ctx.Done():
			return nil
		case fn := <-h.results:
			h.handle(fn)
		case fn := <-h.inbox:
			h.handle(fn)
		}
	}
}

func (h *Hub) shutdown() {
	close(h.done)
	h.typing.Close()
	h.machine.Close()
	h.pool.Shutdown()
	h.cancelTask()
	for conn := range h.conns {
		conn.Close()
	}
	h.logger.Info("Hub stopped", "connections", len(h.conns))
}

func (h *Hub) handle(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Recovered from panic in hub handler", "panic", r)
		}
	}()
	fn()
}

// post queues fn for the dispatch goroutine. It returns false once the hub
// has stopped.
func (h *Hub) post(fn func()) bool {
	select {
	case h.inbox <- fn:
		return true
	case <-h.done:
		return false
	}
}

// ask runs fn on the dispatch goroutine and waits for it.
func (h *Hub) ask(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case h.inbox <- func() { defer close(finished); fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrClosed
	}
}

// async runs work on the worker keyed by key and hands its result back to
// the dispatch goroutine through then. It never blocks the dispatch
// goroutine: when the worker's queue is full or the pool has stopped, the
// task is dropped and rejected, if set, runs instead.
func (h *Hub) async(key string, work func(ctx context.Context) func(), rejected func()) {
	ok := h.pool.Submit(key, func() {
		ctx, cancel := context.WithTimeout(h.taskCtx, h.opTimeout)
		defer cancel()
		if then := work(ctx); then != nil {
			select {
			case h.results <- then:
			case <-h.done:
			}
		}
	})
	if ok {
		return
	}
	h.logger.Warn("Dropped persistence task, worker queue is full", "key", key)
	if rejected != nil {
		rejected()
	}
}

// Connect admits a new connection. A connection without a usable identity
// is closed without any event.
func (h *Hub) Connect(conn Conn) {
	h.post(func() { h.connect(conn) })
}

// Disconnect runs the cleanup for conn. It is safe to call more than once.
func (h *Hub) Disconnect(conn Conn) {
	h.post(func() { h.disconnect(conn) })
}

// Dispatch routes one inbound frame from conn.
func (h *Hub) Dispatch(conn Conn, raw []byte) {
	var frame model.Frame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Event == "" {
		h.logger.Warn("Dropped malformed frame", "conn_id", conn.ID(), "user_id", conn.UserID(), "error", err)
		return
	}
	h.post(func() { h.route(conn, frame) })
}

// RecipientConnID returns the id of the connection that currently
// represents userID.
func (h *Hub) RecipientConnID(ctx context.Context, userID string) (string, bool, error) {
	var (
		id string
		ok bool
	)
	err := h.ask(ctx, func() {
		if conn, found := h.registry.Lookup(userID); found {
			id, ok = conn.ID(), true
		}
	})
	return id, ok, err
}

func (h *Hub) IsOnline(ctx context.Context, userID string) (bool, error) {
	_, ok, err := h.RecipientConnID(ctx, userID)
	return ok, err
}

func (h *Hub) Online(ctx context.Context) ([]string, error) {
	var online []string
	err := h.ask(ctx, func() { online = h.registry.Online() })
	return online, err
}

// Emit pushes event to every connection in room.
func (h *Hub) Emit(ctx context.Context, room, event string, payload any) error {
	frame, err := model.NewFrame(event, payload)
	if err != nil {
		return err
	}
	return h.ask(ctx, func() { h.toRoom(room, frame, nil) })
}

func (h *Hub) connect(conn Conn) {
	userID := conn.UserID()
	if _, err := h.registry.Register(userID, conn); err != nil {
		h.logger.Warn("Rejected connection", "conn_id", conn.ID(), "user_id", userID, "error", err)
		conn.Close()
		return
	}
	h.conns[conn] = struct{}{}
	h.byUser[userID] = append(h.byUser[userID], conn)
	h.rooms.Join(conn, rooms.User(userID))
	h.logger.Info("Client registered", "conn_id", conn.ID(), "user_id", userID)

	h.broadcastPresence()
}

func (h *Hub) disconnect(conn Conn) {
	if _, ok := h.conns[conn]; !ok {
		return
	}
	delete(h.conns, conn)
	userID := conn.UserID()

	remaining := h.byUser[userID][:0]
	for _, c := range h.byUser[userID] {
		if c != conn {
			remaining = append(remaining, c)
		}
	}
	if len(remaining) == 0 {
		delete(h.byUser, userID)
	} else {
		h.byUser[userID] = remaining
	}

	wasActive := h.registry.Unregister(userID, conn)
	h.rooms.LeaveAll(conn)
	h.logger.Info("Client unregistered", "conn_id", conn.ID(), "user_id", userID)

	if !wasActive {
		return
	}
	for _, key := range h.typing.StopUser(userID) {
		h.emitTyping(model.EventStopTyping, key, nil)
	}
	if len(remaining) > 0 {
		// The user is still reachable through an older connection.
		h.registry.Register(userID, remaining[len(remaining)-1])
		return
	}
	h.broadcastPresence()
}

func (h *Hub) broadcastPresence() {
	online := h.registry.Online()
	if h.presence != nil {
		h.presence.Publish(online)
	}
	frame, err := model.NewFrame(model.EventOnlineUsers, online)
	if err != nil {
		h.logger.Error("Failed to encode presence", "error", err)
		return
	}
	for conn := range h.conns {
		h.send(conn, frame)
	}
}

func (h *Hub) send(conn Conn, frame []byte) {
	if err := conn.Send(frame); err != nil {
		h.logger.Warn("Closing slow connection", "conn_id", conn.ID(), "user_id", conn.UserID(), "error", err)
		conn.Close()
	}
}

// toRoom sends frame to every member of room except skip.
func (h *Hub) toRoom(room string, frame []byte, skip func(Conn) bool) {
	for _, conn := range h.rooms.Members(room) {
		if skip != nil && skip(conn) {
			continue
		}
		h.send(conn, frame)
	}
}

func (h *Hub) emit(room, event string, payload any, skip func(Conn) bool) {
	frame, err := model.NewFrame(event, payload)
	if err != nil {
		h.logger.Error("Failed to encode event", "event", event, "error", err)
		return
	}
	h.toRoom(room, frame, skip)
}

func (h *Hub) sendTo(conn Conn, event string, payload any) {
	frame, err := model.NewFrame(event, payload)
	if err != nil {
		h.logger.Error("Failed to encode event", "event", event, "error", err)
		return
	}
	h.send(conn, frame)
}

func (h *Hub) connected(conn Conn) bool {
	_, ok := h.conns[conn]
	return ok
}
