package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"

	"github.com/mahaj/pulse/pkg/model"
	"github.com/mahaj/pulse/pkg/rooms"
)

// session is a gateway connection that redials when it drops and joins
// the rooms it was in again.
type session struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger *slog.Logger

	attempts int
	delay    time.Duration
	maxDelay time.Duration
	clock    clock.Clock

	mu    sync.Mutex
	conn  *websocket.Conn
	rooms map[string]outbound // joins to replay, by room
}

func newSession(url string, header http.Header, logger *slog.Logger) *session {
	return &session{
		url:      url,
		header:   header,
		dialer:   websocket.DefaultDialer,
		logger:   logger,
		attempts: 10,
		delay:    time.Second,
		maxDelay: 5 * time.Second,
		clock:    clock.WallClock,
		rooms:    make(map[string]outbound),
	}
}

// connect dials with backoff and replays the room joins.
func (s *session) connect(ctx context.Context) error {
	var conn *websocket.Conn
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			c, resp, err := s.dialer.DialContext(ctx, s.url, s.header)
			if err != nil {
				if resp != nil && resp.StatusCode == http.StatusUnauthorized {
					return errors.Unauthorizedf("gateway refused the token")
				}
				return err
			}
			conn = c
			return nil
		},
		IsFatalError: func(err error) bool { return errors.Is(err, errors.Unauthorized) },
		NotifyFunc: func(err error, attempt int) {
			s.logger.Warn("Dial failed", "attempt", attempt, "error", err)
		},
		Attempts:    s.attempts,
		Delay:       s.delay,
		MaxDelay:    s.maxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       s.clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		return errors.Annotate(retry.LastError(err), "dial gateway")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	for _, join := range s.rooms {
		if err := s.writeLocked(join); err != nil {
			return err
		}
	}
	return nil
}

// send writes one frame and remembers joins and leaves for reconnects.
func (s *session) send(out outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track(out)
	if s.conn == nil {
		return errors.New("not connected")
	}
	return s.writeLocked(out)
}

func (s *session) track(out outbound) {
	switch out.event {
	case model.EventJoinConversation:
		s.rooms[rooms.Conversation(out.data.(model.ConversationRef).ConversationID)] = out
	case model.EventLeaveConversation:
		delete(s.rooms, rooms.Conversation(out.data.(model.ConversationRef).ConversationID))
	case model.EventJoinPost:
		s.rooms[rooms.Post(out.data.(string))] = out
	case model.EventLeavePost:
		delete(s.rooms, rooms.Post(out.data.(string)))
	}
}

func (s *session) writeLocked(out outbound) error {
	frame, err := model.NewFrame(out.event, out.data)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// read returns the next frame, redialing once the connection drops.
func (s *session) read(ctx context.Context) (model.Frame, error) {
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		_, raw, err := conn.ReadMessage()
		if err == nil {
			var frame model.Frame
			if err := json.Unmarshal(raw, &frame); err != nil {
				s.logger.Warn("Received malformed frame", "frame", string(raw))
				continue
			}
			return frame, nil
		}
		// A normal close is the gateway hanging up on purpose.
		if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return model.Frame{}, err
		}
		s.logger.Warn("Connection lost, reconnecting", "error", err)
		conn.Close()
		if err := s.connect(ctx); err != nil {
			return model.Frame{}, err
		}
	}
}

// close says goodbye to the gateway.
func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return
	}
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.conn.Close()
}
