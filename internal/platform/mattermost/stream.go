package mattermost

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/anneschuth/claude-threads-sub002/internal/common/logger"
	"github.com/anneschuth/claude-threads-sub002/internal/platform"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024

	dialTimeout    = 15 * time.Second
	maxBackoff     = 30 * time.Second
	eventQueueSize = 256
)

// wsEvent is an inbound frame: a server event, or a response to one of
// our frames (Status set, Event empty).
type wsEvent struct {
	Event    string                 `json:"event"`
	Data     map[string]interface{} `json:"data"`
	Seq      int64                  `json:"seq"`
	Status   string                 `json:"status"`
	SeqReply int64                  `json:"seq_reply"`
}

// wsRequest is an outbound client frame.
type wsRequest struct {
	Action string                 `json:"action"`
	Seq    int64                  `json:"seq"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

// eventStream maintains the websocket connection to Mattermost,
// reconnecting with backoff until closed. Handler dispatch runs on its
// own goroutine behind a queue so a slow handler cannot stall the read
// pump past the pong deadline.
type eventStream struct {
	c   *Client
	log *logger.Logger

	seq atomic.Int64

	mu   sync.Mutex
	conn *websocket.Conn

	events    chan wsEvent
	sendCh    chan wsRequest
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newEventStream(c *Client) *eventStream {
	return &eventStream{
		c:       c,
		log:     c.log,
		events:  make(chan wsEvent, eventQueueSize),
		sendCh:  make(chan wsRequest, 16),
		closeCh: make(chan struct{}),
	}
}

// start dials once synchronously so bad credentials or an unreachable
// server surface at Connect, then hands the connection to the
// reconnect loop. ctx bounds the stream's lifetime.
func (s *eventStream) start(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	s.setConn(conn)

	s.wg.Add(2)
	go s.dispatchPump(ctx)
	go s.run(ctx, conn)
	return nil
}

// close shuts the stream down and waits for its goroutines.
func (s *eventStream) close() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
}

func (s *eventStream) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *eventStream) nextSeq() int64 { return s.seq.Add(1) }

func (s *eventStream) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(s.c.baseURL, "http") + "/api/v4/websocket"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.c.cfg.Token)

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, header)
	if err != nil {
		return nil, err
	}

	// Reverse proxies sometimes strip the Authorization header from the
	// upgrade request; the challenge frame authenticates in either case.
	challenge := wsRequest{
		Action: "authentication_challenge",
		Seq:    s.nextSeq(),
		Data:   map[string]interface{}{"token": s.c.cfg.Token},
	}
	if err := conn.WriteJSON(challenge); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// run serves the current connection and reconnects with backoff when it
// drops.
func (s *eventStream) run(ctx context.Context, conn *websocket.Conn) {
	defer s.wg.Done()

	backoff := time.Second
	for {
		s.serve(conn)
		s.setConn(nil)

		for {
			select {
			case <-s.closeCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}

			next, err := s.dial(ctx)
			if err != nil {
				s.log.Warn("websocket reconnect failed",
					zap.Duration("retry_in", backoff), zap.Error(err))
				if backoff *= 2; backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			conn = next
			backoff = time.Second
			s.setConn(conn)
			s.log.Info("websocket reconnected")
			break
		}
	}
}

// serve runs the read and write pumps for one connection and returns
// when it dies.
func (s *eventStream) serve(conn *websocket.Conn) {
	done := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.writePump(conn, done)
	}()
	s.readPump(conn)
	close(done)
	_ = conn.Close()
}

// readPump reads frames until the connection dies, queueing server
// events for dispatch.
func (s *eventStream) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closeCh:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.log.Warn("websocket read error", zap.Error(err))
				}
			}
			return
		}

		var ev wsEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			s.log.Debug("unparseable websocket frame", zap.Error(err))
			continue
		}
		if ev.Event == "" {
			continue // ack for one of our frames
		}

		select {
		case s.events <- ev:
		default:
			s.log.Warn("event queue full, dropping event", zap.String("event", ev.Event))
		}
	}
}

// writePump owns all writes on the connection: queued client frames and
// keepalive pings.
func (s *eventStream) writePump(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-s.closeCh:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, nil)
			return
		case req := <-s.sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(req); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatchPump delivers queued events to the runtime's handlers one at
// a time so per-thread ordering holds.
func (s *eventStream) dispatchPump(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.closeCh:
			return
		case <-ctx.Done():
			return
		case ev := <-s.events:
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *eventStream) handleEvent(ctx context.Context, ev wsEvent) {
	switch ev.Event {
	case "hello":
		s.log.Debug("websocket authenticated")
	case "posted":
		s.handlePosted(ctx, ev)
	case "reaction_added":
		s.handleReaction(ctx, ev, true)
	case "reaction_removed":
		s.handleReaction(ctx, ev, false)
	default:
		s.log.Debug("ignoring websocket event", zap.String("event", ev.Event))
	}
}

// handlePosted turns a posted event into OnMessage and OnChannelPost
// callbacks. The post payload arrives as a JSON string inside the event
// data.
func (s *eventStream) handlePosted(ctx context.Context, ev wsEvent) {
	raw, _ := ev.Data["post"].(string)
	if raw == "" {
		return
	}
	var ap apiPost
	if err := json.Unmarshal([]byte(raw), &ap); err != nil {
		s.log.Debug("unparseable post payload", zap.Error(err))
		return
	}
	if ap.Type != "" {
		return // system messages (joins, pins, ...) are not conversation
	}
	if !s.c.channelAllowed(ap.ChannelID) {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, restTimeout)
	user, err := s.c.userByID(callCtx, ap.UserID)
	cancel()
	if err != nil {
		s.log.Warn("resolve post author failed",
			zap.String("user_id", ap.UserID), zap.Error(err))
		return
	}

	// Warm the thread → channel mapping so replies skip a REST lookup.
	threadID := ap.RootID
	if threadID == "" {
		threadID = ap.ID
	}
	s.c.threads.Set(threadID, ap.ChannelID, gocache.DefaultExpiration)

	post := s.c.toPost(&ap, user.Username)
	h := s.c.handlersSnapshot()

	if post.ThreadID != "" {
		if h.OnMessage != nil {
			h.OnMessage(post, user)
		}
		return
	}

	if h.OnChannelPost != nil {
		h.OnChannelPost(post)
	}
	if h.OnMessage != nil && s.c.IsBotMentioned(post.Message) {
		h.OnMessage(post, user)
	}
}

func (s *eventStream) handleReaction(ctx context.Context, ev wsEvent, added bool) {
	raw, _ := ev.Data["reaction"].(string)
	if raw == "" {
		return
	}
	var ar apiReaction
	if err := json.Unmarshal([]byte(raw), &ar); err != nil {
		s.log.Debug("unparseable reaction payload", zap.Error(err))
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, restTimeout)
	user, err := s.c.userByID(callCtx, ar.UserID)
	cancel()
	if err != nil {
		s.log.Warn("resolve reacting user failed",
			zap.String("user_id", ar.UserID), zap.Error(err))
		return
	}

	h := s.c.handlersSnapshot()
	if h.OnReaction == nil {
		return
	}
	h.OnReaction(&platform.Reaction{
		PostID:    ar.PostID,
		EmojiName: ar.EmojiName,
		Username:  user.Username,
	}, user, added)
}

// sendTyping queues a typing frame. Typing is best-effort; a full send
// buffer drops it rather than blocking the caller.
func (s *eventStream) sendTyping(channelID, threadID string) error {
	req := wsRequest{
		Action: "user_typing",
		Seq:    s.nextSeq(),
		Data: map[string]interface{}{
			"channel_id": channelID,
			"parent_id":  threadID,
		},
	}
	select {
	case s.sendCh <- req:
		return nil
	case <-s.closeCh:
		return fmt.Errorf("mattermost: event stream closed")
	default:
		return fmt.Errorf("mattermost: send buffer full")
	}
}
