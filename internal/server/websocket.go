package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	apperrors "github.com/zeusync/horde/internal/core/errors"
	"github.com/zeusync/horde/internal/core/events"
	"github.com/zeusync/horde/internal/core/events/bus"
	"github.com/zeusync/horde/internal/core/models"
	"github.com/zeusync/horde/internal/core/observability/log"
)

// Command actions accepted on /ws.
const (
	ActionCreate      = "create"
	ActionApprove     = "approve"
	ActionTransfer    = "transfer"
	ActionAttack      = "attack"
	ActionOwnerOf     = "owner_of"
	ActionSetCooldown = "set_cooldown"
	ActionBalanceOf   = "balance_of"
	ActionZombie      = "zombie"
)

// Command is a client request frame. Fields are read according to Action.
type Command struct {
	ID       string          `json:"id"`
	Action   string          `json:"action"`
	Caller   models.Identity `json:"caller"`
	Name     string          `json:"name,omitempty"`
	ZombieID models.ZombieID `json:"zombieId,omitempty"`
	TargetID models.ZombieID `json:"targetId,omitempty"`
	Approved models.Identity `json:"approved,omitempty"`
	From     models.Identity `json:"from,omitempty"`
	To       models.Identity `json:"to,omitempty"`
	Owner    models.Identity `json:"owner,omitempty"`
	// Cooldown is a Go duration string such as "1h30m".
	Cooldown string `json:"cooldown,omitempty"`
}

// Reply answers exactly one Command.
type Reply struct {
	ID     string     `json:"id"`
	OK     bool       `json:"ok"`
	Result any        `json:"result,omitempty"`
	Error  *ErrorBody `json:"error,omitempty"`
}

// EventFrame carries a committed registry event.
type EventFrame struct {
	Type  string    `json:"type"`
	Event bus.Event `json:"event"`
}

// AttackReply is the result of an attack command.
type AttackReply struct {
	Event   events.AttackResolved `json:"event"`
	Spawned *events.Created       `json:"spawned,omitempty"`
}

type replyFrame struct {
	Reply
	Type string `json:"type"`
}

type session struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	once        sync.Once
	mu          sync.Mutex // guards conn until the handshake is done
	sub         bus.Subscription
	connectedAt time.Time
	writeWait   time.Duration
	logger      log.Log
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// enqueue never blocks; a full buffer reports false.
func (s *session) enqueue(frame []byte) bool {
	if s.closed() {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		if s.sub != nil {
			_ = s.sub.Cancel()
		}
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.mu.Unlock()
	})
}

// attach binds the upgraded connection unless the session was already dropped.
func (s *session) attach(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed() {
		return false
	}
	s.conn = conn
	return true
}

// shutdown sends a close frame before dropping the connection.
func (s *session) shutdown(reason string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if s.closed() || conn == nil {
		s.close()
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
	err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeWait))
	s.close()
	if err != nil {
		return fmt.Errorf("session %s: %w", s.id, err)
	}
	return nil
}

// handleWebSocket handles GET /ws
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if atomic.AddInt64(&s.sessionCount, 1) > int64(s.config.MaxSessions) {
		atomic.AddInt64(&s.sessionCount, -1)
		s.logger.Warn("Maximum sessions reached, rejecting connection", log.String("remote_addr", r.RemoteAddr))
		respondJSONError(w, http.StatusServiceUnavailable, ErrorBody{Code: apperrors.CodeUnknown, Message: ErrMaxSessionsReached.Error()})
		return
	}

	sess := &session{
		id:          uuid.NewString(),
		send:        make(chan []byte, s.config.SendBuffer),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
		writeWait:   s.config.WriteWait,
	}
	sess.logger = s.logger.With(log.String("session_id", sess.id))

	// Subscribe before the handshake completes so the client sees every event
	// committed after it connected.
	sub, err := s.registry.Bus().Subscribe(bus.AllEvents, s.eventForwarder(sess))
	if err != nil {
		atomic.AddInt64(&s.sessionCount, -1)
		sess.logger.Error("Failed to subscribe session", log.Error(err))
		respondError(w, err)
		return
	}
	sess.sub = sub

	s.sessions.Store(sess.id, sess)
	s.sessionGroup.Add(1)
	defer func() {
		sess.close()
		s.sessions.Delete(sess.id)
		atomic.AddInt64(&s.sessionCount, -1)
		s.sessionGroup.Done()
	}()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sess.logger.Warn("Websocket upgrade failed", log.Error(err))
		return
	}
	if !sess.attach(conn) {
		_ = conn.Close()
		return
	}

	sess.logger.Info("Session opened",
		log.String("remote_addr", conn.RemoteAddr().String()),
		log.Int64("total_sessions", atomic.LoadInt64(&s.sessionCount)))
	defer sess.logger.Info("Session closed", log.Duration("lifetime", time.Since(sess.connectedAt)))

	go s.writePump(sess)
	s.readPump(r.Context(), sess)
}

// eventForwarder runs inside bus delivery, so it only encodes and enqueues.
func (s *Server) eventForwarder(sess *session) bus.EventHandler {
	return func(e bus.Event) error {
		if sess.closed() {
			return nil
		}
		frame, err := json.Marshal(EventFrame{Type: e.Type(), Event: e})
		if err != nil {
			return fmt.Errorf("encode %s frame: %w", e.Type(), err)
		}
		if !sess.enqueue(frame) {
			sess.logger.Warn("Send buffer full, dropping slow session", log.String("event", e.Type()))
			sess.close()
		}
		return nil
	}
}

func (s *Server) readPump(ctx context.Context, sess *session) {
	conn := sess.conn
	conn.SetReadLimit(s.config.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !sess.closed() {
				sess.logger.Warn("Failed to receive message", log.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))

		reply := s.handleCommand(ctx, sess, data)
		frame, err := json.Marshal(replyFrame{Reply: reply, Type: "reply"})
		if err != nil {
			sess.logger.Error("Failed to encode reply", log.String("command_id", reply.ID), log.Error(err))
			continue
		}
		if !sess.enqueue(frame) {
			if !sess.closed() {
				sess.logger.Warn("Send buffer full, dropping slow session")
			}
			return
		}
	}
}

func (s *Server) writePump(sess *session) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-sess.send:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(sess.writeWait))
			if err := sess.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				if !sess.closed() {
					sess.logger.Warn("Failed to send frame", log.Error(err))
				}
				sess.close()
				return
			}
		case <-ticker.C:
			if err := sess.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(sess.writeWait)); err != nil {
				sess.close()
				return
			}
		case <-sess.done:
			return
		}
	}
}

func (s *Server) handleCommand(ctx context.Context, sess *session, data []byte) Reply {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Reply{Error: &ErrorBody{
			Code:    apperrors.CodeInvalidArgument,
			Message: fmt.Sprintf("%v: %v", ErrInvalidMessage, err),
		}}
	}

	sess.logger.Debug("Handling command",
		log.String("command_id", cmd.ID),
		log.String("action", cmd.Action),
		log.String("caller", string(cmd.Caller)))

	result, err := s.dispatch(ctx, cmd)
	if err != nil {
		if apperrors.GetCode(err) == apperrors.CodeUnknown {
			sess.logger.Error("Command failed", log.String("command_id", cmd.ID), log.Error(err))
		}
		return Reply{ID: cmd.ID, Error: errorBody(err)}
	}
	return Reply{ID: cmd.ID, OK: true, Result: result}
}

func (s *Server) dispatch(ctx context.Context, cmd Command) (any, error) {
	reg := s.registry
	switch cmd.Action {
	case ActionCreate:
		return reg.CreateRandomZombie(ctx, cmd.Name, cmd.Caller)
	case ActionApprove:
		return reg.Approve(ctx, cmd.Approved, cmd.ZombieID, cmd.Caller)
	case ActionTransfer:
		return reg.TransferFrom(ctx, cmd.From, cmd.To, cmd.ZombieID, cmd.Caller)
	case ActionAttack:
		res, err := reg.Attack(ctx, cmd.ZombieID, cmd.TargetID, cmd.Caller)
		if err != nil {
			return nil, err
		}
		return AttackReply{Event: res.Event, Spawned: res.Spawned}, nil
	case ActionOwnerOf:
		owner, err := reg.OwnerOf(ctx, cmd.ZombieID)
		if err != nil {
			return nil, err
		}
		return ownerResponse{ZombieID: cmd.ZombieID, Owner: owner}, nil
	case ActionSetCooldown:
		d, err := time.ParseDuration(cmd.Cooldown)
		if err != nil {
			return nil, apperrors.New(apperrors.CodeInvalidArgument, "set_cooldown", "cooldown %q is not a duration", cmd.Cooldown)
		}
		return reg.SetCooldownTime(ctx, d)
	case ActionBalanceOf:
		n, err := reg.BalanceOf(ctx, cmd.Owner)
		if err != nil {
			return nil, err
		}
		return map[string]any{"owner": cmd.Owner, "balance": n}, nil
	case ActionZombie:
		return reg.Zombie(ctx, cmd.ZombieID)
	case "":
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "dispatch", "action is required")
	default:
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "dispatch", "unknown action %q", cmd.Action)
	}
}
