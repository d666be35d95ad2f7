// Package client provides a websocket client SDK for a horde server.
//
// A Client acts as a single identity: every command it sends uses Config.Identity
// as the caller. Committed registry events from every session are delivered to
// handlers registered with OnEvent.
package client

import (
	"context"
	"encoding/json"
	"fmt"
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
	"github.com/zeusync/horde/internal/server"
)

// Client represents a horde websocket session
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	// In-flight commands by id
	pending   map[string]chan frame
	pendingMu sync.Mutex

	// Event handlers
	eventHandlers map[string][]EventHandler
	handlerMutex  sync.RWMutex

	// Lifecycle
	connected int32 // atomic bool
	closed    int32 // atomic bool

	config Config
	logger log.Log

	workerGroup sync.WaitGroup
}

// Config holds configuration for the client
type Config struct {
	// ServerURL is the websocket endpoint, e.g. ws://127.0.0.1:8080/ws.
	ServerURL      string
	Identity       models.Identity
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	Logger         log.Log
}

// DefaultClientConfig returns default client configuration
func DefaultClientConfig() Config {
	return Config{
		ServerURL:      "ws://127.0.0.1:8080/ws",
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// EventHandler is called from the receive loop in commit order. It must not
// block on commands sent through the same client.
type EventHandler func(event bus.Event) error

// frame is every message the server sends: an event or a reply.
type frame struct {
	Type   string            `json:"type"`
	Event  json.RawMessage   `json:"event,omitempty"`
	ID     string            `json:"id,omitempty"`
	OK     bool              `json:"ok"`
	Result json.RawMessage   `json:"result,omitempty"`
	Error  *server.ErrorBody `json:"error,omitempty"`
}

const replyType = "reply"

// NewClient creates a new horde client
func NewClient(config Config) (*Client, error) {
	if config.ServerURL == "" {
		return nil, fmt.Errorf("%w: server url is required", ErrInvalidConfig)
	}
	if !config.Identity.Valid() {
		return nil, fmt.Errorf("%w: identity is required", ErrInvalidConfig)
	}
	if config.Logger == nil {
		config.Logger = log.NewNop()
	}

	client := &Client{
		pending:       make(map[string]chan frame),
		eventHandlers: make(map[string][]EventHandler),
		config:        config,
		logger: config.Logger.With(
			log.String("component", "client"),
			log.String("identity", string(config.Identity))),
	}

	client.logger.Debug("Client created", log.String("server_url", config.ServerURL))

	return client, nil
}

// Connect dials the server and starts the receive loop.
func (c *Client) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrClientClosed
	}

	if atomic.LoadInt32(&c.connected) == 1 {
		return ErrAlreadyConnected
	}

	c.logger.Info("Connecting to server", log.String("url", c.config.ServerURL))

	connectCtx := ctx
	if c.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, c.config.ConnectTimeout)
		defer cancel()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(connectCtx, c.config.ServerURL, nil)
	if err != nil {
		c.logger.Error("Failed to connect to server", log.String("url", c.config.ServerURL), log.Error(err))
		return err
	}

	c.conn = conn
	atomic.StoreInt32(&c.connected, 1)

	c.workerGroup.Add(1)
	go func() {
		defer c.workerGroup.Done()
		c.receiver(conn)
	}()

	c.logger.Info("Connected to server", log.String("remote_addr", conn.RemoteAddr().String()))
	return nil
}

// Disconnect closes the connection to the server
func (c *Client) Disconnect() error {
	if !atomic.CompareAndSwapInt32(&c.connected, 1, 0) {
		return ErrNotConnected
	}

	c.logger.Info("Disconnecting from server")

	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = c.conn.Close()

	c.workerGroup.Wait()

	c.logger.Info("Disconnected from server")
	return nil
}

// Close closes the client and releases all resources
func (c *Client) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil // Already closed
	}

	if atomic.LoadInt32(&c.connected) == 1 {
		_ = c.Disconnect()
	}

	c.logger.Debug("Client closed")
	return nil
}

// IsConnected returns true if the client is connected
func (c *Client) IsConnected() bool {
	return atomic.LoadInt32(&c.connected) == 1
}

// OnEvent registers a handler for an event type, or bus.AllEvents.
func (c *Client) OnEvent(eventType string, handler EventHandler) {
	c.handlerMutex.Lock()
	defer c.handlerMutex.Unlock()

	c.eventHandlers[eventType] = append(c.eventHandlers[eventType], handler)
	c.logger.Debug("Event handler registered", log.String("type", eventType))
}

func (c *Client) CreateRandomZombie(ctx context.Context, name string) (events.Created, error) {
	var out events.Created
	err := c.call(ctx, server.Command{Action: server.ActionCreate, Name: name}, &out)
	return out, err
}

func (c *Client) Approve(ctx context.Context, spender models.Identity, id models.ZombieID) (events.Approval, error) {
	var out events.Approval
	err := c.call(ctx, server.Command{Action: server.ActionApprove, Approved: spender, ZombieID: id}, &out)
	return out, err
}

func (c *Client) TransferFrom(ctx context.Context, from, to models.Identity, id models.ZombieID) (events.Transfer, error) {
	var out events.Transfer
	err := c.call(ctx, server.Command{Action: server.ActionTransfer, From: from, To: to, ZombieID: id}, &out)
	return out, err
}

func (c *Client) Attack(ctx context.Context, attackerID, targetID models.ZombieID) (server.AttackReply, error) {
	var out server.AttackReply
	err := c.call(ctx, server.Command{Action: server.ActionAttack, ZombieID: attackerID, TargetID: targetID}, &out)
	return out, err
}

func (c *Client) SetCooldownTime(ctx context.Context, d time.Duration) (events.CooldownChanged, error) {
	var out events.CooldownChanged
	err := c.call(ctx, server.Command{Action: server.ActionSetCooldown, Cooldown: d.String()}, &out)
	return out, err
}

func (c *Client) OwnerOf(ctx context.Context, id models.ZombieID) (models.Identity, error) {
	var out struct {
		Owner models.Identity `json:"owner"`
	}
	err := c.call(ctx, server.Command{Action: server.ActionOwnerOf, ZombieID: id}, &out)
	return out.Owner, err
}

func (c *Client) BalanceOf(ctx context.Context, owner models.Identity) (int, error) {
	var out struct {
		Balance int `json:"balance"`
	}
	err := c.call(ctx, server.Command{Action: server.ActionBalanceOf, Owner: owner}, &out)
	return out.Balance, err
}

func (c *Client) Zombie(ctx context.Context, id models.ZombieID) (*models.Zombie, error) {
	var out models.Zombie
	if err := c.call(ctx, server.Command{Action: server.ActionZombie, ZombieID: id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// call sends cmd and waits for its reply. Registry failures come back as
// *apperrors.Error, so errors.Is works against the apperrors sentinels.
func (c *Client) call(ctx context.Context, cmd server.Command, out any) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrClientClosed
	}
	if atomic.LoadInt32(&c.connected) == 0 {
		return ErrNotConnected
	}

	cmd.ID = uuid.NewString()
	cmd.Caller = c.config.Identity

	ch := make(chan frame, 1)
	c.pendingMu.Lock()
	c.pending[cmd.ID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, cmd.ID)
		c.pendingMu.Unlock()
	}()

	if c.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}

	c.writeMu.Lock()
	deadline, _ := ctx.Deadline()
	_ = c.conn.SetWriteDeadline(deadline)
	err := c.conn.WriteJSON(cmd)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("send %s: %w", cmd.Action, err)
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return ErrConnectionLost
		}
		if !reply.OK {
			if reply.Error == nil {
				return fmt.Errorf("%w: %s failed without an error", ErrInvalidMessage, cmd.Action)
			}
			return &apperrors.Error{Code: reply.Error.Code, Op: cmd.Action, Message: reply.Error.Message}
		}
		if out == nil || len(reply.Result) == 0 {
			return nil
		}
		if err = json.Unmarshal(reply.Result, out); err != nil {
			return fmt.Errorf("%w: decode %s result: %v", ErrInvalidMessage, cmd.Action, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) receiver(conn *websocket.Conn) {
	c.logger.Debug("Receiver started")
	defer c.logger.Debug("Receiver stopped")
	defer c.failPending()

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if atomic.CompareAndSwapInt32(&c.connected, 1, 0) {
				c.logger.Warn("Connection lost", log.Error(err))
				_ = conn.Close()
			}
			return
		}

		if f.Type == replyType {
			c.pendingMu.Lock()
			ch, ok := c.pending[f.ID]
			c.pendingMu.Unlock()
			if ok {
				ch <- f
			} else {
				c.logger.Debug("Reply without a pending command", log.String("command_id", f.ID))
			}
			continue
		}

		event, err := DecodeEvent(f.Type, f.Event)
		if err != nil {
			c.logger.Warn("Dropping undecodable event", log.String("type", f.Type), log.Error(err))
			continue
		}
		c.emitEvent(event)
	}
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// emitEvent runs typed handlers, then AllEvents handlers.
func (c *Client) emitEvent(event bus.Event) {
	c.handlerMutex.RLock()
	handlers := append([]EventHandler(nil), c.eventHandlers[event.Type()]...)
	handlers = append(handlers, c.eventHandlers[bus.AllEvents]...)
	c.handlerMutex.RUnlock()

	for _, h := range handlers {
		if err := h(event); err != nil {
			c.logger.Error("Event handler error", log.String("type", event.Type()), log.Error(err))
		}
	}
}

// DecodeEvent turns an event frame payload back into its typed event.
func DecodeEvent(eventType string, payload json.RawMessage) (bus.Event, error) {
	var (
		event bus.Event
		err   error
	)
	switch eventType {
	case events.TypeCreated:
		event, err = decode[events.Created](payload)
	case events.TypeApproval:
		event, err = decode[events.Approval](payload)
	case events.TypeTransfer:
		event, err = decode[events.Transfer](payload)
	case events.TypeAttackResolved:
		event, err = decode[events.AttackResolved](payload)
	case events.TypeCooldownChanged:
		event, err = decode[events.CooldownChanged](payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, eventType)
	}
	return event, err
}

func decode[T bus.Event](payload json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(payload, &v)
	return v, err
}
