// Package livechannel keeps one websocket connection to the server per active
// session, re-joins the session's rooms after every connect and fans inbound
// events out to subscribers.
package livechannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"civicreport-service/internal/client/sessionstore"
	"civicreport-service/internal/domain/auth"
	wstypes "civicreport-service/internal/domain/websocket"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("live channel not connected")

const (
	writeWait = 10 * time.Second
	// readTimeout matches the server's pong wait; its pings arrive well
	// inside it.
	readTimeout = 60 * time.Second
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Event is one inbound frame.
type Event struct {
	Type      wstypes.EventType
	ID        string
	Data      json.RawMessage
	Timestamp time.Time
}

func (e Event) Decode(target interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	return json.Unmarshal(e.Data, target)
}

type Handler func(Event)

// Subscription detaches a handler. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}

type subscription struct {
	once sync.Once
	fn   func()
}

func (s *subscription) Unsubscribe() { s.once.Do(s.fn) }

// Advisory is a short user-facing notice.
type Advisory struct {
	Title   string
	Message string
}

type Option func(*Client)

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithBackOff sets the reconnect policy. Returning backoff.Stop from the
// policy ends reconnection for the current session.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = newBackOff }
}

func WithAdvisory(fn func(Advisory)) Option {
	return func(c *Client) { c.advise = fn }
}

// WithReadTimeout sets how long the connection may stay silent, pings
// included, before it is treated as dead.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Client) { c.readTimeout = d }
}

type Client struct {
	url         string
	dialer      *websocket.Dialer
	newBackOff  func() backoff.BackOff
	advise      func(Advisory)
	readTimeout time.Duration
	logger      *zap.Logger

	mu      sync.Mutex
	parent  context.Context
	session *sessionstore.Session
	state   State
	rooms   map[wstypes.Room]struct{}
	online  int
	epoch   uint64
	conn    *websocket.Conn
	cancel  context.CancelFunc
	done    chan struct{}

	nextID        uint64
	handlers      map[wstypes.EventType]map[uint64]Handler
	stateHandlers map[uint64]func(State)

	writeMu sync.Mutex
}

func New(serverURL string, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		url:           serverURL,
		dialer:        websocket.DefaultDialer,
		newBackOff:    defaultBackOff,
		advise:        func(Advisory) {},
		readTimeout:   readTimeout,
		logger:        logger,
		state:         StateDisconnected,
		rooms:         make(map[wstypes.Room]struct{}),
		handlers:      make(map[wstypes.EventType]map[uint64]Handler),
		stateHandlers: make(map[uint64]func(State)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// defaultBackOff retries forever, from 1s up to 30s between attempts.
func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// WebSocketURL turns an http(s) API base into the live channel endpoint.
func WebSocketURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/ws"
	return u.String(), nil
}

// RoomsFor lists the rooms a session joins after connecting. Staff join
// nothing; the server scopes them by department.
func RoomsFor(sess *sessionstore.Session) []wstypes.Room {
	if sess == nil {
		return nil
	}
	switch sess.Role {
	case auth.RoleAdmin:
		return []wstypes.Room{wstypes.RoomAdmins}
	case auth.RoleUser:
		return []wstypes.Room{wstypes.UserRoom(sess.SubjectID)}
	}
	return nil
}

// Start enables connecting. It returns immediately; connection progress is
// reported through OnStateChange.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	if c.parent != nil {
		c.mu.Unlock()
		return
	}
	c.parent = ctx
	c.startLocked()
	c.mu.Unlock()
}

// Stop tears down the connection and waits for the connection loop to exit.
// It must not be called from a Handler.
func (c *Client) Stop() {
	c.mu.Lock()
	c.parent = nil
	done := c.done
	notify := c.teardownLocked()
	c.mu.Unlock()

	notify()
	if done != nil {
		<-done
	}
}

// SetSession switches the identity the connection is tied to. A different
// identity tears the current connection down and dials again; nil only
// tears down.
func (c *Client) SetSession(sess *sessionstore.Session) {
	c.mu.Lock()
	if sessionstore.SameIdentity(c.session, sess) {
		if sess != nil {
			cp := *sess
			c.session = &cp
		}
		c.mu.Unlock()
		return
	}

	if sess != nil {
		cp := *sess
		c.session = &cp
	} else {
		c.session = nil
	}
	notify := c.teardownLocked()
	c.startLocked()
	c.mu.Unlock()

	notify()
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Rooms returns the rooms the server confirmed for the current connection.
func (c *Client) Rooms() []wstypes.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wstypes.Room, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}

// OnlineUsers is the last presence count the server reported.
func (c *Client) OnlineUsers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// On subscribes h to events of type t. Handlers run on the connection's read
// goroutine in subscription order and must not block.
func (c *Client) On(t wstypes.EventType, h Handler) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	if c.handlers[t] == nil {
		c.handlers[t] = make(map[uint64]Handler)
	}
	c.handlers[t][id] = h

	return &subscription{fn: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[t], id)
		if len(c.handlers[t]) == 0 {
			delete(c.handlers, t)
		}
	}}
}

func (c *Client) OnStateChange(fn func(State)) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.stateHandlers[id] = fn

	return &subscription{fn: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.stateHandlers, id)
	}}
}

// HandlerCount is the number of live subscriptions of either kind.
func (c *Client) HandlerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.stateHandlers)
	for _, hs := range c.handlers {
		n += len(hs)
	}
	return n
}

// Send writes one frame on the current connection.
func (c *Client) Send(t wstypes.EventType, data interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, wstypes.NewMessage(t, data))
}

func (c *Client) startLocked() {
	if c.parent == nil || c.session == nil || c.parent.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(c.parent)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	go c.run(ctx, c.epoch, *c.session, done)
}

// teardownLocked retires the current epoch. The returned func delivers the
// resulting state change and must be called without c.mu held.
func (c *Client) teardownLocked() func() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.done = nil
	c.epoch++
	c.conn = nil
	c.rooms = make(map[wstypes.Room]struct{})
	c.online = 0
	if c.state == StateDisconnected {
		return func() {}
	}
	c.state = StateDisconnected
	hs := c.stateHandlersLocked()
	return func() {
		for _, h := range hs {
			h(StateDisconnected)
		}
	}
}

func (c *Client) stateHandlersLocked() []func(State) {
	ids := make([]uint64, 0, len(c.stateHandlers))
	for id := range c.stateHandlers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]func(State), 0, len(ids))
	for _, id := range ids {
		out = append(out, c.stateHandlers[id])
	}
	return out
}

func (c *Client) current(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch == epoch
}

func (c *Client) transition(epoch uint64, s State) {
	c.mu.Lock()
	if c.epoch != epoch || c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	hs := c.stateHandlersLocked()
	c.mu.Unlock()

	c.logger.Debug("live channel state", zap.String("state", string(s)))
	for _, h := range hs {
		h(s)
	}
}

func (c *Client) run(ctx context.Context, epoch uint64, sess sessionstore.Session, done chan struct{}) {
	defer close(done)
	defer c.detach(epoch)

	b := c.newBackOff()
	b.Reset()

	for ctx.Err() == nil {
		c.transition(epoch, StateConnecting)

		conn, err := c.dial(ctx, &sess)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("live channel connect failed",
				zap.String("url", c.url),
				zap.String("space", string(sess.Space)),
				zap.Error(err),
			)
			c.advise(Advisory{Title: "Connection problem", Message: "Live updates are unavailable, retrying."})
			c.transition(epoch, StateDisconnected)
		} else {
			b.Reset()
			if !c.attach(epoch, conn) {
				conn.Close()
				return
			}
			c.transition(epoch, StateConnected)
			c.joinRooms(conn, &sess)
			c.readLoop(ctx, epoch, conn)
			c.detach(epoch)
			if ctx.Err() != nil {
				return
			}
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			c.logger.Warn("live channel gave up reconnecting", zap.String("space", string(sess.Space)))
			return
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (c *Client) dial(ctx context.Context, sess *sessionstore.Session) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+sess.Credential)

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	return conn, nil
}

func (c *Client) attach(epoch uint64, conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return false
	}
	c.conn = conn
	c.rooms = make(map[wstypes.Room]struct{})
	return true
}

func (c *Client) detach(epoch uint64) {
	c.mu.Lock()
	if c.epoch == epoch {
		c.conn = nil
		c.rooms = make(map[wstypes.Room]struct{})
		c.online = 0
	}
	c.mu.Unlock()
	c.transition(epoch, StateDisconnected)
}

func (c *Client) joinRooms(conn *websocket.Conn, sess *sessionstore.Session) {
	for _, room := range RoomsFor(sess) {
		if err := c.write(conn, wstypes.NewMessage(wstypes.EventTypeJoinRoom, wstypes.RoomRequest{Room: room})); err != nil {
			c.logger.Warn("join room failed", zap.String("room", string(room)), zap.Error(err))
			return
		}
	}
}

func (c *Client) write(conn *websocket.Conn, msg *wstypes.WSMessage) error {
	raw, err := msg.ToJSON()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *Client) readLoop(ctx context.Context, epoch uint64, conn *websocket.Conn) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(c.readTimeout)) }
	extend()
	conn.SetPingHandler(func(appData string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		var netErr net.Error
		if errors.Is(err, websocket.ErrCloseSent) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil
		}
		return err
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("live channel disconnected", zap.Error(err))
			}
			return
		}
		extend()

		msg, err := wstypes.ParseMessage(raw)
		if err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		c.dispatch(epoch, msg)
	}
}

// dispatch applies bookkeeping frames and hands the event to subscribers.
// Frames from a retired epoch are dropped.
func (c *Client) dispatch(epoch uint64, msg *wstypes.WSMessage) {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		c.logger.Debug("dropping frame from stale connection", zap.String("type", string(msg.Type)))
		return
	}

	switch msg.Type {
	case wstypes.EventTypeConnected:
		var data wstypes.ConnectedData
		if msg.Decode(&data) == nil {
			for _, r := range data.Rooms {
				c.rooms[r] = struct{}{}
			}
		}
	case wstypes.EventTypeJoinedRoom:
		var data wstypes.RoomRequest
		if msg.Decode(&data) == nil {
			c.rooms[data.Room] = struct{}{}
		}
	case wstypes.EventTypeLeftRoom:
		var data wstypes.RoomRequest
		if msg.Decode(&data) == nil {
			delete(c.rooms, data.Room)
		}
	case wstypes.EventTypeUserCount:
		var data wstypes.UserCountData
		if msg.Decode(&data) == nil {
			c.online = data.Count
		}
	case wstypes.EventTypeError:
		var data wstypes.ErrorData
		_ = msg.Decode(&data)
		c.logger.Warn("server reported error", zap.String("code", data.Code), zap.String("message", data.Message))
	}

	ids := make([]uint64, 0, len(c.handlers[msg.Type]))
	for id := range c.handlers[msg.Type] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	hs := make([]Handler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, c.handlers[msg.Type][id])
	}
	c.mu.Unlock()

	c.adviseFor(msg)

	evt := Event{Type: msg.Type, ID: msg.ID, Data: msg.Data, Timestamp: msg.Timestamp}
	for _, h := range hs {
		if !c.current(epoch) {
			return
		}
		h(evt)
	}
}

func (c *Client) adviseFor(msg *wstypes.WSMessage) {
	var data wstypes.IssueEventData
	switch msg.Type {
	case wstypes.EventTypeNewIssue:
		if msg.Decode(&data) != nil {
			return
		}
		c.advise(Advisory{
			Title:   "New issue reported",
			Message: fmt.Sprintf("%s (%s)", data.Title, data.Category),
		})
	case wstypes.EventTypeStatusUpdate:
		if msg.Decode(&data) != nil {
			return
		}
		c.advise(Advisory{
			Title:   "Issue status changed",
			Message: fmt.Sprintf("%s is now %s", data.Title, data.Status),
		})
	}
}
