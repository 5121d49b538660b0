// internal/websocket/hub.go
package websocket

import (
	"context"
	"fmt"
	"sync"

	"civicreport-service/internal/domain/auth"
	wstypes "civicreport-service/internal/domain/websocket"
	"civicreport-service/internal/pkg/jwt"
	"civicreport-service/internal/pkg/metrics"
	"civicreport-service/internal/pkg/session"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// SessionChecker is the part of the session manager the hub needs.
type SessionChecker interface {
	IsTokenBlacklisted(ctx context.Context, jti string) (bool, error)
	GetSession(ctx context.Context, subjectID, jti string) (*session.SessionData, error)
}

// Relay forwards broadcasts to the other instances sharing the hub.
type Relay interface {
	Publish(ctx context.Context, msg *BroadcastMessage) error
}

// BroadcastMessage targets the union of Rooms, or every client when Rooms is
// empty.
type BroadcastMessage struct {
	Rooms   []wstypes.Room     `json:"rooms,omitempty"`
	Message *wstypes.WSMessage `json:"message"`
	Origin  string             `json:"origin,omitempty"`
}

type Hub struct {
	clients map[*Client]struct{}
	rooms   map[wstypes.Room]map[*Client]struct{}
	mu      sync.RWMutex

	broadcast chan *BroadcastMessage
	done      chan struct{}
	stopOnce  sync.Once

	// Handler registry for modular message handling
	handlerRegistry *HandlerRegistry

	jwtVerifier *jwt.Verifier
	sessions    SessionChecker

	relay      Relay
	instanceID string
	metrics    *metrics.Hub
	logger     *zap.Logger
}

type HubOption func(*Hub)

// WithRelay publishes every broadcast so peers can deliver it too. Messages
// coming back with the same instanceID are ignored.
func WithRelay(relay Relay, instanceID string) HubOption {
	return func(h *Hub) {
		h.relay = relay
		h.instanceID = instanceID
	}
}

func WithMetrics(m *metrics.Hub) HubOption {
	return func(h *Hub) { h.metrics = m }
}

func NewHub(jwtVerifier *jwt.Verifier, sessions SessionChecker, logger *zap.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		clients:         make(map[*Client]struct{}),
		rooms:           make(map[wstypes.Room]map[*Client]struct{}),
		broadcast:       make(chan *BroadcastMessage, 256),
		done:            make(chan struct{}),
		handlerRegistry: NewHandlerRegistry(),
		jwtVerifier:     jwtVerifier,
		sessions:        sessions,
		logger:          logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// AuthenticateClient validates the JWT token and its server-side session.
func (h *Hub) AuthenticateClient(ctx context.Context, token string) (*ClientAuth, error) {
	claims, err := h.jwtVerifier.VerifyAccessToken(token)
	if err != nil {
		return nil, err
	}

	blacklisted, err := h.sessions.IsTokenBlacklisted(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if blacklisted {
		return nil, ErrTokenBlacklisted
	}

	sessionData, err := h.sessions.GetSession(ctx, claims.SubjectID(), claims.ID)
	if err != nil {
		return nil, err
	}

	return &ClientAuth{
		SubjectID:  claims.SubjectID(),
		SessionID:  claims.ID,
		Space:      string(claims.Space),
		Role:       claims.Role,
		Department: claims.Department,
		Email:      sessionData.Email,
	}, nil
}

// RegisterHandler registers a message handler
func (h *Hub) RegisterHandler(handler MessageHandler) {
	h.handlerRegistry.Register(handler)
}

// Serve registers an upgraded connection and starts its pumps.
func (h *Hub) Serve(conn *websocket.Conn, auth *ClientAuth) *Client {
	client := NewClient(h, conn, auth)
	h.Register(client)

	go client.WritePump()
	go client.ReadPump()
	return client
}

// Run delivers queued broadcasts in order until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// Register adds the client and joins the rooms implied by its token. Staff
// are scoped to their department here rather than by an explicit join.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	if client.auth.Role == auth.RoleStaff && client.auth.Department != "" {
		h.joinLocked(client, wstypes.DepartmentRoom(client.auth.Department))
	}
	rooms := make([]wstypes.Room, 0, len(client.rooms))
	for room := range client.rooms {
		rooms = append(rooms, room)
	}
	total := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetConnected(total)
	h.logger.Info("websocket client connected",
		zap.String("user_id", client.auth.SubjectID),
		zap.String("role", client.auth.Role),
		zap.Int("total", total),
	)

	client.SendMessage(wstypes.NewMessage(wstypes.EventTypeConnected, wstypes.ConnectedData{
		Message:    "Connected to server",
		SubjectID:  client.auth.SubjectID,
		Role:       client.auth.Role,
		Department: client.auth.Department,
		Rooms:      rooms,
	}))
	h.broadcastUserCount(total)
}

// Unregister removes the client from every room. It is safe to call more
// than once.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	for room := range client.rooms {
		h.leaveLocked(client, room)
	}
	total := len(h.clients)
	h.mu.Unlock()

	client.Close()
	h.metrics.SetConnected(total)
	h.logger.Info("websocket client disconnected",
		zap.String("user_id", client.auth.SubjectID),
		zap.Int("total", total),
	)
	h.broadcastUserCount(total)
}

// JoinRoom adds the client to room. A client may join only its own user
// room, and admins only the admins room. Joining twice is a no-op.
func (h *Hub) JoinRoom(client *Client, room wstypes.Room) error {
	if err := h.authorizeRoom(client, room); err != nil {
		h.metrics.RoomJoin(false)
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return ErrNotRegistered
	}
	h.joinLocked(client, room)
	h.metrics.RoomJoin(true)
	return nil
}

func (h *Hub) LeaveRoom(client *Client, room wstypes.Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(client, room)
}

func (h *Hub) authorizeRoom(client *Client, room wstypes.Room) error {
	if room == "" {
		return ErrInvalidRoom
	}
	if room == wstypes.RoomAdmins {
		if client.auth.Role != auth.RoleAdmin {
			return ErrRoomForbidden
		}
		return nil
	}
	if subject, ok := room.SubjectOf(); ok {
		if subject != client.auth.SubjectID {
			return ErrRoomForbidden
		}
		return nil
	}
	if room == wstypes.DepartmentRoom(client.auth.Department) && client.auth.Department != "" {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrRoomForbidden, room)
}

func (h *Hub) joinLocked(client *Client, room wstypes.Room) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[client] = struct{}{}
	client.rooms[room] = struct{}{}
}

func (h *Hub) leaveLocked(client *Client, room wstypes.Room) {
	if members, ok := h.rooms[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(client.rooms, room)
}

// Public methods for broadcasting

// EmitToRoom sends an event to the members of room on every instance.
func (h *Hub) EmitToRoom(room wstypes.Room, eventType wstypes.EventType, data interface{}) {
	h.Emit([]wstypes.Room{room}, eventType, data)
}

// EmitToAll sends an event to every connected client on every instance.
func (h *Hub) EmitToAll(eventType wstypes.EventType, data interface{}) {
	h.Emit(nil, eventType, data)
}

func (h *Hub) Emit(rooms []wstypes.Room, eventType wstypes.EventType, data interface{}) {
	msg := &BroadcastMessage{
		Rooms:   rooms,
		Message: wstypes.NewMessage(eventType, data),
		Origin:  h.instanceID,
	}
	h.enqueue(msg)

	if h.relay != nil {
		if err := h.relay.Publish(context.Background(), msg); err != nil {
			h.logger.Warn("failed to relay broadcast",
				zap.String("event", string(eventType)),
				zap.Error(err),
			)
		}
	}
}

// Deliver accepts a broadcast relayed from another instance.
func (h *Hub) Deliver(msg *BroadcastMessage) {
	if msg == nil || msg.Message == nil || msg.Origin == h.instanceID {
		return
	}
	h.metrics.Relayed()
	h.enqueue(msg)
}

func (h *Hub) enqueue(msg *BroadcastMessage) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

func (h *Hub) deliver(msg *BroadcastMessage) {
	data, err := msg.Message.ToJSON()
	if err != nil {
		h.logger.Error("failed to marshal broadcast", zap.Error(err))
		return
	}
	event := string(msg.Message.Type)

	var stalled []*Client
	h.mu.RLock()
	for client := range h.targets(msg.Rooms) {
		if client.enqueue(data) {
			h.metrics.Delivered(event)
			continue
		}
		h.metrics.Dropped(event)
		stalled = append(stalled, client)
	}
	h.mu.RUnlock()

	// A full buffer means the client stopped reading.
	for _, client := range stalled {
		h.logger.Warn("dropping stalled websocket client",
			zap.String("user_id", client.auth.SubjectID),
			zap.String("event", event),
		)
		h.Unregister(client)
	}
}

// targets must be called with h.mu held. A client in several targeted rooms
// is returned once.
func (h *Hub) targets(rooms []wstypes.Room) map[*Client]struct{} {
	if len(rooms) == 0 {
		return h.clients
	}
	set := make(map[*Client]struct{})
	for _, room := range rooms {
		for client := range h.rooms[room] {
			set[client] = struct{}{}
		}
	}
	return set
}

// broadcastUserCount tells every local client how many connections this
// instance holds. It is not relayed.
func (h *Hub) broadcastUserCount(total int) {
	h.deliver(&BroadcastMessage{
		Message: wstypes.NewMessage(wstypes.EventTypeUserCount, wstypes.UserCountData{Count: total}),
	})
}

func (h *Hub) TotalClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomSize returns the number of local members of room.
func (h *Hub) RoomSize(room wstypes.Room) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) shutdown() {
	h.stopOnce.Do(func() { close(h.done) })

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.Close()
	}
}
