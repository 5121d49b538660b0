package websocket

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"civicreport-service/internal/domain/auth"
	"civicreport-service/internal/domain/issue"
	wstypes "civicreport-service/internal/domain/websocket"
	"civicreport-service/internal/pkg/jwt"
	"civicreport-service/internal/pkg/session"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSessions struct {
	mu      sync.Mutex
	revoked map[string]bool
}

func (f *fakeSessions) IsTokenBlacklisted(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

func (f *fakeSessions) GetSession(_ context.Context, subjectID, jti string) (*session.SessionData, error) {
	return &session.SessionData{SubjectID: subjectID, JTI: jti, Email: subjectID + "@example.test"}, nil
}

type fakeRelay struct {
	mu        sync.Mutex
	published []*BroadcastMessage
}

func (f *fakeRelay) Publish(_ context.Context, msg *BroadcastMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeRelay) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

type hubFixture struct {
	hub      *Hub
	gen      *jwt.Generator
	sessions *fakeSessions
	server   *httptest.Server
}

func newHubFixture(t *testing.T, opts ...HubOption) *hubFixture {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &hubFixture{
		gen:      jwt.NewGenerator(key, "civic-test", "clients", "", time.Hour),
		sessions: &fakeSessions{revoked: map[string]bool{}},
	}
	f.hub = NewHub(jwt.NewVerifier(&key.PublicKey, "civic-test", "clients"), f.sessions, zap.NewNop(), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	go f.hub.Run(ctx)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientAuth, err := f.hub.AuthenticateClient(r.Context(), r.URL.Query().Get("token"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.hub.Serve(conn, clientAuth)
	}))

	t.Cleanup(func() {
		f.server.Close()
		cancel()
	})
	return f
}

func (f *hubFixture) token(t *testing.T, user *auth.User) (string, string) {
	t.Helper()
	token, jti, err := f.gen.GenerateAccessToken(user)
	require.NoError(t, err)
	return token, jti
}

func (f *hubFixture) dialToken(token string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/?token=" + token
	return websocket.DefaultDialer.Dial(url, nil)
}

func (f *hubFixture) dial(t *testing.T, user *auth.User) *websocket.Conn {
	t.Helper()
	token, _ := f.token(t, user)
	conn, _, err := f.dialToken(token)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func citizen(id string) *auth.User {
	return &auth.User{ID: id, Space: auth.SpaceCitizen, Role: auth.RoleUser}
}

// expect reads frames until one of the wanted type arrives.
func expect(t *testing.T, conn *websocket.Conn, eventType wstypes.EventType) *wstypes.WSMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", eventType)
		msg, err := wstypes.ParseMessage(data)
		require.NoError(t, err)
		if msg.Type == eventType {
			return msg
		}
	}
}

func expectCount(t *testing.T, conn *websocket.Conn, want int) {
	t.Helper()
	for {
		var data wstypes.UserCountData
		require.NoError(t, expect(t, conn, wstypes.EventTypeUserCount).Decode(&data))
		if data.Count == want {
			return
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, eventType wstypes.EventType, data interface{}) {
	t.Helper()
	raw, err := wstypes.NewMessage(eventType, data).ToJSON()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func TestHubConnectedAndPresence(t *testing.T) {
	f := newHubFixture(t)

	first := f.dial(t, citizen("u1"))
	var connected wstypes.ConnectedData
	require.NoError(t, expect(t, first, wstypes.EventTypeConnected).Decode(&connected))
	assert.Equal(t, "u1", connected.SubjectID)
	assert.Equal(t, auth.RoleUser, connected.Role)
	assert.Empty(t, connected.Rooms)
	expectCount(t, first, 1)

	second := f.dial(t, citizen("u2"))
	expectCount(t, first, 2)

	require.NoError(t, second.Close())
	expectCount(t, first, 1)
	assert.Eventually(t, func() bool { return f.hub.TotalClients() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubJoinRoomAuthorization(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, citizen("u1"))
	expect(t, conn, wstypes.EventTypeConnected)

	own := wstypes.UserRoom("u1")
	send(t, conn, wstypes.EventTypeJoinRoom, wstypes.RoomRequest{Room: own})
	var ack wstypes.RoomRequest
	require.NoError(t, expect(t, conn, wstypes.EventTypeJoinedRoom).Decode(&ack))
	assert.Equal(t, own, ack.Room)

	// Joining again is a no-op.
	send(t, conn, wstypes.EventTypeJoinRoom, wstypes.RoomRequest{Room: own})
	expect(t, conn, wstypes.EventTypeJoinedRoom)
	assert.Equal(t, 1, f.hub.RoomSize(own))

	for _, room := range []wstypes.Room{wstypes.UserRoom("u2"), wstypes.RoomAdmins, "dept_Graffiti"} {
		send(t, conn, wstypes.EventTypeJoinRoom, wstypes.RoomRequest{Room: room})
		var errData wstypes.ErrorData
		require.NoError(t, expect(t, conn, wstypes.EventTypeError).Decode(&errData))
		assert.Equal(t, "join_denied", errData.Code, string(room))
		assert.Zero(t, f.hub.RoomSize(room))
	}
}

func TestHubEmitToRoomTargetsMembersOnly(t *testing.T) {
	f := newHubFixture(t)

	alice := f.dial(t, citizen("alice"))
	bob := f.dial(t, citizen("bob"))
	for id, conn := range map[string]*websocket.Conn{"alice": alice, "bob": bob} {
		send(t, conn, wstypes.EventTypeJoinRoom, wstypes.RoomRequest{Room: wstypes.UserRoom(id)})
		expect(t, conn, wstypes.EventTypeJoinedRoom)
	}

	f.hub.EmitToRoom(wstypes.UserRoom("alice"), wstypes.EventTypeNotification, wstypes.NotificationData{ID: "n1", UserID: "alice"})
	f.hub.EmitToRoom(wstypes.UserRoom("bob"), wstypes.EventTypeNotification, wstypes.NotificationData{ID: "marker", UserID: "bob"})

	var got wstypes.NotificationData
	require.NoError(t, expect(t, alice, wstypes.EventTypeNotification).Decode(&got))
	assert.Equal(t, "n1", got.ID)

	// Broadcasts are delivered in order, so bob's first notification would
	// be n1 had it leaked.
	require.NoError(t, expect(t, bob, wstypes.EventTypeNotification).Decode(&got))
	assert.Equal(t, "marker", got.ID)
}

func TestHubStaffScopedToDepartment(t *testing.T) {
	f := newHubFixture(t)

	staff := f.dial(t, &auth.User{ID: "s1", Space: auth.SpaceStaff, Role: auth.RoleStaff, Department: issue.CategoryWater})
	var connected wstypes.ConnectedData
	require.NoError(t, expect(t, staff, wstypes.EventTypeConnected).Decode(&connected))
	assert.Equal(t, []wstypes.Room{wstypes.DepartmentRoom(issue.CategoryWater)}, connected.Rooms)

	admin := f.dial(t, &auth.User{ID: "a1", Space: auth.SpaceAdmin, Role: auth.RoleAdmin})
	send(t, admin, wstypes.EventTypeJoinRoom, wstypes.RoomRequest{Room: wstypes.RoomAdmins})
	expect(t, admin, wstypes.EventTypeJoinedRoom)

	event := wstypes.IssueEventData{IssueID: "i1", Category: issue.CategoryWater, Status: issue.StatusPending}
	f.hub.Emit([]wstypes.Room{wstypes.RoomAdmins, wstypes.DepartmentRoom(issue.CategoryWater)}, wstypes.EventTypeIssueUpdated, event)

	for _, conn := range []*websocket.Conn{staff, admin} {
		var got wstypes.IssueEventData
		require.NoError(t, expect(t, conn, wstypes.EventTypeIssueUpdated).Decode(&got))
		assert.Equal(t, "i1", got.IssueID)
	}
}

func TestHubNewIssueReachesCitizens(t *testing.T) {
	f := newHubFixture(t)

	conn := f.dial(t, citizen("u1"))
	expect(t, conn, wstypes.EventTypeConnected)
	send(t, conn, wstypes.EventTypeJoinRoom, wstypes.RoomRequest{Room: wstypes.UserRoom("u1")})
	expect(t, conn, wstypes.EventTypeJoinedRoom)

	f.hub.EmitToAll(wstypes.EventTypeNewIssue, wstypes.IssueEventData{IssueID: "i7", Category: issue.CategoryRoads, Reporter: "u2"})

	var got wstypes.IssueEventData
	require.NoError(t, expect(t, conn, wstypes.EventTypeNewIssue).Decode(&got))
	assert.Equal(t, "i7", got.IssueID)
	assert.Equal(t, issue.CategoryRoads, got.Category)
}

func TestHubRejectsRevokedToken(t *testing.T) {
	f := newHubFixture(t)

	token, jti := f.token(t, citizen("u1"))
	f.sessions.mu.Lock()
	f.sessions.revoked[jti] = true
	f.sessions.mu.Unlock()

	_, resp, err := f.dialToken(token)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = f.dialToken("not-a-token")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHubRelay(t *testing.T) {
	relay := &fakeRelay{}
	f := newHubFixture(t, WithRelay(relay, "instance-a"))

	conn := f.dial(t, citizen("u1"))
	expect(t, conn, wstypes.EventTypeConnected)

	f.hub.EmitToAll(wstypes.EventTypeStatusUpdate, wstypes.IssueEventData{IssueID: "local"})
	assert.Equal(t, 1, relay.count())

	var got wstypes.IssueEventData
	require.NoError(t, expect(t, conn, wstypes.EventTypeStatusUpdate).Decode(&got))
	assert.Equal(t, "local", got.IssueID)

	// Our own broadcast echoed back by the relay must not be delivered twice.
	f.hub.Deliver(&BroadcastMessage{
		Origin:  "instance-a",
		Message: wstypes.NewMessage(wstypes.EventTypeStatusUpdate, wstypes.IssueEventData{IssueID: "echo"}),
	})
	f.hub.Deliver(&BroadcastMessage{
		Origin:  "instance-b",
		Message: wstypes.NewMessage(wstypes.EventTypeStatusUpdate, wstypes.IssueEventData{IssueID: "peer"}),
	})

	require.NoError(t, expect(t, conn, wstypes.EventTypeStatusUpdate).Decode(&got))
	assert.Equal(t, "peer", got.IssueID)
}

func TestDecodeBroadcast(t *testing.T) {
	msg, err := decodeBroadcast([]byte(`{"rooms":["admins"],"origin":"b","message":{"type":"new_issue","data":{"issue_id":"i9"}}}`))
	require.NoError(t, err)
	assert.Equal(t, []wstypes.Room{wstypes.RoomAdmins}, msg.Rooms)
	assert.Equal(t, wstypes.EventTypeNewIssue, msg.Message.Type)

	_, err = decodeBroadcast([]byte(`{"origin":"b"}`))
	assert.Error(t, err)

	_, err = decodeBroadcast([]byte(`not json`))
	assert.Error(t, err)
}
