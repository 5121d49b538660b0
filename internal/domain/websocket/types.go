// internal/domain/websocket/types.go
package websocket

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"civicreport-service/internal/domain/issue"

	"github.com/oklog/ulid/v2"
)

// EventType names a frame on the live channel. Values are part of the wire
// contract shared with existing clients.
type EventType string

const (
	// Connection events
	EventTypePing      EventType = "ping"
	EventTypePong      EventType = "pong"
	EventTypeConnected EventType = "connected"
	EventTypeError     EventType = "error"

	// Room membership (client -> server, with server acks)
	EventTypeJoinRoom   EventType = "join_room"
	EventTypeJoinedRoom EventType = "joined_room"
	EventTypeLeaveRoom  EventType = "leave_room"
	EventTypeLeftRoom   EventType = "left_room"

	// Server -> client pushes
	EventTypeNotification EventType = "notification"
	EventTypeNewIssue     EventType = "new_issue"
	EventTypeStatusUpdate EventType = "status_update"
	EventTypeIssueUpdated EventType = "issue_updated"
	EventTypeUserCount    EventType = "user_count"

	// Notification requests over the socket
	EventTypeNotificationRead EventType = "notification:read"
	EventTypeNotificationList EventType = "notification:list"
)

// WSMessage is the universal message format
type WSMessage struct {
	Type      EventType              `json:"type"`
	Data      json.RawMessage        `json:"data,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	ID        string                 `json:"id,omitempty"`
}

// Room is a server-side fan-out group.
type Room string

const RoomAdmins Room = "admins"

func UserRoom(subjectID string) Room {
	return Room("user_" + subjectID)
}

func DepartmentRoom(department issue.Category) Room {
	return Room("dept_" + string(department))
}

// SubjectOf returns the subject id of a user room.
func (r Room) SubjectOf() (string, bool) {
	s, ok := strings.CutPrefix(string(r), "user_")
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// RoomRequest is the payload of join_room / leave_room and their acks.
type RoomRequest struct {
	Room Room `json:"room"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type ConnectedData struct {
	Message    string         `json:"message"`
	SubjectID  string         `json:"user_id"`
	Role       string         `json:"role"`
	Department issue.Category `json:"department,omitempty"`
	Rooms      []Room         `json:"rooms"`
}

// NotificationData is the pushed form of a notification record. The audience
// is flattened so receivers can re-check relevance. CreatedAt is an RFC 3339
// string; older emitters send naive ISO timestamps.
type NotificationData struct {
	ID         string         `json:"id,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	Role       string         `json:"role,omitempty"`
	Department issue.Category `json:"department,omitempty"`
	Type       string         `json:"type,omitempty"`
	Title      string         `json:"title,omitempty"`
	Message    string         `json:"message,omitempty"`
	IssueID    string         `json:"issue_id,omitempty"`
	Status     issue.Status   `json:"status,omitempty"`
	CreatedAt  string         `json:"created_at,omitempty"`
}

// IssueEventData carries new_issue, status_update and issue_updated. It is a
// summary, never a full issue record.
type IssueEventData struct {
	IssueID   string         `json:"issue_id"`
	Title     string         `json:"title"`
	Category  issue.Category `json:"category"`
	Status    issue.Status   `json:"status"`
	Reporter  string         `json:"user_id,omitempty"`
	UserName  string         `json:"user_name,omitempty"`
	UpdatedBy string         `json:"updated_by,omitempty"`
}

type UserCountData struct {
	Count int `json:"count"`
}

// NewMessage builds an envelope. Data that fails to marshal yields an
// envelope without data.
func NewMessage(eventType EventType, data interface{}) *WSMessage {
	msg := &WSMessage{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		ID:        ulid.Make().String(),
	}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			msg.Data = raw
		}
	}
	return msg
}

func (m *WSMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// Decode unmarshals the data payload into target.
func (m *WSMessage) Decode(target interface{}) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s: empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Data, target); err != nil {
		return fmt.Errorf("%s: %w", m.Type, err)
	}
	return nil
}

func ParseMessage(data []byte) (*WSMessage, error) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("message without type")
	}
	return &msg, nil
}
