// internal/domain/notification/entity.go
package notification

import (
	"time"

	"civicreport-service/internal/domain/issue"
)

type Kind string

const (
	KindNewIssue    Kind = "new_issue"
	KindIssueStatus Kind = "issue_status"
	KindInfo        Kind = "info"
)

// Audience is the targeting rule of a notification. Any non-empty field
// matches; an audience with every field empty matches nobody.
type Audience struct {
	SubjectID  string         `json:"user_id,omitempty"`
	Role       string         `json:"role,omitempty"`
	Department issue.Category `json:"department,omitempty"`
}

func (a Audience) Empty() bool {
	return a.SubjectID == "" && a.Role == "" && a.Department == ""
}

// Notification is stored once per audience. Read state is tracked per reader.
type Notification struct {
	ID        string       `json:"id" db:"id"`
	Audience  Audience     `json:"audience" db:"-"`
	Kind      Kind         `json:"type" db:"type"`
	Title     string       `json:"title" db:"title"`
	Message   string       `json:"message" db:"message"`
	IssueID   string       `json:"issue_id,omitempty" db:"issue_id"`
	Status    issue.Status `json:"status,omitempty" db:"status"`
	Read      bool         `json:"read" db:"read"`
	CreatedAt time.Time    `json:"created_at" db:"created_at"`
}

// Reader identifies whose notifications are being listed or acknowledged.
type Reader struct {
	SubjectID  string
	Role       string
	Department issue.Category
}

// DTOs

type CreateNotificationRequest struct {
	Audience Audience     `json:"audience" binding:"required"`
	Kind     Kind         `json:"type"`
	Title    string       `json:"title" binding:"required,max=255"`
	Message  string       `json:"message" binding:"required"`
	IssueID  string       `json:"issue_id,omitempty"`
	Status   issue.Status `json:"status,omitempty"`
}

type MarkReadRequest struct {
	IDs []string `json:"ids"`
}

type MarkReadResponse struct {
	Updated int64 `json:"updated"`
}

type ListResponse struct {
	Notifications []Notification `json:"notifications"`
	UnreadCount   int            `json:"unread_count"`
}
