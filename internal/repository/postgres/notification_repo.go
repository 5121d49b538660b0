// internal/repository/postgres/notification_repo.go
package postgres

import (
	"context"
	"fmt"

	"civicreport-service/internal/domain/issue"
	"civicreport-service/internal/domain/notification"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

type NotificationRepository struct {
	db *pgxpool.Pool
}

func NewNotificationRepository(db *pgxpool.Pool) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// visibleTo matches rows addressed to the reader directly, to the reader's
// role or to the reader's department. $1 subject, $2 role, $3 department.
const visibleTo = `(n.user_id = $1 OR n.role = NULLIF($2, '') OR n.department = NULLIF($3, ''))`

// Create stores one row per notification, whatever its audience size.
func (r *NotificationRepository) Create(ctx context.Context, n *notification.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}

	query := `
		INSERT INTO notifications (id, user_id, role, department, type, title, message, issue_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`
	err := r.db.QueryRow(ctx, query,
		n.ID,
		nullable(n.Audience.SubjectID), nullable(n.Audience.Role), nullable(string(n.Audience.Department)),
		n.Kind, n.Title, n.Message, nullable(n.IssueID), nullable(string(n.Status)),
	).Scan(&n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

// ListForReader returns the newest notifications visible to the reader with
// that reader's read flag.
func (r *NotificationRepository) ListForReader(ctx context.Context, reader notification.Reader, limit int) ([]notification.Notification, error) {
	query := `
		SELECT n.id, n.user_id, n.role, n.department, n.type, n.title, n.message,
		       n.issue_id, n.status, (rd.user_id IS NOT NULL), n.created_at
		FROM notifications n
		LEFT JOIN notification_reads rd ON rd.notification_id = n.id AND rd.user_id = $1
		WHERE ` + visibleTo + `
		ORDER BY n.created_at DESC
		LIMIT $4
	`
	rows, err := r.db.Query(ctx, query, reader.SubjectID, reader.Role, string(reader.Department), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	notifications := []notification.Notification{}
	for rows.Next() {
		var n notification.Notification
		var userID, role, dept, issueID, statusV *string
		err := rows.Scan(
			&n.ID, &userID, &role, &dept, &n.Kind, &n.Title, &n.Message,
			&issueID, &statusV, &n.Read, &n.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.Audience = notification.Audience{
			SubjectID:  deref(userID),
			Role:       deref(role),
			Department: issue.Category(deref(dept)),
		}
		n.IssueID = deref(issueID)
		n.Status = issue.Status(deref(statusV))
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

// CountUnread counts every visible notification the reader has not read,
// not just the listed page.
func (r *NotificationRepository) CountUnread(ctx context.Context, reader notification.Reader) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM notifications n
		LEFT JOIN notification_reads rd ON rd.notification_id = n.id AND rd.user_id = $1
		WHERE ` + visibleTo + ` AND rd.user_id IS NULL
	`
	var count int
	if err := r.db.QueryRow(ctx, query, reader.SubjectID, reader.Role, string(reader.Department)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return count, nil
}

// MarkRead records the reader as having read the given notifications. Ids
// the reader cannot see are ignored. An empty id list marks everything
// visible. Already-read rows are not counted.
func (r *NotificationRepository) MarkRead(ctx context.Context, reader notification.Reader, ids []string) (int64, error) {
	var idFilter interface{}
	if len(ids) > 0 {
		idFilter = pq.Array(ids)
	}

	query := `
		INSERT INTO notification_reads (notification_id, user_id)
		SELECT n.id, $1
		FROM notifications n
		WHERE ` + visibleTo + ` AND ($4::text[] IS NULL OR n.id = ANY($4::text[]))
		ON CONFLICT (notification_id, user_id) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query, reader.SubjectID, reader.Role, string(reader.Department), idFilter)
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", err)
	}
	return tag.RowsAffected(), nil
}
