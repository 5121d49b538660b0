// internal/repository/postgres/issue_repo.go
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"civicreport-service/internal/domain/issue"
	xerrors "civicreport-service/internal/pkg/errors"

	"github.com/google/uuid"
)

type IssueRepository struct {
	db *DB
}

func NewIssueRepository(db *DB) *IssueRepository {
	return &IssueRepository{db: db}
}

const issueSelect = `
	SELECT i.id, i.title, i.description, i.category, i.status,
	       i.latitude, i.longitude, i.address,
	       i.reporter_id, COALESCE(u.name, ''), COALESCE(i.updated_by, ''),
	       i.created_at, i.updated_at
	FROM issues i
	LEFT JOIN users u ON u.id = i.reporter_id
`

func scanIssue(row rowScanner) (*issue.Issue, error) {
	var (
		it       issue.Issue
		lat, lng *float64
		address  *string
	)
	err := row.Scan(
		&it.ID, &it.Title, &it.Description, &it.Category, &it.Status,
		&lat, &lng, &address,
		&it.Reporter, &it.ReporterName, &it.UpdatedBy,
		&it.CreatedAt, &it.UpdatedAt,
	)
	if err != nil {
		return nil, translate(err)
	}
	if lat != nil || lng != nil || address != nil {
		it.Location = &issue.Location{Latitude: lat, Longitude: lng, Address: deref(address)}
	}
	return &it, nil
}

// Create stores a new issue in the Pending state.
func (r *IssueRepository) Create(ctx context.Context, it *issue.Issue) error {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	it.Status = issue.StatusPending

	var lat, lng *float64
	var address *string
	if it.Location != nil {
		lat, lng, address = it.Location.Latitude, it.Location.Longitude, nullable(it.Location.Address)
	}

	query := `
		INSERT INTO issues (id, title, description, category, status, latitude, longitude, address, reporter_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`
	err := r.db.Pool().QueryRow(ctx, query,
		it.ID, it.Title, it.Description, it.Category, it.Status, lat, lng, address, it.Reporter,
	).Scan(&it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create issue: %w", translate(err))
	}
	return nil
}

func (r *IssueRepository) FindByID(ctx context.Context, id string) (*issue.Issue, error) {
	it, err := scanIssue(r.db.Pool().QueryRow(ctx, issueSelect+` WHERE i.id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to find issue: %w", err)
	}
	return it, nil
}

// List returns issues newest first. reporterID and department narrow the
// result when non-empty.
func (r *IssueRepository) List(ctx context.Context, reporterID string, department issue.Category, filters *issue.ListFilters) ([]issue.Issue, error) {
	conditions := []string{"TRUE"}
	args := []interface{}{}
	argPos := 1

	add := func(cond string, v interface{}) {
		conditions = append(conditions, fmt.Sprintf(cond, argPos))
		args = append(args, v)
		argPos++
	}

	if reporterID != "" {
		add("i.reporter_id = $%d", reporterID)
	}
	if department != "" {
		add("i.category = $%d", department)
	}
	if filters != nil {
		if filters.Category != nil {
			add("i.category = $%d", *filters.Category)
		}
		if filters.Status != nil {
			add("i.status = $%d", *filters.Status)
		}
		if filters.Location != "" {
			add("i.address ILIKE $%d", "%"+filters.Location+"%")
		}
	}

	query := issueSelect + ` WHERE ` + strings.Join(conditions, " AND ") + ` ORDER BY i.created_at DESC`

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	defer rows.Close()

	issues := []issue.Issue{}
	for rows.Next() {
		it, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		issues = append(issues, *it)
	}
	return issues, rows.Err()
}

// UpdateStatus changes the status under a row lock and returns the issue as
// it was before the change. department, when non-empty, must match the
// issue category.
func (r *IssueRepository) UpdateStatus(ctx context.Context, id string, status issue.Status, updatedBy string, department issue.Category) (before *issue.Issue, err error) {
	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	before, err = scanIssue(tx.QueryRow(ctx, issueSelect+` WHERE i.id = $1 FOR UPDATE OF i`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to load issue: %w", err)
	}
	if department != "" && before.Category != department {
		return nil, fmt.Errorf("issue is filed under %s: %w", before.Category, xerrors.ErrForbidden)
	}

	_, err = tx.Exec(ctx,
		`UPDATE issues SET status = $1, updated_by = $2, updated_at = $3 WHERE id = $4`,
		status, updatedBy, time.Now().UTC(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update issue: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return before, nil
}
