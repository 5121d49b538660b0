// internal/domain/issue/entity.go
package issue

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusPending    Status = "Pending"
	StatusInProgress Status = "In Progress"
	StatusResolved   Status = "Resolved"
)

// Statuses lists every status in workflow order.
var Statuses = []Status{StatusPending, StatusInProgress, StatusResolved}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusResolved:
		return true
	}
	return false
}

// ParseStatus validates a status string coming from a request body.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("invalid status %q", v)
	}
	return s, nil
}

// Category doubles as the staff department.
type Category string

const (
	CategoryRoads    Category = "Road Issues"
	CategoryLighting Category = "Street Lighting"
	CategoryWaste    Category = "Waste Management"
	CategoryWater    Category = "Water & Drainage"
	CategorySafety   Category = "Public Safety"
	CategoryParks    Category = "Parks & Recreation"
	CategoryTraffic  Category = "Traffic Signals"
	CategoryGraffiti Category = "Graffiti"
	CategoryOther    Category = "Other"
)

// KnownCategories is the set offered by the report form. Other values are
// accepted and aggregated as-is.
var KnownCategories = []Category{
	CategoryRoads,
	CategoryLighting,
	CategoryWaste,
	CategoryWater,
	CategorySafety,
	CategoryParks,
	CategoryTraffic,
	CategoryGraffiti,
	CategoryOther,
}

type Location struct {
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Address   string   `json:"address,omitempty"`
}

type Issue struct {
	ID           string    `json:"id" db:"id"`
	Title        string    `json:"title" db:"title"`
	Description  string    `json:"description" db:"description"`
	Category     Category  `json:"category" db:"category"`
	Status       Status    `json:"status" db:"status"`
	Location     *Location `json:"location,omitempty" db:"-"`
	Reporter     string    `json:"reporter" db:"reporter_id"`
	ReporterName string    `json:"reporter_name,omitempty" db:"-"`
	UpdatedBy    string    `json:"updated_by,omitempty" db:"updated_by"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// DTOs

type SubmitRequest struct {
	Title       string    `json:"title" binding:"required,max=255"`
	Description string    `json:"description" binding:"required"`
	Category    Category  `json:"category" binding:"required"`
	Location    *Location `json:"location,omitempty"`
}

type SubmitResponse struct {
	Message string `json:"message"`
	IssueID string `json:"issue_id"`
}

type UpdateStatusRequest struct {
	IssueID string `json:"issue_id" binding:"required"`
	Status  Status `json:"status" binding:"required"`
}

type ListFilters struct {
	Category *Category `form:"category"`
	Status   *Status   `form:"status"`
	Location string    `form:"location"`
}

type ListResponse struct {
	Issues []Issue `json:"issues"`
}
