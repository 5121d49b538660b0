// internal/handlers/issue/issue_handler.go
package issue

import (
	"net/http"

	"civicreport-service/internal/domain/issue"
	"civicreport-service/internal/middleware"
	"civicreport-service/internal/pkg/response"
	service "civicreport-service/internal/service/issue"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type IssueHandler struct {
	issueService *service.IssueService
	logger       *zap.Logger
}

func NewIssueHandler(issueService *service.IssueService, logger *zap.Logger) *IssueHandler {
	return &IssueHandler{
		issueService: issueService,
		logger:       logger,
	}
}

func actorFrom(c *gin.Context) service.Actor {
	claims := middleware.MustGetClaims(c)
	return service.Actor{
		SubjectID:  claims.SubjectID(),
		Role:       claims.Role,
		Department: claims.Department,
	}
}

func bindFilters(c *gin.Context) (*issue.ListFilters, bool) {
	var filters issue.ListFilters
	if err := c.ShouldBindQuery(&filters); err != nil {
		response.ValidationError(c, "invalid query parameters", err)
		return nil, false
	}
	if filters.Status != nil && !filters.Status.Valid() {
		response.ValidationError(c, "invalid status filter", nil)
		return nil, false
	}
	return &filters, true
}

// Submit files a new report for the signed-in citizen.
func (h *IssueHandler) Submit(c *gin.Context) {
	var req issue.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request", err)
		return
	}

	it, err := h.issueService.Submit(c.Request.Context(), actorFrom(c), &req)
	if err != nil {
		response.FromError(c, "failed to submit issue", err)
		return
	}

	response.Success(c, http.StatusCreated, "issue submitted", issue.SubmitResponse{
		Message: "Issue reported successfully",
		IssueID: it.ID,
	})
}

func (h *IssueHandler) ListMine(c *gin.Context) {
	filters, ok := bindFilters(c)
	if !ok {
		return
	}
	h.respond(c)(h.issueService.ListMine(c.Request.Context(), actorFrom(c), filters))
}

func (h *IssueHandler) ListCommunity(c *gin.Context) {
	filters, ok := bindFilters(c)
	if !ok {
		return
	}
	h.respond(c)(h.issueService.ListCommunity(c.Request.Context(), filters))
}

func (h *IssueHandler) ListForAdmin(c *gin.Context) {
	filters, ok := bindFilters(c)
	if !ok {
		return
	}
	h.respond(c)(h.issueService.ListForAdmin(c.Request.Context(), filters))
}

func (h *IssueHandler) ListForStaff(c *gin.Context) {
	filters, ok := bindFilters(c)
	if !ok {
		return
	}
	h.respond(c)(h.issueService.ListForStaff(c.Request.Context(), actorFrom(c), filters))
}

func (h *IssueHandler) respond(c *gin.Context) func([]issue.Issue, error) {
	return func(issues []issue.Issue, err error) {
		if err != nil {
			response.FromError(c, "failed to list issues", err)
			return
		}
		response.Success(c, http.StatusOK, "issues retrieved", issue.ListResponse{Issues: issues})
	}
}

// UpdateStatus serves both the admin and staff routes; scoping comes from
// the caller's role.
func (h *IssueHandler) UpdateStatus(c *gin.Context) {
	var req issue.UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request", err)
		return
	}

	actor := actorFrom(c)
	it, err := h.issueService.UpdateStatus(c.Request.Context(), actor, &req)
	if err != nil {
		h.logger.Warn("status update rejected",
			zap.String("issue_id", req.IssueID),
			zap.String("user_id", actor.SubjectID),
			zap.Error(err),
		)
		response.FromError(c, "failed to update status", err)
		return
	}

	response.Success(c, http.StatusOK, "status updated", it)
}
