// internal/handlers/split/split_handler.go
package split

import (
	"net/http"

	"chainbill-service/internal/domain/split"
	"chainbill-service/internal/middleware"
	xerrors "chainbill-service/internal/pkg/errors"
	"chainbill-service/internal/pkg/response"
	service "chainbill-service/internal/service/split"

	"github.com/gin-gonic/gin"
)

type SplitHandler struct {
	splitService *service.Service
}

func NewSplitHandler(splitService *service.Service) *SplitHandler {
	return &SplitHandler{
		splitService: splitService,
	}
}

// CreateTemplate creates a reusable disbursement plan
func (h *SplitHandler) CreateTemplate(c *gin.Context) {
	userID := middleware.MustGetUserID(c)

	var req split.CreateTemplateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}

	t, err := h.splitService.CreateTemplate(c.Request.Context(), userID, &req)
	if err != nil {
		if xerrors.Is(err, xerrors.ErrInvalidInput) {
			response.Error(c, http.StatusBadRequest, "invalid request", err)
			return
		}
		response.Error(c, http.StatusInternalServerError, "failed to create template", nil)
		return
	}
	response.Success(c, http.StatusCreated, "template created", t)
}

// GetTemplate retrieves one of the caller's templates
func (h *SplitHandler) GetTemplate(c *gin.Context) {
	userID := middleware.MustGetUserID(c)

	t, err := h.splitService.GetTemplate(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		response.NotFound(c, "template not found")
		return
	}
	response.Success(c, http.StatusOK, "template retrieved", t)
}

// Execute runs a template. The response reports the per-recipient outcome;
// a partial failure is still a 200 because money already moved.
func (h *SplitHandler) Execute(c *gin.Context) {
	userID := middleware.MustGetUserID(c)

	e, err := h.splitService.Execute(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		if xerrors.Is(err, xerrors.ErrNotFound) {
			response.NotFound(c, "template not found")
			return
		}
		response.Error(c, http.StatusInternalServerError, "failed to execute disbursement", nil)
		return
	}
	response.Success(c, http.StatusOK, "disbursement executed", e)
}

// GetExecution retrieves an execution with per-recipient results
func (h *SplitHandler) GetExecution(c *gin.Context) {
	userID := middleware.MustGetUserID(c)

	e, err := h.splitService.GetExecution(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		response.NotFound(c, "execution not found")
		return
	}
	response.Success(c, http.StatusOK, "execution retrieved", e)
}
