package video

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"teleconsult-backend/internal/domain"
	"teleconsult-backend/internal/service/video"
	"teleconsult-backend/pkg/response"
)

// Handler handles video call HTTP requests
type Handler struct {
	videoService *video.Service
}

// NewHandler creates a new video handler
func NewHandler(videoService *video.Service) *Handler {
	return &Handler{
		videoService: videoService,
	}
}

// RegisterRoutes mounts the call endpoints on rg
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	calls := rg.Group("/calls")
	{
		calls.POST("/schedule", h.ScheduleCall)
		calls.POST("/join", h.JoinCall)
		calls.POST("/end", h.EndCall)
		calls.GET("/upcoming/:userId", h.GetUpcomingCalls)
		calls.GET("/:roomId", h.GetCall)
	}
}

// ScheduleCall books a new consultation
// POST /v1/calls/schedule
func (h *Handler) ScheduleCall(c *gin.Context) {
	var req domain.ScheduleCallInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "Missing required fields")
		return
	}

	call, err := h.videoService.ScheduleCall(c.Request.Context(), &req)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{
		"message":     "Video call scheduled successfully",
		"callDetails": call,
	})
}

// GetCall returns one call record
// GET /v1/calls/:roomId
func (h *Handler) GetCall(c *gin.Context) {
	call, err := h.videoService.GetCall(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, call)
}

// JoinCall checks that the user may join before the socket is opened
// POST /v1/calls/join
func (h *Handler) JoinCall(c *gin.Context) {
	var req domain.JoinCallInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "roomId and userId are required")
		return
	}

	output, err := h.videoService.JoinCall(c.Request.Context(), &req)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, output)
}

// EndCall terminates a call for everyone in its room
// POST /v1/calls/end
func (h *Handler) EndCall(c *gin.Context) {
	var req domain.EndCallInput
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.RoomID) == "" {
		response.ValidationError(c, "roomId is required")
		return
	}

	ended, err := h.videoService.EndCall(c.Request.Context(), req.RoomID)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Call ended successfully",
		"call":    ended,
	})
}

// GetUpcomingCalls lists a user's calls that have not started yet or are running
// GET /v1/calls/upcoming/:userId
func (h *Handler) GetUpcomingCalls(c *gin.Context) {
	calls, err := h.videoService.GetUpcomingCalls(c.Request.Context(), c.Param("userId"))
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"calls": calls,
	})
}
