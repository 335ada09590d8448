// Submission and result endpoints.
//
// Submissions are accepted, validated against the language catalog, and
// enqueued; execution happens asynchronously in the worker pool. Clients poll
// /results/:jobId until the job reaches a terminal state.

package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"runbox/internal/logging"
	"runbox/internal/metrics"
	"runbox/internal/queue"
	"runbox/pkg/models"
)

// RunRequest represents a code submission.
type RunRequest struct {
	Language string `json:"language" binding:"required"`
	Code     string `json:"code" binding:"required"`
}

// ResultResponse is the polling payload for a job.
type ResultResponse struct {
	JobID   string `json:"jobId"`
	State   string `json:"state"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message"`
}

// Run handles POST /run. Validation failures are rejected here and never
// reach the queue.
func (h *Handler) Run(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, StandardResponse{
			Success: false,
			Error:   "Invalid request format: " + err.Error(),
			Code:    "INVALID_REQUEST",
		})
		return
	}

	if int64(len(req.Code)) > h.cfg.MaxCodeSize {
		c.JSON(http.StatusBadRequest, StandardResponse{
			Success: false,
			Error:   fmt.Sprintf("Code exceeds maximum size of %d bytes", h.cfg.MaxCodeSize),
			Code:    "CODE_TOO_LARGE",
		})
		return
	}

	desc, ok := h.Catalog.Resolve(req.Language)
	if !ok {
		c.JSON(http.StatusBadRequest, StandardResponse{
			Success: false,
			Error: fmt.Sprintf("Unsupported language: %s. Supported languages: %s",
				req.Language, strings.Join(h.Catalog.Tags(), ", ")),
			Code: "UNSUPPORTED_LANGUAGE",
		})
		return
	}

	id, err := h.Broker.Enqueue(c.Request.Context(), desc.Tag, req.Code)
	if err != nil {
		logging.L().Error("Enqueue failed",
			zap.String("language", desc.Tag),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, StandardResponse{
			Success: false,
			Error:   "Failed to enqueue job",
			Code:    "ENQUEUE_FAILED",
		})
		return
	}

	metrics.Get().RecordEnqueue(desc.Tag)
	logging.L().Info("Job enqueued",
		zap.String("job_id", id),
		zap.String("language", desc.Tag))

	c.JSON(http.StatusAccepted, gin.H{"jobId": id})
}

// GetResult handles GET /results/:jobId.
func (h *Handler) GetResult(c *gin.Context) {
	id := c.Param("jobId")

	job, err := h.Broker.Job(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, StandardResponse{
				Success: false,
				Error:   "Job not found",
				Code:    "NOT_FOUND",
			})
			return
		}
		logging.L().Error("Job lookup failed",
			zap.String("job_id", id),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, StandardResponse{
			Success: false,
			Error:   "Failed to look up job",
			Code:    "BROKER_ERROR",
		})
		return
	}

	resp := ResultResponse{
		JobID:   job.ID,
		State:   string(job.State),
		Message: stateMessage(job.State),
	}
	switch job.State {
	case models.StateCompleted:
		resp.Output = job.Output
	case models.StateFailed:
		resp.Error = job.FailedReason
	}

	c.JSON(http.StatusOK, resp)
}

// stateMessage renders a human-readable description of a job state.
func stateMessage(state models.JobState) string {
	switch state {
	case models.StateWaiting:
		return "Job is queued and waiting for a worker"
	case models.StateActive:
		return "Job is currently executing"
	case models.StateDelayed:
		return "Job is scheduled for later execution"
	case models.StateStalled:
		return "Job was interrupted and is awaiting recovery"
	case models.StateCompleted:
		return "Job completed successfully"
	case models.StateFailed:
		return "Job failed"
	default:
		return "Job is in state " + string(state)
	}
}
