package handler

import (
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/quota-harvester/internal/api/domain"
	"github.com/cuongbtq/quota-harvester/internal/api/dto"
	"github.com/cuongbtq/quota-harvester/internal/checkpoint"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("job_id"))
	if jobID == "" {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "job_id is required"})
		return
	}

	ctx := c.Request.Context()
	progress, ok := h.store.ReadProgress(ctx, jobID)
	if !ok {
		h.logger.Debug("Job has no progress record", slog.String("job_id", jobID))
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: domain.ErrJobNotFound.Error()})
		return
	}

	c.JSON(http.StatusOK, h.toDTO(*progress, h.store.IsStopRequested(ctx, jobID)))
}

// ListJobs handles GET /api/v1/jobs
// Lists progress records ordered by job id, paginated with an opaque cursor.
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid query parameters"})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	after, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid cursor"})
		return
	}

	ctx := c.Request.Context()
	records := h.store.ListProgress(ctx)
	if after != "" {
		start := sort.Search(len(records), func(i int) bool { return records[i].JobID > after })
		records = records[start:]
	}

	hasMore := len(records) > req.PageSize
	if hasMore {
		records = records[:req.PageSize]
	}

	jobs := make([]dto.JobDTO, len(records))
	for i, p := range records {
		jobs[i] = h.toDTO(p, h.store.IsStopRequested(ctx, p.JobID))
	}

	var nextCursor string
	if hasMore {
		nextCursor = EncodeJobCursor(records[len(records)-1].JobID)
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobs,
		NextCursor: nextCursor,
	})
}

// StopJob handles POST /api/v1/jobs/:job_id/stop
// The marker is created even when the job is not running, so its next run
// stops before doing any work.
func (h *JobHandler) StopJob(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("job_id"))
	if jobID == "" {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "job_id is required"})
		return
	}

	ctx := c.Request.Context()
	if err := h.store.RequestStop(ctx, jobID); err != nil {
		h.logger.Error("Failed to request stop",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to request stop"})
		return
	}

	_, running := h.store.ReadProgress(ctx, jobID)
	h.logger.Info("Stop requested",
		slog.String("job_id", jobID),
		slog.Bool("running", running),
	)

	c.JSON(http.StatusAccepted, dto.StopJobResponse{
		JobID:         jobID,
		StopRequested: true,
		Running:       running,
	})
}

func (h *JobHandler) toDTO(p checkpoint.Progress, stopRequested bool) dto.JobDTO {
	return dto.JobDTO{
		JobID:         p.JobID,
		PID:           p.PID,
		Phase:         p.Phase,
		Status:        domain.JobStatus(p, stopRequested, h.now(), h.staleAfter),
		StopRequested: stopRequested,
		Metrics:       p.Metrics,
		StartedAt:     p.StartedAt.Format(time.RFC3339),
		LastUpdatedAt: p.LastUpdatedAt.Format(time.RFC3339),
	}
}
