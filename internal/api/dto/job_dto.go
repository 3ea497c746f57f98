package dto

import "github.com/cuongbtq/quota-harvester/internal/apistats"

type ListJobsRequest struct {
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID         string         `json:"job_id"`
	PID           int            `json:"pid,omitempty"`
	Phase         string         `json:"phase"`
	Status        string         `json:"status"`
	StopRequested bool           `json:"stop_requested"`
	Metrics       map[string]any `json:"metrics"`
	StartedAt     string         `json:"started_at"`
	LastUpdatedAt string         `json:"last_updated_at"`
}

type StopJobResponse struct {
	JobID         string `json:"job_id"`
	StopRequested bool   `json:"stop_requested"`
	Running       bool   `json:"running"`
}

type APIStatsResponse struct {
	apistats.Snapshot
	Quotas map[string]string `json:"quotas"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
