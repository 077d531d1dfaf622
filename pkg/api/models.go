package api

import (
	"fmt"
	"strings"
)

// maxPathLength bounds user-supplied workspace and root paths.
const maxPathLength = 1000

// GuardRailsRequest is the guard-rails endpoint body.
type GuardRailsRequest struct {
	NoFormat      bool   `json:"no_format"`
	Workspace     string `json:"workspace"`
	DriftCheck    bool   `json:"drift_check"`
	AutoRemediate bool   `json:"auto_remediate"`
}

// Validate checks the request surface.
func (r GuardRailsRequest) Validate() error {
	if len(r.Workspace) > maxPathLength {
		return fmt.Errorf("workspace path too long (max %d characters)", maxPathLength)
	}
	return nil
}

// CleanupRequest is the cleanup endpoint body.
type CleanupRequest struct {
	Root      string `json:"root"`
	DeepClean bool   `json:"deep_clean"`
	DryRun    bool   `json:"dry_run"`
}

// Validate checks the request surface.
func (r CleanupRequest) Validate() error {
	if len(r.Root) > maxPathLength {
		return fmt.Errorf("root path too long (max %d characters)", maxPathLength)
	}
	if strings.HasPrefix(r.Root, "..") {
		return fmt.Errorf("relative parent paths not allowed")
	}
	return nil
}

// GuardRailsResponse is the guard-rails endpoint response.
type GuardRailsResponse struct {
	Success  bool    `json:"success"`
	Gates    []any   `json:"gates"`
	Duration float64 `json:"duration"`
	TaskID   string  `json:"task_id"`
}

// TaskStatusResponse is the task status endpoint response.
type TaskStatusResponse struct {
	TaskID   string         `json:"task_id"`
	Status   string         `json:"status"`
	Progress float64        `json:"progress"`
	Result   map[string]any `json:"result"`
	Error    string         `json:"error,omitempty"`
}
