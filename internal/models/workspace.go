package models

import "time"

// WorkspaceConfig is the per-workspace pipeline configuration. It is owned
// and written outside the core.
type WorkspaceConfig struct {
	WorkspaceID      int64     `json:"workspace_id"`
	ApprovalRequired bool      `json:"approval_required"`
	IntervalDays     int       `json:"interval_days"`
	MaxCandidates    int       `json:"max_candidates"`
	PickTopN         int       `json:"pick_top_n"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// DefaultWorkspaceConfig mirrors the column defaults in the schema.
func DefaultWorkspaceConfig(workspaceID int64) WorkspaceConfig {
	return WorkspaceConfig{
		WorkspaceID:      workspaceID,
		ApprovalRequired: true,
		IntervalDays:     2,
		MaxCandidates:    25,
		PickTopN:         5,
	}
}

// SourcePage is an account or page content is collected from.
type SourcePage struct {
	ID          int64     `json:"id"`
	WorkspaceID int64     `json:"workspace_id"`
	Platform    Platform  `json:"platform"`
	Handle      string    `json:"handle"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
}

// LogLevel is the severity of a workspace log event.
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogSuccess LogLevel = "success"
	LogWarn    LogLevel = "warn"
	LogError   LogLevel = "error"
)

// LogEvent is a workspace-visible log line, also broadcast in real time.
type LogEvent struct {
	ID          int64     `json:"id"`
	WorkspaceID int64     `json:"workspace_id"`
	Level       LogLevel  `json:"level"`
	Message     string    `json:"message"`
	JobID       *int64    `json:"job_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// WorkspaceStats summarises a workspace for status display.
type WorkspaceStats struct {
	TotalCandidates int        `json:"total_candidates"`
	TotalPublished  int        `json:"total_published"`
	PendingApproval int        `json:"pending_approval"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
}
