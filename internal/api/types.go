package api

import (
	"github.com/mattjoyce/venvdeck/internal/operation"
	"github.com/mattjoyce/venvdeck/internal/venv"
)

// CreateRequest is the JSON body for POST /environments
type CreateRequest struct {
	Name               string   `json:"name"`
	Python             string   `json:"python,omitempty"`
	WithoutPip         bool     `json:"without_pip,omitempty"`
	SystemSitePackages bool     `json:"system_site_packages,omitempty"`
	Packages           []string `json:"packages,omitempty"`
}

// PackagesRequest is the JSON body for uninstall.
type PackagesRequest struct {
	Packages []string `json:"packages"`
}

// InstallRequest is the JSON body for POST /environments/{name}/install.
// Requirements is an absolute path to a requirements file on the server;
// it replaces Packages.
type InstallRequest struct {
	Packages     []string `json:"packages,omitempty"`
	Requirements string   `json:"requirements,omitempty"`
}

// PackageRequest names a single installed package.
type PackageRequest struct {
	Package string `json:"package"`
}

// TargetRequest is the JSON body for clone and rename.
type TargetRequest struct {
	Target string `json:"target"`
}

// ExportRequest is the JSON body for POST /environments/{name}/export
type ExportRequest struct {
	Format    string `json:"format"`
	Dir       string `json:"dir,omitempty"`
	Overwrite bool   `json:"overwrite,omitempty"`
}

// EnvironmentResponse is an environment plus the operation bound to it.
type EnvironmentResponse struct {
	venv.Environment
	BusyWith  string `json:"busy_with,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// EnvironmentListResponse is returned by GET /environments
type EnvironmentListResponse struct {
	Environments []EnvironmentResponse `json:"environments"`
}

// OperationListResponse is returned by GET /operations
type OperationListResponse struct {
	Operations []operation.Snapshot `json:"operations"`
}

// OperationResponse wraps a snapshot with its captured output.
type OperationResponse struct {
	operation.Snapshot
	Output string `json:"output,omitempty"`
}

// HistoryEntry is one journal row returned by GET /history
type HistoryEntry struct {
	ID          string  `json:"id"`
	Kind        string  `json:"kind"`
	Env         string  `json:"env"`
	Target      string  `json:"target,omitempty"`
	Status      string  `json:"status"`
	Step        string  `json:"step,omitempty"`
	ExitCode    *int    `json:"exit_code,omitempty"`
	Error       *string `json:"error,omitempty"`
	CreatedAt   string  `json:"created_at"`
	CompletedAt string  `json:"completed_at"`
}

// HistoryResponse is returned by GET /history
type HistoryResponse struct {
	Entries []HistoryEntry `json:"entries"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status            string `json:"status"`
	Version           string `json:"version,omitempty"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
	Environments      int    `json:"environments"`
	RunningOperations int    `json:"running_operations"`
}
