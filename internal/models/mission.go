package models

import (
	"fmt"
	"strings"
	"time"
)

// Verdict actions persisted with every validation pass.
const (
	ActionKept         = "kept"
	ActionDeleted      = "deleted"
	ActionSimulated    = "simulated"
	ActionSkipped      = "skipped"
	ActionAbandoned    = "abandoned"
	ActionDeleteFailed = "delete_failed"
)

// FileRef identifies a candidate mission archive.
type FileRef struct {
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	Exists     bool      `json:"exists"`
	ObservedAt time.Time `json:"observed_at"`
}

// Key is the deduplication key used by the pending table.
func (r FileRef) Key() string {
	return r.Path
}

// PendingJob is a FileRef waiting for its quiet period to elapse.
type PendingJob struct {
	Ref   FileRef   `json:"ref"`
	DueAt time.Time `json:"due_at"`
	Seq   uint64    `json:"seq"`
}

// ValidationPolicy decides which archives are acceptable.
type ValidationPolicy struct {
	ForbiddenFolders []string      `json:"forbidden_folders"`
	AllowedModules   []string      `json:"allowed_modules"`
	QuietPeriod      time.Duration `json:"quiet_period"`
}

// IsModuleAllowed reports whether name is on the allowlist, ignoring case.
func (p ValidationPolicy) IsModuleAllowed(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	for _, m := range p.AllowedModules {
		if strings.EqualFold(m, name) {
			return true
		}
	}
	return false
}

// AnalysisResult is the verdict of a single archive inspection.
type AnalysisResult struct {
	IsValid            bool     `json:"is_valid"`
	ForbiddenFolderHit bool     `json:"forbidden_folder_hit"`
	ForbiddenFolders   []string `json:"forbidden_folders,omitempty"`
	InvalidModules     []string `json:"invalid_modules,omitempty"`
	RequiredModules    []string `json:"required_modules,omitempty"`
	MissingDescriptor  bool     `json:"missing_descriptor"`
	AnalysisError      string   `json:"analysis_error,omitempty"`
}

// Findings renders one human readable line per problem found.
func (r AnalysisResult) Findings() []string {
	var out []string
	for _, f := range r.ForbiddenFolders {
		out = append(out, fmt.Sprintf("Forbidden folder found: %s", f))
	}
	if r.ForbiddenFolderHit && len(r.ForbiddenFolders) == 0 {
		out = append(out, "Forbidden folder found")
	}
	for _, m := range r.InvalidModules {
		out = append(out, fmt.Sprintf("Invalid module: %s", m))
	}
	if r.MissingDescriptor {
		out = append(out, "Missing mission descriptor")
	}
	if r.AnalysisError != "" {
		out = append(out, fmt.Sprintf("Analysis failed: %s", r.AnalysisError))
	}
	return out
}

// Verdict is the recorded outcome of one validation pass.
type Verdict struct {
	ID        string         `json:"id"`
	Path      string         `json:"path"`
	Size      int64          `json:"size"`
	Valid     bool           `json:"valid"`
	Result    AnalysisResult `json:"result"`
	Action    string         `json:"action"`
	Error     *string        `json:"error,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	VerdictID string    `json:"verdict_id"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail"`
	Recorded  time.Time `json:"recorded_at"`
}
