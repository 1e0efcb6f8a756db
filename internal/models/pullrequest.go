package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Pull request states.
const (
	PRStatusOpen   = "open"
	PRStatusClosed = "closed"
	PRStatusMerged = "merged"
)

// Summary generation states.
const (
	SummaryPending = "pending"
	SummaryReady   = "ready"
	SummaryError   = "error"
)

// FileChange is one changed file as reported by the platform's list-files
// endpoint. Patch carries the unified diff hunk text when available; it is
// scanned for secrets but never persisted.
type FileChange struct {
	Filename  string `json:"filename"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Patch     string `json:"patch,omitempty"`
}

// FileChanges is stored as a single JSONB column. Patches are stripped
// before persistence; see StripPatches.
type FileChanges []FileChange

func (f FileChanges) Value() (driver.Value, error) {
	if f == nil {
		f = FileChanges{}
	}
	return json.Marshal(f)
}

func (f *FileChanges) Scan(src interface{}) error {
	if src == nil {
		*f = FileChanges{}
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("file_changes: unexpected scan type %T", src)
	}
	return json.Unmarshal(b, f)
}

// StripPatches returns a copy without patch bodies, for persistence.
func (f FileChanges) StripPatches() FileChanges {
	out := make(FileChanges, len(f))
	for i, fc := range f {
		fc.Patch = ""
		out[i] = fc
	}
	return out
}

// StringList is a JSONB-backed string array (labels, risk flags).
type StringList []string

func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		s = StringList{}
	}
	return json.Marshal(s)
}

func (s *StringList) Scan(src interface{}) error {
	if src == nil {
		*s = StringList{}
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("string_list: unexpected scan type %T", src)
	}
	return json.Unmarshal(b, s)
}

// Contains reports whether v is present.
func (s StringList) Contains(v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// DiffStats are the deterministic size counters for a pull request.
type DiffStats struct {
	TotalAdditions    int `json:"total_additions"`
	TotalDeletions    int `json:"total_deletions"`
	ChangedFilesCount int `json:"changed_files_count"`
}

// SummaryDoc is the generative-model output attached to a pull request.
type SummaryDoc struct {
	TLDR      string    `json:"tldr"`
	Risks     []string  `json:"risks"`
	Labels    []string  `json:"labels"`
	CreatedAt time.Time `json:"created_at"`
}

// PullRequest is the primary domain entity. (repo_id, number) is unique and
// is the idempotency anchor for webhook redelivery; (installation_id,
// repo_id, number) identifies the PR within a tenancy.
type PullRequest struct {
	ID             string  `json:"id"`
	InstallationID int64   `json:"installation_id"`
	RepoID         string  `json:"repo_id"`
	Number         int     `json:"number"`
	UserID         *string `json:"user_id,omitempty"`

	RepoFullName string `json:"repo_full_name"`
	Title        string `json:"title"`
	Author       string `json:"author"`
	BranchFrom   string `json:"branch_from"`
	BranchTo     string `json:"branch_to"`
	Status       string `json:"status"` // open | closed | merged

	FilesChanged FileChanges `json:"files_changed"`

	Summary          *SummaryDoc `json:"summary"`
	SummaryStatus    string      `json:"summary_status"` // pending | ready | error
	SummaryError     *string     `json:"summary_error,omitempty"`
	LastSummarizedAt *time.Time  `json:"last_summarized_at,omitempty"`

	SystemLabels StringList `json:"system_labels"`
	RiskFlags    StringList `json:"risk_flags"`
	RiskScore    int        `json:"risk_score"`
	DiffStats    DiffStats  `json:"diff_stats"`

	ChatMessageTS *string `json:"chat_message_ts,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
