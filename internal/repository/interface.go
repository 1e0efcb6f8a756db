package repository

import (
	"context"
	"errors"
	"time"

	"github.com/prsentry/prsentry-backend/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// PRKey identifies a pull request for upsert. (RepoID, Number) is the unique
// key; InstallationID is written on insert only.
type PRKey struct {
	InstallationID int64
	RepoID         string
	Number         int
}

// PRPatch carries the mutable fields written on every upsert ($set).
type PRPatch struct {
	RepoFullName string
	Title        string
	Author       string
	BranchFrom   string
	BranchTo     string
	Status       string
	FilesChanged models.FileChanges
}

// PRFilter restricts listing.
type PRFilter struct {
	Status string // empty = any
	RepoID string // empty = any
}

// Page is offset pagination, createdAt descending.
type Page struct {
	Limit  int
	Offset int
}

// InstallationRepository persists platform installations.
type InstallationRepository interface {
	// UpsertInstallation inserts the installation or refreshes its account
	// fields. Repositories are replaced only on insert; use the repo
	// add/remove operations for incremental changes.
	UpsertInstallation(ctx context.Context, inst *models.Installation) (created bool, err error)
	GetInstallation(ctx context.Context, installationID int64) (*models.Installation, error)
	// ListActiveInstallations returns non-suspended installations.
	ListActiveInstallations(ctx context.Context) ([]*models.Installation, error)
	AddInstallationRepos(ctx context.Context, installationID int64, repos []models.RepoRef) error
	RemoveInstallationRepos(ctx context.Context, installationID int64, repoIDs []string) error
	// MarkInstallationSuspended sets suspended_at and unlinks the
	// installation from every user.
	MarkInstallationSuspended(ctx context.Context, installationID int64) error
}

// UserRepository persists users and their installation links.
type UserRepository interface {
	// UpsertUserByPlatformID inserts or refreshes a user keyed by the
	// upstream platform id, returning the stored row.
	UpsertUserByPlatformID(ctx context.Context, u *models.User) (*models.User, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	// FindUsersByInstallation returns users linked to the installation,
	// username ascending.
	FindUsersByInstallation(ctx context.Context, installationID int64) ([]*models.User, error)
	LinkUserInstallation(ctx context.Context, userID string, installationID int64) error
}

// PullRequestRepository persists pull requests and their enrichment state.
type PullRequestRepository interface {
	// UpsertPR is atomic on (repo_id, number): mutable fields from patch are
	// always written, identity and pending summary state only on insert.
	// Returns the resulting row and whether it was created.
	UpsertPR(ctx context.Context, key PRKey, patch PRPatch) (*models.PullRequest, bool, error)
	CreatePR(ctx context.Context, pr *models.PullRequest) error
	GetPR(ctx context.Context, id string) (*models.PullRequest, error)
	GetPRByRepoNumber(ctx context.Context, repoID string, number int) (*models.PullRequest, error)
	// UpdatePRStatus transitions open/closed/merged.
	UpdatePRStatus(ctx context.Context, repoID string, number int, status string) error
	// ResetPRForSummary marks the PR pending and clears the last error
	// (reopened PRs re-enter the summary pipeline).
	ResetPRForSummary(ctx context.Context, repoID string, number int) error
	// SaveAnalysis persists the deterministic analyzer output. Called even
	// when the subsequent model call fails.
	SaveAnalysis(ctx context.Context, id string, labels, flags []string, score int, stats models.DiffStats) error
	// SaveSummarySuccess writes summary, summary_status=ready, clears the
	// error, and stamps last_summarized_at in one statement.
	SaveSummarySuccess(ctx context.Context, id string, summary *models.SummaryDoc, at time.Time) error
	// SaveSummaryFailure writes summary_status=error and the truncated
	// message without touching any previously stored summary.
	SaveSummaryFailure(ctx context.Context, id string, message string) error
	// SetChatMessageTS records the chat idempotency marker; it only writes
	// when the column is still null and reports whether it did.
	SetChatMessageTS(ctx context.Context, id string, ts string) (bool, error)
	FindPRsByUser(ctx context.Context, user *models.User, f PRFilter, page Page) ([]*models.PullRequest, int, error)
	CountPRsByInstallationAndRepo(ctx context.Context, installationID int64, repoID string) (int, error)
}

// Store aggregates all repositories plus lifecycle operations.
type Store interface {
	InstallationRepository
	UserRepository
	PullRequestRepository
	Ping(ctx context.Context) error
	Close() error
}
