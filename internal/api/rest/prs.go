package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/prsentry/prsentry-backend/internal/auth"
	"github.com/prsentry/prsentry-backend/internal/models"
	"github.com/prsentry/prsentry-backend/internal/pkg/logger"
	"github.com/prsentry/prsentry-backend/internal/repository"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// currentUser resolves the authenticated user from the request context.
func (h *Handler) currentUser(w http.ResponseWriter, r *http.Request) *models.User {
	reqID := logger.FromContext(r.Context())
	claims := auth.ClaimsFromContext(r.Context())
	if claims == nil {
		respondError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Authentication required", reqID)
		return nil
	}
	user, err := h.store.GetUser(r.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			respondError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Unknown user", reqID)
			return nil
		}
		h.log.Error("load user failed", "user_id", claims.UserID, "error", err)
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "Internal error", reqID)
		return nil
	}
	return user
}

// canSeePR reports whether the user may read the pull request. Admins see
// everything; everyone else needs a link to the owning installation.
func canSeePR(user *models.User, pr *models.PullRequest) bool {
	return user.Role == models.RoleAdmin || user.HasInstallation(pr.InstallationID)
}

type prListResponse struct {
	PRs   []*models.PullRequest `json:"prs"`
	Total int                   `json:"total"`
	Page  int                   `json:"page"`
	Limit int                   `json:"limit"`
}

// ListPRs returns pull requests visible to the caller, newest first.
// Query parameters: status, repoId, page (1-based), limit.
func (h *Handler) ListPRs(w http.ResponseWriter, r *http.Request) {
	reqID := logger.FromContext(r.Context())
	user := h.currentUser(w, r)
	if user == nil {
		return
	}

	q := r.URL.Query()
	filter := repository.PRFilter{
		Status: q.Get("status"),
		RepoID: q.Get("repoId"),
	}
	switch filter.Status {
	case "", models.PRStatusOpen, models.PRStatusClosed, models.PRStatusMerged:
	default:
		respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "status must be open, closed or merged", reqID)
		return
	}

	page := 1
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "page must be a positive integer", reqID)
			return
		}
		page = n
	}
	limit := defaultPageLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "limit must be a positive integer", reqID)
			return
		}
		limit = n
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	prs, total, err := h.store.FindPRsByUser(r.Context(), user, filter, repository.Page{
		Limit:  limit,
		Offset: (page - 1) * limit,
	})
	if err != nil {
		h.log.Error("list prs failed", "user_id", user.ID, "error", err)
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "Internal error", reqID)
		return
	}
	if prs == nil {
		prs = []*models.PullRequest{}
	}
	respondJSON(w, http.StatusOK, prListResponse{PRs: prs, Total: total, Page: page, Limit: limit})
}

// GetPR returns one pull request. 404 is returned both for missing rows and
// rows the caller may not see, so ids cannot be probed.
func (h *Handler) GetPR(w http.ResponseWriter, r *http.Request) {
	user := h.currentUser(w, r)
	if user == nil {
		return
	}

	pr, ok := h.loadVisiblePR(w, r, user)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, pr)
}

// RegeneratePR re-enqueues the summary job for a pull request the caller can
// see. The regenerate variant overrides the worker's skip-if-ready check.
func (h *Handler) RegeneratePR(w http.ResponseWriter, r *http.Request) {
	reqID := logger.FromContext(r.Context())
	user := h.currentUser(w, r)
	if user == nil {
		return
	}

	pr, ok := h.loadVisiblePR(w, r, user)
	if !ok {
		return
	}

	job, err := h.jobs.Enqueue(r.Context(), models.QueuePRSummary, models.JobNameRegenerate, models.SummaryJobPayload{
		PullRequestID:  pr.ID,
		InstallationID: pr.InstallationID,
		RepoFullName:   pr.RepoFullName,
		Number:         pr.Number,
	})
	if err != nil {
		h.log.Error("enqueue regenerate failed", "pr_id", pr.ID, "error", err)
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "Failed to queue regeneration", reqID)
		return
	}
	h.log.Info("summary regeneration queued", "pr_id", pr.ID, "job_id", job.ID, "user_id", user.ID)
	respondJSON(w, http.StatusAccepted, map[string]string{
		"status": "queued",
		"job_id": job.ID,
	})
}

func (h *Handler) loadVisiblePR(w http.ResponseWriter, r *http.Request, user *models.User) (*models.PullRequest, bool) {
	reqID := logger.FromContext(r.Context())
	id := mux.Vars(r)["id"]

	pr, err := h.store.GetPR(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			respondError(w, http.StatusNotFound, ErrCodeNotFound, "Pull request not found", reqID)
			return nil, false
		}
		h.log.Error("load pr failed", "pr_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "Internal error", reqID)
		return nil, false
	}
	if !canSeePR(user, pr) {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "Pull request not found", reqID)
		return nil, false
	}
	return pr, true
}

type repositoryEntry struct {
	RepoID         string `json:"repo_id"`
	RepoFullName   string `json:"repo_full_name"`
	Private        bool   `json:"private"`
	InstallationID int64  `json:"installation_id"`
	AccountLogin   string `json:"account_login"`
	PRCount        int    `json:"pr_count"`
}

// ListRepositories flattens the repositories of every installation the user
// is linked to. Suspended installations are skipped.
func (h *Handler) ListRepositories(w http.ResponseWriter, r *http.Request) {
	reqID := logger.FromContext(r.Context())
	user := h.currentUser(w, r)
	if user == nil {
		return
	}

	repos := []repositoryEntry{}
	for _, instID := range user.InstallationIDs {
		inst, err := h.store.GetInstallation(r.Context(), instID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			h.log.Error("load installation failed", "installation_id", instID, "error", err)
			respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "Internal error", reqID)
			return
		}
		if inst.IsSuspended() {
			continue
		}
		for _, repo := range inst.Repositories {
			count, err := h.store.CountPRsByInstallationAndRepo(r.Context(), inst.InstallationID, repo.RepoID)
			if err != nil {
				h.log.Error("count prs failed", "installation_id", inst.InstallationID, "repo_id", repo.RepoID, "error", err)
				respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "Internal error", reqID)
				return
			}
			repos = append(repos, repositoryEntry{
				RepoID:         repo.RepoID,
				RepoFullName:   repo.RepoFullName,
				Private:        repo.Private,
				InstallationID: inst.InstallationID,
				AccountLogin:   inst.AccountLogin,
				PRCount:        count,
			})
		}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"repositories": repos})
}

// Me returns the caller's profile.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user := h.currentUser(w, r)
	if user == nil {
		return
	}
	respondJSON(w, http.StatusOK, user)
}
