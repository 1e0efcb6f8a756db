package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prsentry/prsentry-backend/internal/auth"
	"github.com/prsentry/prsentry-backend/internal/config"
	"github.com/prsentry/prsentry-backend/internal/models"
	"github.com/prsentry/prsentry-backend/internal/queue"
	"github.com/prsentry/prsentry-backend/internal/repository"
)

type fakeStore struct {
	users         map[string]*models.User
	installations map[int64]*models.Installation
	prs           map[string]*models.PullRequest

	listFilter repository.PRFilter
	listPage   repository.Page
	listResult []*models.PullRequest
	listTotal  int
	listErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:         map[string]*models.User{},
		installations: map[int64]*models.Installation{},
		prs:           map[string]*models.PullRequest{},
	}
}

func (s *fakeStore) Ping(context.Context) error { return nil }

func (s *fakeStore) GetUser(_ context.Context, id string) (*models.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return u, nil
}

func (s *fakeStore) UpsertUserByPlatformID(_ context.Context, u *models.User) (*models.User, error) {
	u.ID = fmt.Sprintf("u-%d", u.PlatformID)
	s.users[u.ID] = u
	return u, nil
}

func (s *fakeStore) GetInstallation(_ context.Context, id int64) (*models.Installation, error) {
	inst, ok := s.installations[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return inst, nil
}

func (s *fakeStore) GetPR(_ context.Context, id string) (*models.PullRequest, error) {
	pr, ok := s.prs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return pr, nil
}

func (s *fakeStore) FindPRsByUser(_ context.Context, _ *models.User, f repository.PRFilter, page repository.Page) ([]*models.PullRequest, int, error) {
	s.listFilter = f
	s.listPage = page
	return s.listResult, s.listTotal, s.listErr
}

func (s *fakeStore) CountPRsByInstallationAndRepo(_ context.Context, installationID int64, repoID string) (int, error) {
	n := 0
	for _, pr := range s.prs {
		if pr.InstallationID == installationID && pr.RepoID == repoID {
			n++
		}
	}
	return n, nil
}

type fakeEnqueuer struct {
	queueName string
	jobName   string
	payload   models.SummaryJobPayload
	err       error
	calls     int
}

func (e *fakeEnqueuer) Enqueue(_ context.Context, queueName, jobName string, payload interface{}) (*queue.Job, error) {
	e.calls++
	e.queueName = queueName
	e.jobName = jobName
	if p, ok := payload.(models.SummaryJobPayload); ok {
		e.payload = p
	}
	if e.err != nil {
		return nil, e.err
	}
	return &queue.Job{ID: "job-1", Queue: queueName, Name: jobName}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		JWTSecret:          "test-secret",
		FrontendBaseURL:    "https://app.example.com",
		AppBaseURL:         "https://api.example.com",
		PlatformAPIBaseURL: "https://platform.example.com",
	}
}

func newTestHandler(t *testing.T, store *fakeStore, jobs *fakeEnqueuer) *Handler {
	t.Helper()
	if jobs == nil {
		jobs = &fakeEnqueuer{}
	}
	return NewHandler(store, jobs, nil, testConfig(), nil)
}

// authedRequest carries a valid bearer token and routes through the real
// router so mux vars and middleware behave as in production.
func doAuthed(t *testing.T, h *Handler, method, target, userID string) *httptest.ResponseRecorder {
	t.Helper()
	tok, err := auth.IssueAccessToken("test-secret", userID, "alice", models.RoleViewer)
	require.NoError(t, err)

	router := NewRouter(h, http.NotFoundHandler())
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func viewer(id string, installations ...int64) *models.User {
	return &models.User{
		ID:              id,
		Username:        "alice",
		Role:            models.RoleViewer,
		InstallationIDs: installations,
	}
}

func samplePR(id string, installationID int64) *models.PullRequest {
	return &models.PullRequest{
		ID:             id,
		InstallationID: installationID,
		RepoID:         "555",
		RepoFullName:   "acme/widgets",
		Number:         7,
		Title:          "Add rate limiter",
		Author:         "alice",
		Status:         models.PRStatusOpen,
		SummaryStatus:  models.SummaryReady,
	}
}

func TestListPRs_AppliesFiltersAndPagination(t *testing.T) {
	store := newFakeStore()
	store.users["u-1"] = viewer("u-1", 99)
	store.listResult = []*models.PullRequest{samplePR("pr-1", 99)}
	store.listTotal = 41

	h := newTestHandler(t, store, nil)
	rr := doAuthed(t, h, http.MethodGet, "/api/v1/prs?status=open&repoId=555&page=3&limit=10", "u-1")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, repository.PRFilter{Status: "open", RepoID: "555"}, store.listFilter)
	assert.Equal(t, repository.Page{Limit: 10, Offset: 20}, store.listPage)

	var resp prListResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 41, resp.Total)
	assert.Equal(t, 3, resp.Page)
	require.Len(t, resp.PRs, 1)
	assert.Equal(t, "pr-1", resp.PRs[0].ID)
}

func TestListPRs_RejectsBadStatus(t *testing.T) {
	store := newFakeStore()
	store.users["u-1"] = viewer("u-1")

	h := newTestHandler(t, store, nil)
	rr := doAuthed(t, h, http.MethodGet, "/api/v1/prs?status=draft", "u-1")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestListPRs_CapsLimit(t *testing.T) {
	store := newFakeStore()
	store.users["u-1"] = viewer("u-1")

	h := newTestHandler(t, store, nil)
	rr := doAuthed(t, h, http.MethodGet, "/api/v1/prs?limit=5000", "u-1")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, maxPageLimit, store.listPage.Limit)
}

func TestGetPR_RequiresInstallationLink(t *testing.T) {
	store := newFakeStore()
	store.users["u-1"] = viewer("u-1", 11)
	store.prs["pr-1"] = samplePR("pr-1", 99)

	h := newTestHandler(t, store, nil)
	rr := doAuthed(t, h, http.MethodGet, "/api/v1/prs/pr-1", "u-1")
	// Forbidden rows read as missing so ids cannot be probed.
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGetPR_ReturnsVisibleRow(t *testing.T) {
	store := newFakeStore()
	store.users["u-1"] = viewer("u-1", 99)
	store.prs["pr-1"] = samplePR("pr-1", 99)

	h := newTestHandler(t, store, nil)
	rr := doAuthed(t, h, http.MethodGet, "/api/v1/prs/pr-1", "u-1")

	require.Equal(t, http.StatusOK, rr.Code)
	var pr models.PullRequest
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &pr))
	assert.Equal(t, "acme/widgets", pr.RepoFullName)
	assert.Equal(t, 7, pr.Number)
}

func TestGetPR_AdminSeesEverything(t *testing.T) {
	store := newFakeStore()
	admin := viewer("u-admin")
	admin.Role = models.RoleAdmin
	store.users["u-admin"] = admin
	store.prs["pr-1"] = samplePR("pr-1", 99)

	h := newTestHandler(t, store, nil)
	rr := doAuthed(t, h, http.MethodGet, "/api/v1/prs/pr-1", "u-admin")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRegeneratePR_EnqueuesRegenerateJob(t *testing.T) {
	store := newFakeStore()
	store.users["u-1"] = viewer("u-1", 99)
	store.prs["pr-1"] = samplePR("pr-1", 99)
	jobs := &fakeEnqueuer{}

	h := newTestHandler(t, store, jobs)
	rr := doAuthed(t, h, http.MethodPost, "/api/v1/prs/pr-1/regenerate", "u-1")

	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, models.QueuePRSummary, jobs.queueName)
	assert.Equal(t, models.JobNameRegenerate, jobs.jobName)
	assert.Equal(t, models.SummaryJobPayload{
		PullRequestID:  "pr-1",
		InstallationID: 99,
		RepoFullName:   "acme/widgets",
		Number:         7,
	}, jobs.payload)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp["status"])
	assert.Equal(t, "job-1", resp["job_id"])
}

func TestRegeneratePR_ForbiddenReadsAsMissing(t *testing.T) {
	store := newFakeStore()
	store.users["u-1"] = viewer("u-1", 11)
	store.prs["pr-1"] = samplePR("pr-1", 99)
	jobs := &fakeEnqueuer{}

	h := newTestHandler(t, store, jobs)
	rr := doAuthed(t, h, http.MethodPost, "/api/v1/prs/pr-1/regenerate", "u-1")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Zero(t, jobs.calls)
}

func TestRegeneratePR_EnqueueFailureIs500(t *testing.T) {
	store := newFakeStore()
	store.users["u-1"] = viewer("u-1", 99)
	store.prs["pr-1"] = samplePR("pr-1", 99)
	jobs := &fakeEnqueuer{err: fmt.Errorf("redis down")}

	h := newTestHandler(t, store, jobs)
	rr := doAuthed(t, h, http.MethodPost, "/api/v1/prs/pr-1/regenerate", "u-1")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestListRepositories_FlattensActiveInstallations(t *testing.T) {
	now := time.Now()
	store := newFakeStore()
	store.users["u-1"] = viewer("u-1", 99, 100, 101)
	store.prs["pr-1"] = samplePR("pr-1", 99)
	store.installations[99] = &models.Installation{
		InstallationID: 99,
		AccountLogin:   "acme",
		Repositories: models.RepoRefs{
			{RepoID: "555", RepoFullName: "acme/widgets", Private: true, InstalledAt: now},
			{RepoID: "556", RepoFullName: "acme/gadgets", InstalledAt: now},
		},
	}
	suspendedAt := now
	store.installations[100] = &models.Installation{
		InstallationID: 100,
		AccountLogin:   "oldcorp",
		SuspendedAt:    &suspendedAt,
		Repositories:   models.RepoRefs{{RepoID: "700", RepoFullName: "oldcorp/legacy"}},
	}
	// 101 is linked but the row is gone; it is skipped silently.

	h := newTestHandler(t, store, nil)
	rr := doAuthed(t, h, http.MethodGet, "/api/v1/repositories", "u-1")

	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Repositories []repositoryEntry `json:"repositories"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Repositories, 2)
	assert.Equal(t, "acme/widgets", resp.Repositories[0].RepoFullName)
	assert.True(t, resp.Repositories[0].Private)
	assert.Equal(t, 1, resp.Repositories[0].PRCount)
	assert.Equal(t, int64(99), resp.Repositories[1].InstallationID)
	assert.Zero(t, resp.Repositories[1].PRCount)
}

func TestMe_ReturnsProfile(t *testing.T) {
	store := newFakeStore()
	store.users["u-1"] = viewer("u-1", 99)

	h := newTestHandler(t, store, nil)
	rr := doAuthed(t, h, http.MethodGet, "/api/v1/me", "u-1")

	require.Equal(t, http.StatusOK, rr.Code)
	var u models.User
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &u))
	assert.Equal(t, "u-1", u.ID)
	assert.Equal(t, []int64{99}, u.InstallationIDs)
}

func TestUnknownUserTokenIsUnauthorized(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(t, store, nil)
	rr := doAuthed(t, h, http.MethodGet, "/api/v1/me", "u-gone")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHealth_ReportsOK(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(t, store, nil)

	router := NewRouter(h, http.NotFoundHandler())
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
}
