package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prsentry/prsentry-backend/internal/models"
	"github.com/prsentry/prsentry-backend/internal/pkg/metrics"
	"github.com/prsentry/prsentry-backend/internal/queue"
	"github.com/prsentry/prsentry-backend/internal/repository"
)

const maxBodyBytes = 5 << 20

// Store is the slice of the repository the receiver writes through.
type Store interface {
	UpsertInstallation(ctx context.Context, inst *models.Installation) (bool, error)
	MarkInstallationSuspended(ctx context.Context, installationID int64) error
	AddInstallationRepos(ctx context.Context, installationID int64, repos []models.RepoRef) error
	RemoveInstallationRepos(ctx context.Context, installationID int64, repoIDs []string) error

	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	FindUsersByInstallation(ctx context.Context, installationID int64) ([]*models.User, error)
	LinkUserInstallation(ctx context.Context, userID string, installationID int64) error

	GetPRByRepoNumber(ctx context.Context, repoID string, number int) (*models.PullRequest, error)
	CreatePR(ctx context.Context, pr *models.PullRequest) error
	UpsertPR(ctx context.Context, key repository.PRKey, patch repository.PRPatch) (*models.PullRequest, bool, error)
	UpdatePRStatus(ctx context.Context, repoID string, number int, status string) error
	ResetPRForSummary(ctx context.Context, repoID string, number int) error
}

// FileFetcher fetches a PR's changed files; failures degrade to an empty
// list so the webhook response is never blocked on the platform API.
type FileFetcher interface {
	ListPullRequestFiles(ctx context.Context, installationID int64, repoFullName string, number int) ([]models.FileChange, error)
}

// Enqueuer pushes pipeline jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue, name string, payload interface{}) (*queue.Job, error)
}

// OrgSyncer reconciles org members after an organization installs the app.
type OrgSyncer interface {
	SyncInstallation(ctx context.Context, installationID int64, orgLogin string) (int, error)
}

// Receiver accepts platform webhooks: signature verification, event
// dispatch, idempotent PR upserts, summary-job enqueueing.
type Receiver struct {
	store  Store
	files  FileFetcher
	jobs   Enqueuer
	sync   OrgSyncer
	secret []byte
	log    *slog.Logger
	now    func() time.Time
}

func NewReceiver(store Store, files FileFetcher, jobs Enqueuer, sync OrgSyncer, secret string, log *slog.Logger) *Receiver {
	if log == nil {
		log = slog.Default()
	}
	r := &Receiver{
		store: store,
		files: files,
		jobs:  jobs,
		sync:  sync,
		log:   log,
		now:   time.Now,
	}
	if secret != "" {
		r.secret = []byte(secret)
	}
	return r
}

// ServeHTTP implements POST /webhooks/platform.
func (rc *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	event := r.Header.Get(HeaderEventName)
	deliveryID := r.Header.Get(HeaderDeliveryID)
	log := rc.log.With("event", event, "delivery_id", deliveryID)

	if !rc.verifySignature(body, r.Header.Get(HeaderSignature), log) {
		metrics.WebhookEventsTotal.WithLabelValues(event, "", "unauthorized").Inc()
		http.Error(w, "signature mismatch", http.StatusUnauthorized)
		return
	}

	var env eventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		log.Warn("malformed webhook payload", "err", err)
		metrics.WebhookEventsTotal.WithLabelValues(event, "", "malformed").Inc()
		// Malformed JSON after a valid signature: acknowledge so the
		// platform does not redeliver forever.
		writeOK(w)
		return
	}

	if err := rc.dispatch(r.Context(), event, &env, log); err != nil {
		log.Error("webhook handling failed", "action", env.Action, "err", err)
		metrics.WebhookEventsTotal.WithLabelValues(event, env.Action, "error").Inc()
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	metrics.WebhookEventsTotal.WithLabelValues(event, env.Action, "ok").Inc()
	writeOK(w)
}

// verifySignature compares HMAC-SHA256(secret, body) against the header in
// constant time. A missing secret bypasses verification for local
// development only.
func (rc *Receiver) verifySignature(body []byte, header string, log *slog.Logger) bool {
	if len(rc.secret) == 0 {
		log.Warn("PLATFORM_WEBHOOK_SECRET not set; accepting unsigned webhook (development mode only)")
		return true
	}
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, rc.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func (rc *Receiver) dispatch(ctx context.Context, event string, env *eventEnvelope, log *slog.Logger) error {
	switch event {
	case EventInstallation:
		return rc.handleInstallation(ctx, env, log)
	case EventInstallationRepos:
		return rc.handleInstallationRepos(ctx, env, log)
	case EventPullRequest:
		return rc.handlePullRequest(ctx, env, log)
	case EventPing:
		return nil
	default:
		log.Info("ignoring event without handler")
		return nil
	}
}

func (rc *Receiver) handleInstallation(ctx context.Context, env *eventEnvelope, log *slog.Logger) error {
	if env.Installation == nil {
		return errors.New("installation event without installation object")
	}
	id := env.Installation.ID

	switch env.Action {
	case ActionCreated:
		inst := &models.Installation{
			InstallationID:   id,
			AccountType:      env.Installation.Account.Type,
			AccountLogin:     env.Installation.Account.Login,
			AccountAvatarURL: env.Installation.Account.AvatarURL,
			Repositories:     toRepoRefs(env.Repositories, rc.now()),
		}
		created, err := rc.store.UpsertInstallation(ctx, inst)
		if err != nil {
			return fmt.Errorf("upsert installation %d: %w", id, err)
		}
		log.Info("installation recorded", "installation_id", id,
			"account", inst.AccountLogin, "created", created, "repos", len(inst.Repositories))

		if inst.AccountType == models.AccountTypeOrganization && rc.sync != nil {
			if n, err := rc.sync.SyncInstallation(ctx, id, inst.AccountLogin); err != nil {
				log.Warn("org member sync failed", "installation_id", id, "err", err)
			} else {
				log.Info("org members linked", "installation_id", id, "linked", n)
			}
		}
		if inst.AccountType == models.AccountTypeUser {
			rc.linkByUsername(ctx, inst.AccountLogin, id, log)
		}
		return nil

	case ActionDeleted:
		if err := rc.store.MarkInstallationSuspended(ctx, id); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("suspend installation %d: %w", id, err)
		}
		log.Info("installation suspended", "installation_id", id)
		return nil

	default:
		return nil
	}
}

// linkByUsername attaches a user-account installation to the matching user,
// if one has signed in before.
func (rc *Receiver) linkByUsername(ctx context.Context, login string, installationID int64, log *slog.Logger) {
	u, err := rc.store.GetUserByUsername(ctx, login)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			log.Warn("lookup user for installation link", "username", login, "err", err)
		}
		return
	}
	if err := rc.store.LinkUserInstallation(ctx, u.ID, installationID); err != nil {
		log.Warn("link user installation", "username", login, "err", err)
	}
}

func (rc *Receiver) handleInstallationRepos(ctx context.Context, env *eventEnvelope, log *slog.Logger) error {
	if env.Installation == nil {
		return errors.New("installation_repositories event without installation object")
	}
	id := env.Installation.ID

	switch env.Action {
	case ActionAdded:
		refs := toRepoRefs(env.RepositoriesAdded, rc.now())
		if err := rc.store.AddInstallationRepos(ctx, id, refs); err != nil {
			return fmt.Errorf("add repos to installation %d: %w", id, err)
		}
		log.Info("installation repos added", "installation_id", id, "count", len(refs))
	case ActionRemoved:
		ids := make([]string, 0, len(env.RepositoriesRemoved))
		for _, r := range env.RepositoriesRemoved {
			ids = append(ids, strconv.FormatInt(r.ID, 10))
		}
		if err := rc.store.RemoveInstallationRepos(ctx, id, ids); err != nil {
			return fmt.Errorf("remove repos from installation %d: %w", id, err)
		}
		log.Info("installation repos removed", "installation_id", id, "count", len(ids))
	}
	return nil
}

func (rc *Receiver) handlePullRequest(ctx context.Context, env *eventEnvelope, log *slog.Logger) error {
	if env.Installation == nil || env.PullRequest == nil || env.Repository == nil {
		return errors.New("pull_request event missing installation, repository or pull_request")
	}
	instID := env.Installation.ID
	repoID := strconv.FormatInt(env.Repository.ID, 10)
	pr := env.PullRequest

	switch env.Action {
	case ActionOpened:
		return rc.handleOpened(ctx, instID, repoID, env.Repository.FullName, pr, log)

	case ActionSynchronize, ActionEdited:
		files := rc.fetchFiles(ctx, instID, env.Repository.FullName, pr.Number, log)
		stored, created, err := rc.store.UpsertPR(ctx,
			repository.PRKey{InstallationID: instID, RepoID: repoID, Number: pr.Number},
			repository.PRPatch{
				RepoFullName: env.Repository.FullName,
				Title:        pr.Title,
				Author:       pr.User.Login,
				BranchFrom:   pr.Head.Ref,
				BranchTo:     pr.Base.Ref,
				Status:       pr.State,
				FilesChanged: files,
			})
		if err != nil {
			return fmt.Errorf("upsert pr %s#%d: %w", repoID, pr.Number, err)
		}
		if created || stored.SummaryStatus == models.SummaryPending {
			rc.enqueueSummary(ctx, stored, env.Repository.FullName, log)
		}
		return nil

	case ActionClosed:
		status := models.PRStatusClosed
		if pr.Merged {
			status = models.PRStatusMerged
		}
		if err := rc.store.UpdatePRStatus(ctx, repoID, pr.Number, status); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("close pr %s#%d: %w", repoID, pr.Number, err)
		}
		return nil

	case ActionReopened:
		err := rc.store.ResetPRForSummary(ctx, repoID, pr.Number)
		if errors.Is(err, repository.ErrNotFound) {
			// Never saw this PR; treat the reopen as an open.
			return rc.handleOpened(ctx, instID, repoID, env.Repository.FullName, pr, log)
		}
		if err != nil {
			return fmt.Errorf("reopen pr %s#%d: %w", repoID, pr.Number, err)
		}
		stored, err := rc.store.GetPRByRepoNumber(ctx, repoID, pr.Number)
		if err != nil {
			return fmt.Errorf("load reopened pr %s#%d: %w", repoID, pr.Number, err)
		}
		rc.enqueueSummary(ctx, stored, env.Repository.FullName, log)
		return nil

	default:
		return nil
	}
}

// handleOpened creates the PR once; redeliveries of the same opened event
// are acknowledged without side effects.
func (rc *Receiver) handleOpened(ctx context.Context, instID int64, repoID, repoFullName string, pr *wirePullRequest, log *slog.Logger) error {
	if existing, err := rc.store.GetPRByRepoNumber(ctx, repoID, pr.Number); err == nil && existing != nil {
		log.Info("pull request already known, acknowledging redelivery",
			"repo_id", repoID, "number", pr.Number)
		return nil
	} else if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("check pr %s#%d: %w", repoID, pr.Number, err)
	}

	files := rc.fetchFiles(ctx, instID, repoFullName, pr.Number, log)

	record := &models.PullRequest{
		InstallationID: instID,
		RepoID:         repoID,
		Number:         pr.Number,
		RepoFullName:   repoFullName,
		Title:          pr.Title,
		Author:         pr.User.Login,
		BranchFrom:     pr.Head.Ref,
		BranchTo:       pr.Base.Ref,
		Status:         models.PRStatusOpen,
		FilesChanged:   files,
		SummaryStatus:  models.SummaryPending,
	}
	if userID := rc.attributeUser(ctx, instID, pr.User.Login, log); userID != "" {
		record.UserID = &userID
	}

	if err := rc.store.CreatePR(ctx, record); err != nil {
		return fmt.Errorf("create pr %s#%d: %w", repoID, pr.Number, err)
	}
	log.Info("pull request created",
		"pull_request_id", record.ID, "repo", repoFullName, "number", pr.Number)

	rc.enqueueSummary(ctx, record, repoFullName, log)
	return nil
}

// attributeUser picks the owning user: a sole linked installation member, or
// the author by username.
func (rc *Receiver) attributeUser(ctx context.Context, instID int64, author string, log *slog.Logger) string {
	members, err := rc.store.FindUsersByInstallation(ctx, instID)
	if err != nil {
		log.Warn("list installation members", "installation_id", instID, "err", err)
	} else if len(members) == 1 {
		return members[0].ID
	}
	u, err := rc.store.GetUserByUsername(ctx, author)
	if err != nil {
		return ""
	}
	return u.ID
}

// fetchFiles is best-effort: the webhook must answer inside the platform's
// delivery window even when the file listing is slow or failing.
func (rc *Receiver) fetchFiles(ctx context.Context, instID int64, repoFullName string, number int, log *slog.Logger) models.FileChanges {
	if rc.files == nil {
		return nil
	}
	files, err := rc.files.ListPullRequestFiles(ctx, instID, repoFullName, number)
	if err != nil {
		log.Warn("file fetch failed, continuing without files",
			"repo", repoFullName, "number", number, "err", err)
		return nil
	}
	return files
}

func (rc *Receiver) enqueueSummary(ctx context.Context, pr *models.PullRequest, repoFullName string, log *slog.Logger) {
	payload := models.SummaryJobPayload{
		PullRequestID:  pr.ID,
		InstallationID: pr.InstallationID,
		RepoFullName:   repoFullName,
		Number:         pr.Number,
	}
	if _, err := rc.jobs.Enqueue(ctx, models.QueuePRSummary, models.JobNameGenerate, payload); err != nil {
		log.Error("enqueue summary job", "pull_request_id", pr.ID, "err", err)
		return
	}
	log.Info("summary job enqueued", "pull_request_id", pr.ID)
}

func toRepoRefs(repos []wireRepo, at time.Time) models.RepoRefs {
	refs := make(models.RepoRefs, 0, len(repos))
	for _, r := range repos {
		refs = append(refs, models.RepoRef{
			RepoID:       strconv.FormatInt(r.ID, 10),
			RepoFullName: r.FullName,
			Private:      r.Private,
			InstalledAt:  at.UTC(),
		})
	}
	return refs
}
