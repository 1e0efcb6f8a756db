package summary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prsentry/prsentry-backend/internal/analyzer"
	"github.com/prsentry/prsentry-backend/internal/genmodel"
	"github.com/prsentry/prsentry-backend/internal/models"
	"github.com/prsentry/prsentry-backend/internal/platform"
	"github.com/prsentry/prsentry-backend/internal/queue"
	"github.com/prsentry/prsentry-backend/internal/repository"
)

// Fetch at most this many changed files per PR.
const maxFetchFiles = 100

// PlatformClient is the slice of the installation client the worker uses.
type PlatformClient interface {
	GetPullRequest(ctx context.Context, repoFullName string, number int) (*platform.PullRequestInfo, error)
	ListPullRequestFiles(ctx context.Context, repoFullName string, number, max int) ([]models.FileChange, error)
}

// ClientFactory yields an installation-scoped platform client.
type ClientFactory func(installationID int64) PlatformClient

// ModelClient produces the generative summary.
type ModelClient interface {
	Generate(ctx context.Context, in genmodel.Input) (*genmodel.Output, error)
}

// Enqueuer pushes downstream jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue, name string, payload interface{}) (*queue.Job, error)
}

// Store is the slice of the repository the worker touches.
type Store interface {
	GetPR(ctx context.Context, id string) (*models.PullRequest, error)
	SaveAnalysis(ctx context.Context, id string, labels, flags []string, score int, stats models.DiffStats) error
	SaveSummarySuccess(ctx context.Context, id string, summary *models.SummaryDoc, at time.Time) error
	SaveSummaryFailure(ctx context.Context, id string, message string) error
}

// Config tunes notification policy and link building.
type Config struct {
	ChatEnabled      bool
	RiskThreshold    int
	DashboardBaseURL string
}

// Worker consumes pr-summary jobs: fetch PR state from the platform, run the
// deterministic analyzer, call the generative model, persist the outcome,
// and decide whether chat should hear about it.
type Worker struct {
	store   Store
	clients ClientFactory
	model   ModelClient
	jobs    Enqueuer
	cfg     Config
	log     *slog.Logger
	now     func() time.Time
}

func NewWorker(store Store, clients ClientFactory, model ModelClient, jobs Enqueuer, cfg Config, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		store:   store,
		clients: clients,
		model:   model,
		jobs:    jobs,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
}

// Handle processes one pr-summary job.
func (w *Worker) Handle(ctx context.Context, job *queue.Job) error {
	var p models.SummaryJobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return queue.NonRetryable(fmt.Errorf("invalid pr-summary payload: %w", err))
	}
	log := w.log.With("pull_request_id", p.PullRequestID, "repo", p.RepoFullName, "number", p.Number)

	pr, err := w.store.GetPR(ctx, p.PullRequestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn("pull request no longer exists, dropping job")
		}
		// The row is gone or unreadable; a retry changes nothing the job
		// can act on.
		return queue.NonRetryable(fmt.Errorf("load pull request: %w", err))
	}

	wasReady := pr.SummaryStatus == models.SummaryReady
	if wasReady && pr.Summary != nil && job.Name != models.JobNameRegenerate {
		log.Info("summary already ready, skipping duplicate job")
		return nil
	}

	client := w.clients(p.InstallationID)
	var (
		meta  *platform.PullRequestInfo
		files []models.FileChange
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m, err := client.GetPullRequest(gctx, p.RepoFullName, p.Number)
		if err != nil {
			return fmt.Errorf("fetch pull request metadata: %w", err)
		}
		meta = m
		return nil
	})
	g.Go(func() error {
		f, err := client.ListPullRequestFiles(gctx, p.RepoFullName, p.Number, maxFetchFiles)
		if err != nil {
			return fmt.Errorf("fetch changed files: %w", err)
		}
		files = f
		return nil
	})
	if err := g.Wait(); err != nil {
		if platform.IsTemporary(err) {
			return err
		}
		// Credential denial or a permanent upstream 4xx: surface it on the
		// PR and stop retrying.
		if saveErr := w.store.SaveSummaryFailure(ctx, pr.ID, err.Error()); saveErr != nil {
			log.Error("record upstream failure", "err", saveErr)
		}
		return queue.NonRetryable(err)
	}

	res := analyzer.Analyze(files)
	if err := w.store.SaveAnalysis(ctx, pr.ID, res.SystemLabels, res.RiskFlags, res.RiskScore, res.DiffStats); err != nil {
		return fmt.Errorf("persist analysis: %w", err)
	}
	log.Info("analysis computed",
		"labels", res.SystemLabels, "flags", res.RiskFlags,
		"risk_score", res.RiskScore,
		"additions", res.DiffStats.TotalAdditions,
		"deletions", res.DiffStats.TotalDeletions,
		"files", res.DiffStats.ChangedFilesCount)

	out, modelErr := w.model.Generate(ctx, genmodel.Input{
		RepoFullName: p.RepoFullName,
		Number:       p.Number,
		Title:        meta.Title,
		Author:       meta.Author,
		BranchFrom:   meta.BranchFrom,
		BranchTo:     meta.BranchTo,
		Files:        files,
		Analysis:     res,
	})
	if modelErr != nil {
		log.Error("model call failed", "err", modelErr)
		if err := w.store.SaveSummaryFailure(ctx, pr.ID, modelErr.Error()); err != nil {
			return fmt.Errorf("persist summary failure: %w", err)
		}
	} else {
		now := w.now().UTC()
		doc := &models.SummaryDoc{
			TLDR:      out.TLDR,
			Risks:     out.Risks,
			Labels:    out.Labels,
			CreatedAt: now,
		}
		if err := w.store.SaveSummarySuccess(ctx, pr.ID, doc, now); err != nil {
			return fmt.Errorf("persist summary: %w", err)
		}
		log.Info("summary ready", "tldr_len", len(out.TLDR), "risks", len(out.Risks))
	}

	// Reload before deciding on notification so concurrent writers (a
	// synchronize-triggered re-analysis, a racing summary job) are observed.
	fresh, err := w.store.GetPR(ctx, pr.ID)
	if err != nil {
		log.Error("reload after summary write", "err", err)
		return nil
	}

	becameReadyNow := !wasReady && fresh.SummaryStatus == models.SummaryReady
	highRisk := fresh.RiskScore >= w.cfg.RiskThreshold
	secrets := fresh.RiskFlags.Contains(analyzer.FlagSecretsSuspected)
	if !w.cfg.ChatEnabled || !(becameReadyNow || highRisk || secrets) {
		return nil
	}

	payload := models.ChatNotificationPayload{
		PullRequestID: fresh.ID,
		RepoFullName:  fresh.RepoFullName,
		Number:        fresh.Number,
		Title:         fresh.Title,
		Author:        fresh.Author,
		RiskScore:     fresh.RiskScore,
		MainRiskFlags: fresh.RiskFlags,
		SystemLabels:  fresh.SystemLabels,
		HTMLURL:       meta.HTMLURL,
	}
	if fresh.Summary != nil {
		payload.TLDR = fresh.Summary.TLDR
	}
	if w.cfg.DashboardBaseURL != "" {
		payload.DashboardURL = fmt.Sprintf("%s/prs/%s", w.cfg.DashboardBaseURL, fresh.ID)
	}
	if _, err := w.jobs.Enqueue(ctx, models.QueuePRNotifyChat, models.JobNamePRNotification, payload); err != nil {
		// Delivery is best-effort; the summary itself succeeded.
		log.Error("enqueue chat notification", "err", err)
	} else {
		log.Info("chat notification enqueued",
			"became_ready", becameReadyNow, "high_risk", highRisk, "secrets", secrets)
	}
	return nil
}
