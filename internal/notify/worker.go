package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/slack-go/slack"

	"github.com/prsentry/prsentry-backend/internal/models"
	"github.com/prsentry/prsentry-backend/internal/pkg/metrics"
	"github.com/prsentry/prsentry-backend/internal/queue"
)

const (
	deliveryTimeout = 10 * time.Second
	// Slack caps header text at 150 chars.
	maxHeaderLen = 150
)

// Store is the slice of the repository the worker touches.
type Store interface {
	GetPR(ctx context.Context, id string) (*models.PullRequest, error)
	SetChatMessageTS(ctx context.Context, id string, ts string) (bool, error)
}

// Config controls the chat sink.
type Config struct {
	Enabled    bool
	WebhookURL string
}

// Worker consumes pr-notify-chat jobs and posts Block Kit messages to the
// configured incoming webhook. Delivery is best-effort: every outcome logs
// and acknowledges; the queue's retry machinery is reserved for the summary
// path.
type Worker struct {
	store      Store
	cfg        Config
	httpClient *http.Client
	log        *slog.Logger
	now        func() time.Time
}

func NewWorker(store Store, cfg Config, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		store:      store,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: deliveryTimeout},
		log:        log,
		now:        time.Now,
	}
}

// Handle posts one notification. It never returns an error.
func (w *Worker) Handle(ctx context.Context, job *queue.Job) error {
	var p models.ChatNotificationPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		w.log.Error("invalid pr-notify-chat payload", "job_id", job.ID, "err", err)
		metrics.ChatNotificationsTotal.WithLabelValues("error").Inc()
		return nil
	}
	log := w.log.With("pull_request_id", p.PullRequestID, "repo", p.RepoFullName, "number", p.Number)

	if !w.cfg.Enabled || w.cfg.WebhookURL == "" {
		log.Info("chat disabled, dropping notification")
		metrics.ChatNotificationsTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	// A previously delivered message leaves its mark on the PR; duplicate
	// jobs for the same summary transition are skipped.
	if pr, err := w.store.GetPR(ctx, p.PullRequestID); err == nil && pr.ChatMessageTS != nil {
		log.Info("chat message already delivered, skipping", "chat_message_ts", *pr.ChatMessageTS)
		metrics.ChatNotificationsTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	msg := buildMessage(p)
	body, err := json.Marshal(msg)
	if err != nil {
		log.Error("encode chat message", "err", err)
		metrics.ChatNotificationsTotal.WithLabelValues("error").Inc()
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		log.Error("build chat request", "err", err)
		metrics.ChatNotificationsTotal.WithLabelValues("error").Inc()
		return nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		log.Error("chat delivery failed", "err", err)
		metrics.ChatNotificationsTotal.WithLabelValues("error").Inc()
		return nil
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode != http.StatusOK && strings.TrimSpace(string(respBody)) != "ok" {
		log.Error("chat provider rejected message",
			"status", resp.StatusCode, "body", string(respBody))
		metrics.ChatNotificationsTotal.WithLabelValues("error").Inc()
		return nil
	}

	// Incoming webhooks answer a bare "ok"; synthesize the idempotency
	// marker from the delivery time.
	ts := strconv.FormatInt(w.now().UnixNano(), 10)
	wrote, err := w.store.SetChatMessageTS(ctx, p.PullRequestID, ts)
	if err != nil {
		log.Error("record chat message ts", "err", err)
	} else if !wrote {
		log.Info("chat message ts already set by a concurrent delivery")
	}
	metrics.ChatNotificationsTotal.WithLabelValues("ok").Inc()
	log.Info("chat notification delivered", "risk_score", p.RiskScore)
	return nil
}

func riskEmoji(score int) string {
	switch {
	case score >= 70:
		return "\U0001F534" // red circle
	case score >= 40:
		return "\U0001F7E1" // yellow circle
	default:
		return "\U0001F7E2" // green circle
	}
}

func csvOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}

// buildMessage renders the Block Kit payload for one pull request.
func buildMessage(p models.ChatNotificationPayload) slack.WebhookMessage {
	header := fmt.Sprintf("PR #%d · %s", p.Number, p.Title)
	if len(header) > maxHeaderLen {
		// Back off to a rune boundary so the cut never leaves mojibake.
		cut := maxHeaderLen - 1
		for cut > 0 && !utf8.RuneStart(header[cut]) {
			cut--
		}
		header = header[:cut] + "…"
	}

	tldr := p.TLDR
	if tldr == "" {
		tldr = "_No summary available._"
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, header, false, false)),
		slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType,
				fmt.Sprintf("%s • by %s", p.RepoFullName, p.Author), false, false)),
		slack.NewDividerBlock(),
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType,
				fmt.Sprintf("*Risk Score:* %s %d/100\n*Risk Flags:* %s",
					riskEmoji(p.RiskScore), p.RiskScore, csvOrNone(p.MainRiskFlags)),
				false, false),
			nil, nil),
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, "*TL;DR:* "+tldr, false, false),
			nil, nil),
	}

	if len(p.SystemLabels) > 0 {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType,
				"Labels: "+strings.Join(p.SystemLabels, ", "), false, false)))
	}

	viewBtn := slack.NewButtonBlockElement("view_pr", p.PullRequestID,
		slack.NewTextBlockObject(slack.PlainTextType, "View on GitHub", false, false))
	viewBtn.URL = p.HTMLURL
	buttons := []slack.BlockElement{viewBtn}
	if p.DashboardURL != "" {
		dashBtn := slack.NewButtonBlockElement("open_dashboard", p.PullRequestID,
			slack.NewTextBlockObject(slack.PlainTextType, "Open in Dashboard", false, false))
		dashBtn.URL = p.DashboardURL
		buttons = append(buttons, dashBtn)
	}
	blocks = append(blocks, slack.NewActionBlock("pr_actions", buttons...))

	return slack.WebhookMessage{
		Text:   fmt.Sprintf("PR #%d: %s", p.Number, p.Title),
		Blocks: &slack.Blocks{BlockSet: blocks},
	}
}
