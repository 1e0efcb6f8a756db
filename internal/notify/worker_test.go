package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prsentry/prsentry-backend/internal/models"
	"github.com/prsentry/prsentry-backend/internal/queue"
	"github.com/prsentry/prsentry-backend/internal/repository"
)

type fakeStore struct {
	pr    *models.PullRequest
	tsSet string
}

func (s *fakeStore) GetPR(_ context.Context, id string) (*models.PullRequest, error) {
	if s.pr == nil || s.pr.ID != id {
		return nil, repository.ErrNotFound
	}
	return s.pr, nil
}

func (s *fakeStore) SetChatMessageTS(_ context.Context, id, ts string) (bool, error) {
	if s.pr != nil && s.pr.ChatMessageTS != nil {
		return false, nil
	}
	s.tsSet = ts
	return true, nil
}

func samplePayload() models.ChatNotificationPayload {
	return models.ChatNotificationPayload{
		PullRequestID: "pr-1",
		RepoFullName:  "acme/widgets",
		Number:        7,
		Title:         "Rotate signing keys",
		Author:        "alice",
		TLDR:          "Rotates the webhook signing keys.",
		RiskScore:     75,
		MainRiskFlags: []string{"secrets-suspected", "auth-change"},
		SystemLabels:  []string{"backend", "security"},
		HTMLURL:       "https://example.com/acme/widgets/pull/7",
		DashboardURL:  "https://app.example.com/prs/pr-1",
	}
}

func notifyJob(t *testing.T, p models.ChatNotificationPayload) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return &queue.Job{ID: "job-1", Queue: models.QueuePRNotifyChat, Name: models.JobNamePRNotification, Payload: raw}
}

func TestHandle_DeliversAndRecordsTS(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		gotBody, _ = io.ReadAll(r.Body)
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	store := &fakeStore{pr: &models.PullRequest{ID: "pr-1"}}
	w := NewWorker(store, Config{Enabled: true, WebhookURL: srv.URL}, nil)

	require.NoError(t, w.Handle(context.Background(), notifyJob(t, samplePayload())))
	assert.NotEmpty(t, store.tsSet)

	var msg slack.WebhookMessage
	require.NoError(t, json.Unmarshal(gotBody, &msg))
	assert.Equal(t, "PR #7: Rotate signing keys", msg.Text)
	body := string(gotBody)
	assert.Contains(t, body, "PR #7 · Rotate signing keys")
	assert.Contains(t, body, "secrets-suspected, auth-change")
	assert.Contains(t, body, "View on GitHub")
	assert.Contains(t, body, "Open in Dashboard")
}

func TestHandle_SkipsWhenAlreadyDelivered(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	ts := "1724500000000000000"
	store := &fakeStore{pr: &models.PullRequest{ID: "pr-1", ChatMessageTS: &ts}}
	w := NewWorker(store, Config{Enabled: true, WebhookURL: srv.URL}, nil)

	require.NoError(t, w.Handle(context.Background(), notifyJob(t, samplePayload())))
	assert.False(t, called, "duplicate notification must not hit the provider")
}

func TestHandle_DisabledAcknowledges(t *testing.T) {
	store := &fakeStore{pr: &models.PullRequest{ID: "pr-1"}}
	w := NewWorker(store, Config{Enabled: false}, nil)

	require.NoError(t, w.Handle(context.Background(), notifyJob(t, samplePayload())))
	assert.Empty(t, store.tsSet)
}

func TestHandle_ProviderFailureDoesNotThrow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "no_service")
	}))
	defer srv.Close()

	store := &fakeStore{pr: &models.PullRequest{ID: "pr-1"}}
	w := NewWorker(store, Config{Enabled: true, WebhookURL: srv.URL}, nil)

	require.NoError(t, w.Handle(context.Background(), notifyJob(t, samplePayload())))
	assert.Empty(t, store.tsSet, "failed delivery must not set the idempotency marker")
}

func TestHandle_NetworkFailureDoesNotThrow(t *testing.T) {
	store := &fakeStore{pr: &models.PullRequest{ID: "pr-1"}}
	w := NewWorker(store, Config{Enabled: true, WebhookURL: "http://127.0.0.1:1"}, nil)

	require.NoError(t, w.Handle(context.Background(), notifyJob(t, samplePayload())))
	assert.Empty(t, store.tsSet)
}

func TestBuildMessage_RiskEmojiThresholds(t *testing.T) {
	cases := []struct {
		score int
		emoji string
	}{
		{85, "\U0001F534"},
		{70, "\U0001F534"},
		{55, "\U0001F7E1"},
		{40, "\U0001F7E1"},
		{10, "\U0001F7E2"},
	}
	for _, tc := range cases {
		p := samplePayload()
		p.RiskScore = tc.score
		raw, err := json.Marshal(buildMessage(p))
		require.NoError(t, err)
		assert.Contains(t, string(raw), tc.emoji, "score %d", tc.score)
	}
}

func TestBuildMessage_EmptyFlagsAndNoDashboard(t *testing.T) {
	p := samplePayload()
	p.MainRiskFlags = nil
	p.TLDR = ""
	p.DashboardURL = ""

	raw, err := json.Marshal(buildMessage(p))
	require.NoError(t, err)
	body := string(raw)
	assert.Contains(t, body, "*Risk Flags:* none")
	assert.Contains(t, body, "No summary available")
	assert.NotContains(t, body, "Open in Dashboard")
}

func TestBuildMessage_TruncatesLongHeader(t *testing.T) {
	p := samplePayload()
	p.Title = strings.Repeat("a", 300)

	msg := buildMessage(p)
	header := msg.Blocks.BlockSet[0].(*slack.HeaderBlock)
	assert.LessOrEqual(t, len(header.Text.Text), maxHeaderLen+2) // ellipsis is multi-byte
}

func TestBuildMessage_TruncationKeepsRunesWhole(t *testing.T) {
	p := samplePayload()
	// The leading "a" phases the two-byte runes so the 149-byte cut
	// lands mid-rune; a byte-boundary slice would emit invalid UTF-8.
	p.Title = "a" + strings.Repeat("é", 200)

	msg := buildMessage(p)
	header := msg.Blocks.BlockSet[0].(*slack.HeaderBlock)
	assert.True(t, utf8.ValidString(header.Text.Text))
	assert.True(t, strings.HasSuffix(header.Text.Text, "…"))
	assert.LessOrEqual(t, len(header.Text.Text), maxHeaderLen+2)
}
