package repository

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prsentry/prsentry-backend/internal/models"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStoreFromDB(sqlx.NewDb(db, "postgres")), mock
}

func prRow(created bool) *sqlmock.Rows {
	cols := []string{
		"id", "installation_id", "repo_id", "number", "user_id",
		"repo_full_name", "title", "author", "branch_from", "branch_to", "status",
		"files_changed", "summary", "summary_status", "summary_error", "last_summarized_at",
		"system_labels", "risk_flags", "risk_score",
		"total_additions", "total_deletions", "changed_files_count",
		"chat_message_ts", "created_at", "updated_at", "created",
	}
	now := time.Now()
	return sqlmock.NewRows(cols).AddRow(
		"pr-1", int64(99), "12345", 7, nil,
		"acme/widgets", "Fix header parsing", "alice", "fix/header", "main", "open",
		[]byte(`[{"filename":"src/parser.ts","additions":10,"deletions":2}]`),
		nil, "pending", nil, nil,
		[]byte(`[]`), []byte(`[]`), 0,
		0, 0, 0,
		nil, now, now, created,
	)
}

func TestUpsertPR_CreatedFlag(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO pull_requests")).
		WillReturnRows(prRow(true))

	pr, created, err := store.UpsertPR(context.Background(), PRKey{
		InstallationID: 99, RepoID: "12345", Number: 7,
	}, PRPatch{
		RepoFullName: "acme/widgets",
		Title:        "Fix header parsing",
		Author:       "alice",
		BranchFrom:   "fix/header",
		BranchTo:     "main",
		Status:       models.PRStatusOpen,
		FilesChanged: models.FileChanges{{Filename: "src/parser.ts", Additions: 10, Deletions: 2}},
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "pr-1", pr.ID)
	assert.Equal(t, models.SummaryPending, pr.SummaryStatus)
	assert.Nil(t, pr.Summary)
	assert.Len(t, pr.FilesChanged, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertPR_ExistingRow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO pull_requests")).
		WillReturnRows(prRow(false))

	_, created, err := store.UpsertPR(context.Background(), PRKey{
		InstallationID: 99, RepoID: "12345", Number: 7,
	}, PRPatch{Status: models.PRStatusOpen})
	require.NoError(t, err)
	assert.False(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetChatMessageTS_OnlyWritesWhenNull(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("chat_message_ts IS NULL")).
		WithArgs("1712345678.000100", "pr-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	set, err := store.SetChatMessageTS(context.Background(), "pr-1", "1712345678.000100")
	require.NoError(t, err)
	assert.True(t, set)

	// Second delivery: column already set, no row matches.
	mock.ExpectExec(regexp.QuoteMeta("chat_message_ts IS NULL")).
		WithArgs("1712345678.000200", "pr-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	set, err = store.SetChatMessageTS(context.Background(), "pr-1", "1712345678.000200")
	require.NoError(t, err)
	assert.False(t, set)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveSummaryFailure_TruncatesMessage(t *testing.T) {
	store, mock := newMockStore(t)

	long := strings.Repeat("x", 900)
	mock.ExpectExec(regexp.QuoteMeta("summary_status = 'error'")).
		WithArgs(long[:500], "pr-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.SaveSummaryFailure(context.Background(), "pr-1", long))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveSummaryFailure_TruncatesOnRuneBoundary(t *testing.T) {
	store, mock := newMockStore(t)

	// 499 ASCII bytes followed by a two-byte rune straddling the cap; the
	// cut must back off to byte 499 instead of sending half a rune.
	long := strings.Repeat("x", 499) + "é" + strings.Repeat("y", 100)
	want := strings.Repeat("x", 499)
	require.True(t, utf8.ValidString(want))

	mock.ExpectExec(regexp.QuoteMeta("summary_status = 'error'")).
		WithArgs(want, "pr-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.SaveSummaryFailure(context.Background(), "pr-1", long))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTruncateUTF8(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"short ascii", "boom", 500, "boom"},
		{"exact fit", "abcd", 4, "abcd"},
		{"ascii cut", "abcdef", 4, "abcd"},
		{"two-byte rune straddles cut", "abcé", 4, "abc"},
		{"four-byte rune straddles cut", "ab\U0001F534cd", 4, "ab"},
		{"cut lands after rune", "aéb", 3, "aé"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncateUTF8(tt.in, tt.max)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
			assert.LessOrEqual(t, len(got), tt.max)
		})
	}
}

func TestSaveSummaryFailure_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("summary_status = 'error'")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.SaveSummaryFailure(context.Background(), "missing", "boom")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkInstallationSuspended_UnlinksUsers(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE installations SET suspended_at")).
		WithArgs(int64(99)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM user_installations")).
		WithArgs(int64(99)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	require.NoError(t, store.MarkInstallationSuspended(context.Background(), 99))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindPRsByUser_NoInstallations(t *testing.T) {
	store, _ := newMockStore(t)

	prs, total, err := store.FindPRsByUser(context.Background(),
		&models.User{ID: "u1"}, PRFilter{}, Page{Limit: 20})
	require.NoError(t, err)
	assert.Empty(t, prs)
	assert.Zero(t, total)
}
