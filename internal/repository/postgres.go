package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/prsentry/prsentry-backend/internal/models"
)

// PostgresStore implements Store on PostgreSQL via sqlx.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore connects to PostgreSQL and configures the pool.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing connection (tests).
func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Ping verifies the store is reachable (health endpoint).
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ApplyMigrations applies embedded *.sql files in filename order, recording
// applied versions in schema_migrations.
func (s *PostgresStore) ApplyMigrations(ctx context.Context, fsys fs.FS) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var applied bool
		if err := s.db.GetContext(ctx, &applied,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, name); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if applied {
			continue
		}
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}
	return nil
}

// InstallationRepository implementation

func (s *PostgresStore) UpsertInstallation(ctx context.Context, inst *models.Installation) (bool, error) {
	query := `
		INSERT INTO installations (installation_id, account_type, account_login, account_avatar_url, repositories, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (installation_id) DO UPDATE SET
			account_type = EXCLUDED.account_type,
			account_login = EXCLUDED.account_login,
			account_avatar_url = EXCLUDED.account_avatar_url,
			updated_at = now()
		RETURNING (xmax = 0) AS created
	`
	var created bool
	err := s.db.GetContext(ctx, &created, query,
		inst.InstallationID,
		inst.AccountType,
		inst.AccountLogin,
		inst.AccountAvatarURL,
		inst.Repositories,
	)
	if err != nil {
		return false, fmt.Errorf("upsert installation %d: %w", inst.InstallationID, err)
	}
	return created, nil
}

func (s *PostgresStore) GetInstallation(ctx context.Context, installationID int64) (*models.Installation, error) {
	var inst models.Installation
	err := s.db.GetContext(ctx, &inst,
		`SELECT * FROM installations WHERE installation_id = $1`, installationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *PostgresStore) ListActiveInstallations(ctx context.Context) ([]*models.Installation, error) {
	var insts []*models.Installation
	err := s.db.SelectContext(ctx, &insts,
		`SELECT * FROM installations WHERE suspended_at IS NULL ORDER BY installation_id`)
	if err != nil {
		return nil, fmt.Errorf("list active installations: %w", err)
	}
	return insts, nil
}

func (s *PostgresStore) AddInstallationRepos(ctx context.Context, installationID int64, repos []models.RepoRef) error {
	inst, err := s.GetInstallation(ctx, installationID)
	if err != nil {
		return err
	}
	merged := inst.Repositories
	for _, r := range repos {
		if !inst.HasRepo(r.RepoID) {
			merged = append(merged, r)
		}
	}
	return s.setInstallationRepos(ctx, installationID, merged)
}

func (s *PostgresStore) RemoveInstallationRepos(ctx context.Context, installationID int64, repoIDs []string) error {
	inst, err := s.GetInstallation(ctx, installationID)
	if err != nil {
		return err
	}
	removed := make(map[string]bool, len(repoIDs))
	for _, id := range repoIDs {
		removed[id] = true
	}
	kept := make(models.RepoRefs, 0, len(inst.Repositories))
	for _, r := range inst.Repositories {
		if !removed[r.RepoID] {
			kept = append(kept, r)
		}
	}
	return s.setInstallationRepos(ctx, installationID, kept)
}

func (s *PostgresStore) setInstallationRepos(ctx context.Context, installationID int64, repos models.RepoRefs) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE installations SET repositories = $1, updated_at = now() WHERE installation_id = $2`,
		repos, installationID)
	if err != nil {
		return fmt.Errorf("set installation repos %d: %w", installationID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkInstallationSuspended(ctx context.Context, installationID int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE installations SET suspended_at = now(), updated_at = now() WHERE installation_id = $1`,
		installationID); err != nil {
		return fmt.Errorf("suspend installation %d: %w", installationID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM user_installations WHERE installation_id = $1`, installationID); err != nil {
		return fmt.Errorf("unlink users from installation %d: %w", installationID, err)
	}
	return tx.Commit()
}

// UserRepository implementation

func (s *PostgresStore) UpsertUserByPlatformID(ctx context.Context, u *models.User) (*models.User, error) {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.Role == "" {
		u.Role = models.RoleViewer
	}
	query := `
		INSERT INTO users (id, platform_id, username, email, avatar_url, role, last_login_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now(), now())
		ON CONFLICT (platform_id) DO UPDATE SET
			username = EXCLUDED.username,
			email = EXCLUDED.email,
			avatar_url = EXCLUDED.avatar_url,
			last_login_at = now(),
			updated_at = now()
		RETURNING id
	`
	var id string
	err := s.db.GetContext(ctx, &id, query,
		u.ID, u.PlatformID, u.Username, u.Email, u.AvatarURL, u.Role)
	if err != nil {
		return nil, fmt.Errorf("upsert user %d: %w", u.PlatformID, err)
	}
	return s.GetUser(ctx, id)
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadUserInstallations(ctx, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var u models.User
	err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE username = $1`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadUserInstallations(ctx, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) loadUserInstallations(ctx context.Context, u *models.User) error {
	ids := []int64{}
	err := s.db.SelectContext(ctx, &ids,
		`SELECT installation_id FROM user_installations WHERE user_id = $1 ORDER BY installation_id`, u.ID)
	if err != nil {
		return fmt.Errorf("load user installations %s: %w", u.ID, err)
	}
	u.InstallationIDs = ids
	return nil
}

func (s *PostgresStore) FindUsersByInstallation(ctx context.Context, installationID int64) ([]*models.User, error) {
	var users []*models.User
	err := s.db.SelectContext(ctx, &users, `
		SELECT u.* FROM users u
		JOIN user_installations ui ON ui.user_id = u.id
		WHERE ui.installation_id = $1
		ORDER BY u.username
	`, installationID)
	if err != nil {
		return nil, fmt.Errorf("find users for installation %d: %w", installationID, err)
	}
	for _, u := range users {
		if err := s.loadUserInstallations(ctx, u); err != nil {
			return nil, err
		}
	}
	return users, nil
}

func (s *PostgresStore) LinkUserInstallation(ctx context.Context, userID string, installationID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_installations (user_id, installation_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, installation_id) DO NOTHING
	`, userID, installationID)
	if err != nil {
		return fmt.Errorf("link user %s to installation %d: %w", userID, installationID, err)
	}
	return nil
}

// PullRequestRepository implementation

// prColumns is the canonical select list; keep in sync with scanPR.
const prColumns = `id, installation_id, repo_id, number, user_id,
	repo_full_name, title, author, branch_from, branch_to, status,
	files_changed, summary, summary_status, summary_error, last_summarized_at,
	system_labels, risk_flags, risk_score,
	total_additions, total_deletions, changed_files_count,
	chat_message_ts, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanPR reads one prColumns row; when created is non-nil, the row is
// expected to carry a trailing created flag (upsert RETURNING).
func scanPR(row rowScanner, created *bool) (*models.PullRequest, error) {
	var (
		pr          models.PullRequest
		userID      sql.NullString
		summaryRaw  []byte
		summaryErr  sql.NullString
		lastSummary sql.NullTime
		chatTS      sql.NullString
	)
	dest := []interface{}{
		&pr.ID, &pr.InstallationID, &pr.RepoID, &pr.Number, &userID,
		&pr.RepoFullName, &pr.Title, &pr.Author, &pr.BranchFrom, &pr.BranchTo, &pr.Status,
		&pr.FilesChanged, &summaryRaw, &pr.SummaryStatus, &summaryErr, &lastSummary,
		&pr.SystemLabels, &pr.RiskFlags, &pr.RiskScore,
		&pr.DiffStats.TotalAdditions, &pr.DiffStats.TotalDeletions, &pr.DiffStats.ChangedFilesCount,
		&chatTS, &pr.CreatedAt, &pr.UpdatedAt,
	}
	if created != nil {
		dest = append(dest, created)
	}
	err := row.Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if userID.Valid {
		pr.UserID = &userID.String
	}
	if len(summaryRaw) > 0 {
		var doc models.SummaryDoc
		if err := json.Unmarshal(summaryRaw, &doc); err != nil {
			return nil, fmt.Errorf("decode summary for pr %s: %w", pr.ID, err)
		}
		pr.Summary = &doc
	}
	if summaryErr.Valid {
		pr.SummaryError = &summaryErr.String
	}
	if lastSummary.Valid {
		t := lastSummary.Time
		pr.LastSummarizedAt = &t
	}
	if chatTS.Valid {
		pr.ChatMessageTS = &chatTS.String
	}
	return &pr, nil
}

func (s *PostgresStore) UpsertPR(ctx context.Context, key PRKey, patch PRPatch) (*models.PullRequest, bool, error) {
	query := `
		INSERT INTO pull_requests (
			id, installation_id, repo_id, number,
			repo_full_name, title, author, branch_from, branch_to, status,
			files_changed, summary_status, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'pending', now(), now())
		ON CONFLICT (repo_id, number) DO UPDATE SET
			title = EXCLUDED.title,
			author = EXCLUDED.author,
			branch_from = EXCLUDED.branch_from,
			branch_to = EXCLUDED.branch_to,
			status = EXCLUDED.status,
			files_changed = EXCLUDED.files_changed,
			updated_at = now()
		RETURNING ` + prColumns + `, (xmax = 0) AS created
	`
	row := s.db.QueryRowContext(ctx, query,
		uuid.New().String(), key.InstallationID, key.RepoID, key.Number,
		patch.RepoFullName, patch.Title, patch.Author, patch.BranchFrom, patch.BranchTo, patch.Status,
		patch.FilesChanged.StripPatches(),
	)
	var created bool
	pr, err := scanPR(row, &created)
	if err != nil {
		return nil, false, fmt.Errorf("upsert pr %s#%d: %w", key.RepoID, key.Number, err)
	}
	return pr, created, nil
}

func (s *PostgresStore) CreatePR(ctx context.Context, pr *models.PullRequest) error {
	if pr.ID == "" {
		pr.ID = uuid.New().String()
	}
	if pr.Status == "" {
		pr.Status = models.PRStatusOpen
	}
	if pr.SummaryStatus == "" {
		pr.SummaryStatus = models.SummaryPending
	}
	query := `
		INSERT INTO pull_requests (
			id, installation_id, repo_id, number, user_id,
			repo_full_name, title, author, branch_from, branch_to, status,
			files_changed, summary_status, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now(), now())
	`
	_, err := s.db.ExecContext(ctx, query,
		pr.ID, pr.InstallationID, pr.RepoID, pr.Number, pr.UserID,
		pr.RepoFullName, pr.Title, pr.Author, pr.BranchFrom, pr.BranchTo, pr.Status,
		pr.FilesChanged.StripPatches(), pr.SummaryStatus,
	)
	if err != nil {
		return fmt.Errorf("create pr %s#%d: %w", pr.RepoID, pr.Number, err)
	}
	return nil
}

func (s *PostgresStore) GetPR(ctx context.Context, id string) (*models.PullRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+prColumns+` FROM pull_requests WHERE id = $1`, id)
	return scanPR(row, nil)
}

func (s *PostgresStore) GetPRByRepoNumber(ctx context.Context, repoID string, number int) (*models.PullRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+prColumns+` FROM pull_requests WHERE repo_id = $1 AND number = $2`, repoID, number)
	return scanPR(row, nil)
}

func (s *PostgresStore) UpdatePRStatus(ctx context.Context, repoID string, number int, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pull_requests SET status = $1, updated_at = now() WHERE repo_id = $2 AND number = $3`,
		status, repoID, number)
	if err != nil {
		return fmt.Errorf("update pr status %s#%d: %w", repoID, number, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ResetPRForSummary(ctx context.Context, repoID string, number int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pull_requests
		SET status = 'open', summary_status = 'pending', summary_error = NULL, updated_at = now()
		WHERE repo_id = $1 AND number = $2
	`, repoID, number)
	if err != nil {
		return fmt.Errorf("reset pr %s#%d: %w", repoID, number, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SaveAnalysis(ctx context.Context, id string, labels, flags []string, score int, stats models.DiffStats) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pull_requests
		SET system_labels = $1, risk_flags = $2, risk_score = $3,
		    total_additions = $4, total_deletions = $5, changed_files_count = $6,
		    updated_at = now()
		WHERE id = $7
	`, models.StringList(labels), models.StringList(flags), score,
		stats.TotalAdditions, stats.TotalDeletions, stats.ChangedFilesCount, id)
	if err != nil {
		return fmt.Errorf("save analysis for pr %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SaveSummarySuccess(ctx context.Context, id string, summary *models.SummaryDoc, at time.Time) error {
	raw, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode summary for pr %s: %w", id, err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE pull_requests
		SET summary = $1, summary_status = 'ready', summary_error = NULL,
		    last_summarized_at = $2, updated_at = now()
		WHERE id = $3
	`, raw, at, id)
	if err != nil {
		return fmt.Errorf("save summary for pr %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// maxSummaryErrorLen bounds summary_error; longer model/provider messages
// are truncated, not rejected.
const maxSummaryErrorLen = 500

// truncateUTF8 cuts s to at most max bytes without splitting a rune.
// Model error strings embed provider response bodies, so non-ASCII is
// expected; a byte-boundary cut would make Postgres reject the write.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func (s *PostgresStore) SaveSummaryFailure(ctx context.Context, id string, message string) error {
	message = truncateUTF8(message, maxSummaryErrorLen)
	res, err := s.db.ExecContext(ctx, `
		UPDATE pull_requests
		SET summary_status = 'error', summary_error = $1, updated_at = now()
		WHERE id = $2
	`, message, id)
	if err != nil {
		return fmt.Errorf("save summary failure for pr %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetChatMessageTS(ctx context.Context, id string, ts string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pull_requests
		SET chat_message_ts = $1, updated_at = now()
		WHERE id = $2 AND chat_message_ts IS NULL
	`, ts, id)
	if err != nil {
		return false, fmt.Errorf("set chat message ts for pr %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) FindPRsByUser(ctx context.Context, user *models.User, f PRFilter, page Page) ([]*models.PullRequest, int, error) {
	if len(user.InstallationIDs) == 0 {
		return []*models.PullRequest{}, 0, nil
	}
	if page.Limit <= 0 || page.Limit > 100 {
		page.Limit = 20
	}

	where := `WHERE installation_id = ANY($1)`
	args := []interface{}{pq.Array(user.InstallationIDs)}
	if f.Status != "" {
		args = append(args, f.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.RepoID != "" {
		args = append(args, f.RepoID)
		where += fmt.Sprintf(" AND repo_id = $%d", len(args))
	}

	var total int
	if err := s.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM pull_requests `+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count prs: %w", err)
	}

	args = append(args, page.Limit, page.Offset)
	query := fmt.Sprintf(`SELECT %s FROM pull_requests %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		prColumns, where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list prs: %w", err)
	}
	defer rows.Close()

	prs := []*models.PullRequest{}
	for rows.Next() {
		pr, err := scanPR(rows, nil)
		if err != nil {
			return nil, 0, err
		}
		prs = append(prs, pr)
	}
	return prs, total, rows.Err()
}

func (s *PostgresStore) CountPRsByInstallationAndRepo(ctx context.Context, installationID int64, repoID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM pull_requests WHERE installation_id = $1 AND repo_id = $2`,
		installationID, repoID)
	if err != nil {
		return 0, fmt.Errorf("count prs for installation %d repo %s: %w", installationID, repoID, err)
	}
	return n, nil
}
