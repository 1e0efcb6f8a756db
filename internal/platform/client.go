package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"github.com/prsentry/prsentry-backend/internal/models"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxGETAttempts     = 3
	perPage            = 100
)

// Broker mints credentials and hands out installation-scoped clients.
type Broker struct {
	app        *AppTokenSource
	tokens     *InstallationTokenSource
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewBroker wires the credential chain: app key -> app JWT -> installation
// tokens -> installation clients.
func NewBroker(appID int64, privateKeyPEM []byte, baseURL string) (*Broker, error) {
	app, err := NewAppTokenSource(appID, privateKeyPEM)
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{Timeout: defaultHTTPTimeout}
	return &Broker{
		app:        app,
		tokens:     NewInstallationTokenSource(app, baseURL, httpClient),
		baseURL:    baseURL,
		httpClient: httpClient,
		// Stay well under the platform's per-installation quota.
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}, nil
}

// InstallationClient returns a client whose requests carry an installation
// token for the given installation.
func (b *Broker) InstallationClient(installationID int64) *Client {
	return &Client{
		broker:         b,
		installationID: installationID,
	}
}

// Client is an installation-scoped view of the platform REST API.
type Client struct {
	broker         *Broker
	installationID int64
}

// PullRequestInfo is the subset of the platform's PR object the pipeline
// consumes.
type PullRequestInfo struct {
	Number     int    `json:"number"`
	Title      string `json:"title"`
	State      string `json:"state"`
	Merged     bool   `json:"merged"`
	HTMLURL    string `json:"html_url"`
	Author     string `json:"-"`
	BranchFrom string `json:"-"`
	BranchTo   string `json:"-"`
}

type wirePullRequest struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	State   string `json:"state"`
	Merged  bool   `json:"merged"`
	HTMLURL string `json:"html_url"`
	User    struct {
		Login string `json:"login"`
	} `json:"user"`
	Head struct {
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

// RepoInfo is one repository accessible to an installation.
type RepoInfo struct {
	ID       int64  `json:"id"`
	FullName string `json:"full_name"`
	Private  bool   `json:"private"`
}

// GetPullRequest fetches PR metadata for owner/name#number.
func (c *Client) GetPullRequest(ctx context.Context, repoFullName string, number int) (*PullRequestInfo, error) {
	var wire wirePullRequest
	path := fmt.Sprintf("/repos/%s/pulls/%d", repoFullName, number)
	if err := c.getJSON(ctx, path, &wire); err != nil {
		return nil, err
	}
	return &PullRequestInfo{
		Number:     wire.Number,
		Title:      wire.Title,
		State:      wire.State,
		Merged:     wire.Merged,
		HTMLURL:    wire.HTMLURL,
		Author:     wire.User.Login,
		BranchFrom: wire.Head.Ref,
		BranchTo:   wire.Base.Ref,
	}, nil
}

type wireFile struct {
	Filename  string `json:"filename"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Patch     string `json:"patch"`
}

// ListPullRequestFiles returns up to max changed files, with patch hunks.
func (c *Client) ListPullRequestFiles(ctx context.Context, repoFullName string, number, max int) ([]models.FileChange, error) {
	if max <= 0 {
		max = perPage
	}
	files := make([]models.FileChange, 0, max)
	for page := 1; len(files) < max; page++ {
		var batch []wireFile
		path := fmt.Sprintf("/repos/%s/pulls/%d/files?per_page=%d&page=%d", repoFullName, number, perPage, page)
		if err := c.getJSON(ctx, path, &batch); err != nil {
			return nil, err
		}
		for _, f := range batch {
			files = append(files, models.FileChange{
				Filename:  f.Filename,
				Additions: f.Additions,
				Deletions: f.Deletions,
				Patch:     f.Patch,
			})
			if len(files) == max {
				break
			}
		}
		if len(batch) < perPage {
			break
		}
	}
	return files, nil
}

type wireRepoList struct {
	Repositories []RepoInfo `json:"repositories"`
}

// ListInstallationRepos lists repositories the installation can access.
func (c *Client) ListInstallationRepos(ctx context.Context) ([]RepoInfo, error) {
	var out wireRepoList
	if err := c.getJSON(ctx, "/installation/repositories?per_page=100", &out); err != nil {
		return nil, err
	}
	return out.Repositories, nil
}

type wireMember struct {
	Login string `json:"login"`
}

// ListOrgMembers pages through an organization's member logins. Forbidden
// (the app lacks the members scope) falls back to public members.
func (c *Client) ListOrgMembers(ctx context.Context, org string) ([]string, error) {
	members, err := c.listMembers(ctx, org, "members")
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusForbidden || apiErr.StatusCode == http.StatusUnauthorized) {
		return c.listMembers(ctx, org, "public_members")
	}
	return members, err
}

func (c *Client) listMembers(ctx context.Context, org, kind string) ([]string, error) {
	var logins []string
	for page := 1; ; page++ {
		var batch []wireMember
		path := fmt.Sprintf("/orgs/%s/%s?per_page=%d&page=%d", url.PathEscape(org), kind, perPage, page)
		if err := c.getJSON(ctx, path, &batch); err != nil {
			return nil, err
		}
		for _, m := range batch {
			logins = append(logins, m.Login)
		}
		if len(batch) < perPage {
			return logins, nil
		}
	}
}

// GetInstallation fetches the installation object via the App JWT (the
// installation token cannot describe itself).
func (b *Broker) GetInstallation(ctx context.Context, installationID int64) (*InstallationInfo, error) {
	appJWT, err := b.app.AppJWT()
	if err != nil {
		return nil, err
	}
	var out InstallationInfo
	path := fmt.Sprintf("/app/installations/%d", installationID)
	if err := b.getJSON(ctx, path, "Bearer "+appJWT, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// InstallationInfo is the platform's installation object.
type InstallationInfo struct {
	ID      int64 `json:"id"`
	Account struct {
		Login     string `json:"login"`
		Type      string `json:"type"`
		AvatarURL string `json:"avatar_url"`
	} `json:"account"`
	SuspendedAt *time.Time `json:"suspended_at"`
}

// getJSON issues an installation-token GET with retry on 5xx.
func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	token, err := c.broker.tokens.Token(ctx, c.installationID)
	if err != nil {
		return err
	}
	return c.broker.getJSON(ctx, path, "token "+token, out)
}

// getJSON performs one authenticated GET against the platform API.
// Idempotent GETs retry on 5xx with capped exponential backoff, at most
// maxGETAttempts total attempts.
func (b *Broker) getJSON(ctx context.Context, path, authorization string, out interface{}) error {
	backoff := retry.WithMaxRetries(maxGETAttempts-1, retry.NewExponential(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", authorization)
		req.Header.Set("Accept", acceptHeader)
		req.Header.Set("X-GitHub-Api-Version", apiVersionHeader)

		resp, err := b.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			apiErr := &APIError{StatusCode: resp.StatusCode, URL: path, Body: string(body)}
			if apiErr.Temporary() {
				return retry.RetryableError(apiErr)
			}
			return apiErr
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}
