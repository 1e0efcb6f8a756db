package genmodel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prsentry/prsentry-backend/internal/analyzer"
	"github.com/prsentry/prsentry-backend/internal/models"
	"github.com/prsentry/prsentry-backend/internal/pkg/metrics"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com"
	DefaultModel   = "gemini-2.0-flash"
	DefaultTimeout = 60 * time.Second

	maxFileSummaries = 20
	maxPatchSnippets = 5
	maxSnippetLen    = 1000
)

// ModelError marks a failure attributable to the generative model: transport
// errors, timeouts, non-2xx responses, schema violations, empty output. The
// summary worker maps it to summaryStatus=error without retrying the job.
type ModelError struct {
	Err error
}

func (e *ModelError) Error() string { return "genmodel: " + e.Err.Error() }
func (e *ModelError) Unwrap() error { return e.Err }

func modelErrorf(format string, args ...interface{}) error {
	return &ModelError{Err: fmt.Errorf(format, args...)}
}

// IsModelError reports whether err originated in the model call.
func IsModelError(err error) bool {
	var me *ModelError
	return errors.As(err, &me)
}

// Input is everything the summarization prompt is built from.
type Input struct {
	RepoFullName string
	Number       int
	Title        string
	Author       string
	BranchFrom   string
	BranchTo     string
	Files        []models.FileChange
	Analysis     analyzer.Result
}

// Output is the structured summary the model must return.
type Output struct {
	TLDR   string   `json:"tldr"`
	Risks  []string `json:"risks"`
	Labels []string `json:"labels"`
}

// Client calls a Gemini-style generateContent endpoint with a structured
// JSON response schema. A client without an API key is valid but every
// Generate call fails with a ModelError, which the worker surfaces as
// summaryError.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

func NewClient(apiKey, model, baseURL string) *Client {
	if model == "" {
		model = DefaultModel
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
}

// Gemini generateContent wire structures.
type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature      float64        `json:"temperature"`
	ResponseMimeType string         `json:"responseMimeType"`
	ResponseSchema   responseSchema `json:"responseSchema"`
}

type responseSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]schemaProperty `json:"properties"`
	Required   []string                  `json:"required"`
}

type schemaProperty struct {
	Type  string          `json:"type"`
	Items *schemaProperty `json:"items,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

var summarySchema = responseSchema{
	Type: "OBJECT",
	Properties: map[string]schemaProperty{
		"tldr":   {Type: "STRING"},
		"risks":  {Type: "ARRAY", Items: &schemaProperty{Type: "STRING"}},
		"labels": {Type: "ARRAY", Items: &schemaProperty{Type: "STRING"}},
	},
	Required: []string{"tldr", "risks", "labels"},
}

// Generate produces a structured PR summary. Any failure is a ModelError.
func (c *Client) Generate(ctx context.Context, in Input) (*Output, error) {
	if c.apiKey == "" {
		metrics.ModelCallsTotal.WithLabelValues("error").Inc()
		return nil, modelErrorf("api key not configured")
	}

	reqBody := generateRequest{
		Contents: []content{{
			Role:  "user",
			Parts: []part{{Text: buildPrompt(in)}},
		}},
		GenerationConfig: generationConfig{
			Temperature:      0.2,
			ResponseMimeType: "application/json",
			ResponseSchema:   summarySchema,
		},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, modelErrorf("encode request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		c.baseURL, url.PathEscape(c.model), url.QueryEscape(c.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, modelErrorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ModelCallsTotal.WithLabelValues("error").Inc()
		return nil, &ModelError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.ModelCallsTotal.WithLabelValues("error").Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, modelErrorf("model API %d: %s", resp.StatusCode, string(body))
	}

	var wire generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		metrics.ModelCallsTotal.WithLabelValues("error").Inc()
		return nil, modelErrorf("decode response: %w", err)
	}
	if len(wire.Candidates) == 0 || len(wire.Candidates[0].Content.Parts) == 0 {
		metrics.ModelCallsTotal.WithLabelValues("error").Inc()
		return nil, modelErrorf("response contained no candidates")
	}

	var out Output
	text := wire.Candidates[0].Content.Parts[0].Text
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		metrics.ModelCallsTotal.WithLabelValues("error").Inc()
		return nil, modelErrorf("malformed structured output: %w", err)
	}
	if strings.TrimSpace(out.TLDR) == "" {
		metrics.ModelCallsTotal.WithLabelValues("error").Inc()
		return nil, modelErrorf("empty tldr in structured output")
	}

	metrics.ModelCallsTotal.WithLabelValues("ok").Inc()
	return &out, nil
}

// buildPrompt renders the PR header, a capped file list, a few patch
// snippets, and the deterministic analysis the model must treat as ground
// truth.
func buildPrompt(in Input) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Summarize this pull request for a reviewer.\n\n")
	fmt.Fprintf(&b, "Repository: %s\n", in.RepoFullName)
	fmt.Fprintf(&b, "PR #%d: %s\n", in.Number, in.Title)
	fmt.Fprintf(&b, "Author: %s\n", in.Author)
	if in.BranchFrom != "" || in.BranchTo != "" {
		fmt.Fprintf(&b, "Branches: %s -> %s\n", in.BranchFrom, in.BranchTo)
	}

	b.WriteString("\nStatic analysis (treat as ground truth, do not contradict it):\n")
	fmt.Fprintf(&b, "- risk score: %d/100\n", in.Analysis.RiskScore)
	fmt.Fprintf(&b, "- risk flags: %s\n", csvOrNone(in.Analysis.RiskFlags))
	fmt.Fprintf(&b, "- labels: %s\n", csvOrNone(in.Analysis.SystemLabels))
	fmt.Fprintf(&b, "- diff: +%d/-%d across %d files\n",
		in.Analysis.DiffStats.TotalAdditions, in.Analysis.DiffStats.TotalDeletions,
		in.Analysis.DiffStats.ChangedFilesCount)

	b.WriteString("\nChanged files:\n")
	for i, f := range in.Files {
		if i == maxFileSummaries {
			fmt.Fprintf(&b, "... and %d more files\n", len(in.Files)-maxFileSummaries)
			break
		}
		fmt.Fprintf(&b, "- %s (+%d/-%d)\n", f.Filename, f.Additions, f.Deletions)
	}

	snippets := 0
	for _, f := range in.Files {
		if snippets == maxPatchSnippets {
			break
		}
		if f.Patch == "" {
			continue
		}
		patch := f.Patch
		if len(patch) > maxSnippetLen {
			patch = patch[:maxSnippetLen]
		}
		fmt.Fprintf(&b, "\nPatch for %s:\n%s\n", f.Filename, patch)
		snippets++
	}

	b.WriteString("\nRespond with JSON: {\"tldr\": one to three sentences, " +
		"\"risks\": concrete review concerns, \"labels\": short topical tags}.\n")
	return b.String()
}

func csvOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}
