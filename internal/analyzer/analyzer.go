// Package analyzer derives labels, risk flags, and a bounded risk score from
// a pull request's file-change list. It is a pure function of its input: no
// I/O, no clock, no randomness, so webhook replays and job retries always
// converge on the same result.
package analyzer

import (
	"sort"
	"strings"

	"github.com/prsentry/prsentry-backend/internal/models"
)

// System labels.
const (
	LabelBackend  = "backend"
	LabelFrontend = "frontend"
	LabelRoutes   = "routes"
	LabelConfig   = "config"
	LabelDevops   = "devops"
	LabelSecurity = "security"
)

// Risk flags.
const (
	FlagLargeDiff        = "large-diff"
	FlagVeryLargeDiff    = "very-large-diff"
	FlagSecretsSuspected = "secrets-suspected"
	FlagAuthChange       = "auth-change"
	FlagConfigChange     = "config-change"
	FlagCICDChange       = "ci-cd-change"
)

// Diff size thresholds (additions + deletions).
const (
	largeDiffThreshold     = 500
	veryLargeDiffThreshold = 1500
)

// Flag weights. The score is their sum, capped at 100.
var flagWeights = map[string]int{
	FlagLargeDiff:        20,
	FlagVeryLargeDiff:    20,
	FlagSecretsSuspected: 40,
	FlagAuthChange:       20,
	FlagConfigChange:     15,
	FlagCICDChange:       15,
}

// Result is the deterministic analysis of one pull request.
type Result struct {
	SystemLabels []string
	RiskFlags    []string
	RiskScore    int
	DiffStats    models.DiffStats
}

// Analyze classifies the file-change list. Output ordering is fixed
// (sorted) so identical inputs produce byte-identical results.
func Analyze(files []models.FileChange) Result {
	stats := models.DiffStats{ChangedFilesCount: len(files)}
	labels := map[string]bool{}
	flags := map[string]bool{}

	for _, f := range files {
		name := strings.ToLower(f.Filename)
		stats.TotalAdditions += f.Additions
		stats.TotalDeletions += f.Deletions

		if strings.HasPrefix(name, "server/") || strings.HasPrefix(name, "src/routes/") || strings.Contains(name, "api/") {
			labels[LabelBackend] = true
		}
		if strings.HasPrefix(name, "client/") || strings.HasPrefix(name, "src/components/") || strings.Contains(name, "frontend") {
			labels[LabelFrontend] = true
		}
		if strings.Contains(name, "routes") {
			labels[LabelRoutes] = true
		}
		if containsAny(name, "config", ".env", "settings") {
			labels[LabelConfig] = true
			flags[FlagConfigChange] = true
		}
		if containsAny(name, ".github/workflows", "deploy", "pipeline", "infra") {
			labels[LabelDevops] = true
			flags[FlagCICDChange] = true
		}
		if containsAny(name, "auth", "login", "jwt") {
			labels[LabelSecurity] = true
			flags[FlagAuthChange] = true
		}
	}

	total := stats.TotalAdditions + stats.TotalDeletions
	if total > largeDiffThreshold {
		flags[FlagLargeDiff] = true
	}
	if total > veryLargeDiffThreshold {
		flags[FlagVeryLargeDiff] = true
	}

	if anyPatchHasSecret(files) {
		flags[FlagSecretsSuspected] = true
		labels[LabelSecurity] = true
	}

	score := 0
	for flag := range flags {
		score += flagWeights[flag]
	}
	if score > 100 {
		score = 100
	}

	return Result{
		SystemLabels: sortedKeys(labels),
		RiskFlags:    sortedKeys(flags),
		RiskScore:    score,
		DiffStats:    stats,
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
