package analyzer

import (
	"regexp"

	"github.com/prsentry/prsentry-backend/internal/models"
)

// SecretPatterns are matched against raw patch hunks. First match wins, so
// order the cheap, high-signal patterns first. Exposed so the test suite can
// golden-test matches.
var SecretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),             // AWS access key id
	regexp.MustCompile(`ghp_[0-9A-Za-z]{36}`),          // platform personal access token
	regexp.MustCompile(`xox[baprs]-[0-9A-Za-z-]{20,}`), // chat bot/user/app tokens
	regexp.MustCompile(`secret_key\s*=`),
	regexp.MustCompile(`api_key\s*=`),
	regexp.MustCompile(`password\s*=`),
	regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`),
}

// PatchHasSecret reports whether a single patch body matches any known
// secret pattern. Pure; short-circuits on the first match.
func PatchHasSecret(patch string) bool {
	if patch == "" {
		return false
	}
	for _, re := range SecretPatterns {
		if re.MatchString(patch) {
			return true
		}
	}
	return false
}

func anyPatchHasSecret(files []models.FileChange) bool {
	for _, f := range files {
		if PatchHasSecret(f.Patch) {
			return true
		}
	}
	return false
}
