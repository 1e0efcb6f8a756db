package models

// Queue names. pr-summary feeds pr-notify-chat.
const (
	QueuePRSummary    = "pr-summary"
	QueuePRNotifyChat = "pr-notify-chat"
)

// Logical job names. Anything other than regenerate is treated as the
// default skip-if-ready variant by the summary worker.
const (
	JobNameGenerate       = "generate"
	JobNameRegenerate     = "regenerate"
	JobNamePRNotification = "pr-notification"
)

// SummaryJobPayload is the pr-summary job body.
type SummaryJobPayload struct {
	PullRequestID  string `json:"pull_request_id"`
	InstallationID int64  `json:"installation_id"`
	RepoFullName   string `json:"repo_full_name"`
	Number         int    `json:"number"`
}

// ChatNotificationPayload is the pr-notify-chat job body. It is fully
// materialised by the summary worker so the notification worker needs no
// store round-trip to build the message.
type ChatNotificationPayload struct {
	PullRequestID string   `json:"pull_request_id"`
	RepoFullName  string   `json:"repo_full_name"`
	Number        int      `json:"number"`
	Title         string   `json:"title"`
	Author        string   `json:"author"`
	TLDR          string   `json:"tldr"`
	RiskScore     int      `json:"risk_score"`
	MainRiskFlags []string `json:"main_risk_flags"`
	SystemLabels  []string `json:"system_labels"`
	HTMLURL       string   `json:"html_url"`
	DashboardURL  string   `json:"dashboard_url,omitempty"`
}
