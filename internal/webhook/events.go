package webhook

// Event and action names as delivered by the platform.
const (
	EventInstallation      = "installation"
	EventInstallationRepos = "installation_repositories"
	EventPullRequest       = "pull_request"
	EventPing              = "ping"

	ActionCreated     = "created"
	ActionDeleted     = "deleted"
	ActionAdded       = "added"
	ActionRemoved     = "removed"
	ActionOpened      = "opened"
	ActionSynchronize = "synchronize"
	ActionEdited      = "edited"
	ActionClosed      = "closed"
	ActionReopened    = "reopened"
)

// Delivery headers.
const (
	HeaderSignature  = "X-Hub-Signature-256"
	HeaderEventName  = "X-Event-Name"
	HeaderDeliveryID = "X-Delivery-Id"
)

type wireAccount struct {
	Login     string `json:"login"`
	Type      string `json:"type"` // User | Organization
	AvatarURL string `json:"avatar_url"`
}

type wireInstallation struct {
	ID      int64       `json:"id"`
	Account wireAccount `json:"account"`
}

type wireRepo struct {
	ID       int64  `json:"id"`
	FullName string `json:"full_name"`
	Private  bool   `json:"private"`
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

// eventEnvelope is the union of the payload fields the receiver reads. The
// platform sends one event per request; unused fields stay zero.
type eventEnvelope struct {
	Action              string            `json:"action"`
	Installation        *wireInstallation `json:"installation"`
	Repositories        []wireRepo        `json:"repositories"`
	RepositoriesAdded   []wireRepo        `json:"repositories_added"`
	RepositoriesRemoved []wireRepo        `json:"repositories_removed"`
	Repository          *wireRepo         `json:"repository"`
	PullRequest         *wirePullRequest  `json:"pull_request"`
}
