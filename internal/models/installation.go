package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Account types reported by the upstream platform.
const (
	AccountTypeUser         = "User"
	AccountTypeOrganization = "Organization"
)

// RepoRef is one repository granted to an installation.
type RepoRef struct {
	RepoID       string    `json:"repo_id"`
	RepoFullName string    `json:"repo_full_name"` // owner/name
	Private      bool      `json:"private"`
	InstalledAt  time.Time `json:"installed_at"`
}

// RepoRefs is stored as a single JSONB column.
type RepoRefs []RepoRef

func (r RepoRefs) Value() (driver.Value, error) {
	if r == nil {
		r = RepoRefs{}
	}
	return json.Marshal(r)
}

func (r *RepoRefs) Scan(src interface{}) error {
	if src == nil {
		*r = RepoRefs{}
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("repo_refs: unexpected scan type %T", src)
	}
	return json.Unmarshal(b, r)
}

// Installation is the tenancy unit granted by the upstream platform.
// installation_id is the platform's globally unique id and our natural key.
// Installations are never hard-deleted; installation.deleted sets suspended_at.
type Installation struct {
	InstallationID   int64      `json:"installation_id" db:"installation_id"`
	AccountType      string     `json:"account_type" db:"account_type"` // User | Organization
	AccountLogin     string     `json:"account_login" db:"account_login"`
	AccountAvatarURL string     `json:"account_avatar_url" db:"account_avatar_url"`
	Repositories     RepoRefs   `json:"repositories" db:"repositories"`
	SuspendedAt      *time.Time `json:"suspended_at,omitempty" db:"suspended_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// IsSuspended reports whether the installation has been removed upstream.
func (i *Installation) IsSuspended() bool {
	return i.SuspendedAt != nil
}

// HasRepo reports whether the installation currently grants access to repoID.
func (i *Installation) HasRepo(repoID string) bool {
	for _, r := range i.Repositories {
		if r.RepoID == repoID {
			return true
		}
	}
	return false
}
