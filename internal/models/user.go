package models

import "time"

// User roles.
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// User is an authenticated human. PlatformID is the upstream user id and is
// unique; installation membership lives in the user_installations link table
// and is loaded into InstallationIDs.
type User struct {
	ID              string     `json:"id" db:"id"`
	PlatformID      int64      `json:"platform_id" db:"platform_id"`
	Username        string     `json:"username" db:"username"`
	Email           string     `json:"email" db:"email"`
	AvatarURL       string     `json:"avatar_url" db:"avatar_url"`
	Role            string     `json:"role" db:"role"` // admin | viewer
	LastLoginAt     *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
	InstallationIDs []int64    `json:"installation_ids" db:"-"`
}

// HasInstallation reports whether the user is linked to the installation.
func (u *User) HasInstallation(id int64) bool {
	for _, v := range u.InstallationIDs {
		if v == id {
			return true
		}
	}
	return false
}
