package installsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prsentry/prsentry-backend/internal/models"
	"github.com/prsentry/prsentry-backend/internal/repository"
)

// MemberLister pages an organization's member logins.
type MemberLister interface {
	ListOrgMembers(ctx context.Context, org string) ([]string, error)
}

// ClientFactory yields an installation-scoped member lister.
type ClientFactory func(installationID int64) MemberLister

// Store is the slice of the repository the syncer touches.
type Store interface {
	ListActiveInstallations(ctx context.Context) ([]*models.Installation, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	LinkUserInstallation(ctx context.Context, userID string, installationID int64) error
}

// Syncer reconciles org membership with user->installation links. Link
// errors are collected, not fatal: one bad member must not block the rest.
type Syncer struct {
	store   Store
	clients ClientFactory
	log     *slog.Logger
}

func New(store Store, clients ClientFactory, log *slog.Logger) *Syncer {
	if log == nil {
		log = slog.Default()
	}
	return &Syncer{store: store, clients: clients, log: log}
}

// SyncInstallation links every org member with an existing account to the
// installation. Returns the number of links written.
func (s *Syncer) SyncInstallation(ctx context.Context, installationID int64, orgLogin string) (int, error) {
	members, err := s.clients(installationID).ListOrgMembers(ctx, orgLogin)
	if err != nil {
		return 0, fmt.Errorf("list members of %s: %w", orgLogin, err)
	}

	updated := 0
	var errs []error
	for _, login := range members {
		u, err := s.store.GetUserByUsername(ctx, login)
		if errors.Is(err, repository.ErrNotFound) {
			continue // member has never signed in
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("lookup %s: %w", login, err))
			continue
		}
		if u.HasInstallation(installationID) {
			continue
		}
		if err := s.store.LinkUserInstallation(ctx, u.ID, installationID); err != nil {
			errs = append(errs, fmt.Errorf("link %s: %w", login, err))
			continue
		}
		updated++
	}

	if len(errs) > 0 {
		s.log.Warn("org member sync finished with errors",
			"installation_id", installationID, "org", orgLogin,
			"updated", updated, "errors", len(errs))
	}
	return updated, errors.Join(errs...)
}

// SyncUser runs opportunistically on login: for each active org
// installation the user is not yet linked to, link it if the org lists them
// as a member. Errors are logged per installation and never block login.
func (s *Syncer) SyncUser(ctx context.Context, user *models.User) int {
	insts, err := s.store.ListActiveInstallations(ctx)
	if err != nil {
		s.log.Warn("list installations for login sync", "user_id", user.ID, "err", err)
		return 0
	}

	linked := 0
	for _, inst := range insts {
		if inst.AccountType != models.AccountTypeOrganization || user.HasInstallation(inst.InstallationID) {
			continue
		}
		members, err := s.clients(inst.InstallationID).ListOrgMembers(ctx, inst.AccountLogin)
		if err != nil {
			s.log.Warn("login sync member listing failed",
				"installation_id", inst.InstallationID, "org", inst.AccountLogin, "err", err)
			continue
		}
		if !containsLogin(members, user.Username) {
			continue
		}
		if err := s.store.LinkUserInstallation(ctx, user.ID, inst.InstallationID); err != nil {
			s.log.Warn("login sync link failed",
				"installation_id", inst.InstallationID, "user_id", user.ID, "err", err)
			continue
		}
		user.InstallationIDs = append(user.InstallationIDs, inst.InstallationID)
		linked++
	}
	return linked
}

func containsLogin(logins []string, login string) bool {
	for _, l := range logins {
		if l == login {
			return true
		}
	}
	return false
}
