package federation

import (
	"errors"

	"go.uber.org/zap"

	"convoke/pkg/types"
)

// GrantProcessor interprets the two lifecycle activities that propagate
// cross-instance calendar-editor access: Add grants a remote calendar actor
// editor rights on a local account, Remove revokes them. Both directions are
// idempotent; every rejection is logged with its own reason so failures stay
// independently observable for audit.
type GrantProcessor struct {
	directory   *Directory
	memberships MembershipStore
	accounts    AccountStore
	logger      *zap.Logger
}

// NewGrantProcessor creates a processor over the directory and stores.
func NewGrantProcessor(directory *Directory, memberships MembershipStore, accounts AccountStore, logger *zap.Logger) *GrantProcessor {
	return &GrantProcessor{
		directory:   directory,
		memberships: memberships,
		accounts:    accounts,
		logger:      logger,
	}
}

// HandleGrant processes an "Add" activity addressed to a local actor.
// Returns true when the grant is in place afterwards, whether it was created
// now or already existed; false on any rejection.
func (p *GrantProcessor) HandleGrant(receiving *types.Actor, activity *types.Activity) bool {
	if activity.Type != types.ActivityAdd {
		p.logger.Warn("grant rejected: wrong activity type",
			zap.String("type", activity.Type))
		return false
	}
	if activity.Object != receiving.URI {
		p.logger.Warn("grant rejected: object does not name the receiving actor",
			zap.String("object", activity.Object),
			zap.String("receiving", receiving.URI))
		return false
	}
	if activity.Actor == "" {
		p.logger.Warn("grant rejected: missing sender URI")
		return false
	}

	sender, err := p.directory.ResolveOrCreateRemoteActor(activity.Actor)
	if err != nil {
		p.logger.Warn("grant rejected: sender could not be resolved",
			zap.String("sender", activity.Actor),
			zap.Error(err))
		return false
	}

	if activity.ActorInbox != "" || activity.ActorSharedInbox != "" {
		update := RemoteMetadata{}
		if activity.ActorInbox != "" {
			update.InboxURL = &activity.ActorInbox
		}
		if activity.ActorSharedInbox != "" {
			update.SharedInboxURL = &activity.ActorSharedInbox
		}
		if _, err := p.directory.RefreshRemoteMetadata(sender.URI, update); err != nil {
			p.logger.Warn("failed to refresh sender inbox",
				zap.String("sender", sender.URI),
				zap.Error(err))
		}
	}

	account, err := p.accountForActor(receiving)
	if err != nil {
		p.logger.Warn("grant rejected: local account not found",
			zap.String("receiving", receiving.URI),
			zap.Error(err))
		return false
	}

	if _, err := p.memberships.Membership(sender.ID, account.ID); err == nil {
		// Duplicate grant; nothing to do.
		p.logger.Debug("grant already present",
			zap.String("sender", RemoteHandle(sender)),
			zap.String("account", account.Username))
		return true
	}

	membership := &types.EditorMembership{
		ActorID:   sender.ID,
		AccountID: account.ID,
		Role:      types.RoleEditor,
	}
	if err := p.memberships.CreateMembership(membership); err != nil {
		p.logger.Error("failed to persist editor grant",
			zap.String("sender", sender.URI),
			zap.Error(err))
		return false
	}

	p.logger.Info("granted editor access",
		zap.String("calendar", RemoteHandle(sender)),
		zap.String("account", account.Username))
	return true
}

// HandleRevoke processes a "Remove" activity and returns the number of
// memberships removed. Zero is a valid outcome: revoking an absent grant, or
// one from an actor this server has never seen, is a no-op rather than an
// error.
func (p *GrantProcessor) HandleRevoke(receiving *types.Actor, activity *types.Activity) int {
	if activity.Type != types.ActivityRemove {
		p.logger.Warn("revoke rejected: wrong activity type",
			zap.String("type", activity.Type))
		return 0
	}
	if activity.Object != receiving.URI {
		p.logger.Warn("revoke rejected: object does not name the receiving actor",
			zap.String("object", activity.Object),
			zap.String("receiving", receiving.URI))
		return 0
	}
	if activity.Actor == "" {
		p.logger.Warn("revoke rejected: missing sender URI")
		return 0
	}

	sender, err := p.directory.ActorByURI(activity.Actor)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			p.logger.Debug("revoke from unknown actor ignored",
				zap.String("sender", activity.Actor))
			return 0
		}
		p.logger.Error("revoke failed: sender lookup error",
			zap.String("sender", activity.Actor),
			zap.Error(err))
		return 0
	}

	account, err := p.accountForActor(receiving)
	if err != nil {
		p.logger.Warn("revoke rejected: local account not found",
			zap.String("receiving", receiving.URI),
			zap.Error(err))
		return 0
	}

	removed, err := p.memberships.DeleteMemberships(sender.ID, account.ID)
	if err != nil {
		p.logger.Error("failed to delete editor grant",
			zap.String("sender", sender.URI),
			zap.Error(err))
		return 0
	}

	p.logger.Info("revoked editor access",
		zap.String("calendar", RemoteHandle(sender)),
		zap.String("account", account.Username),
		zap.Int("removed", removed))
	return removed
}

// accountForActor maps a local receiving actor to its account by the actor
// URI's id segment.
func (p *GrantProcessor) accountForActor(actor *types.Actor) (*types.Account, error) {
	ref, err := ParseActorURI(actor.URI, p.directory.production)
	if err != nil {
		return nil, err
	}
	return p.accounts.AccountByUsername(ref.ID)
}
