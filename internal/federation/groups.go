// ABOUTME: Reconciles provider-reported group memberships into local groups
// ABOUTME: Temp placeholders stand in for members until their first login

package federation

import (
	"context"
	"errors"
	"fmt"

	"github.com/perihelion-labs/principal-gateway/internal/store"
)

// reconcileGroups mirrors the provider's group snapshot locally. It runs
// inside the same transaction as user creation: partial group attachment
// fails the whole login.
//
// Steps, in order: upsert each group keyed by (provider, providerGroupId)
// and register its declared members; merge any placeholder previously
// standing in for the authenticating user; attach the resolved user to every
// derived group.
func reconcileGroups(ctx context.Context, repo store.Repository, provider string, userID int64, nickname string, groups []store.RemoteGroup) error {
	groupIDs := make([]int64, 0, len(groups))

	for i := range groups {
		g := &groups[i]
		groupID, err := repo.UpsertRemoteGroup(ctx, provider, g)
		if err != nil {
			return err
		}
		groupIDs = append(groupIDs, groupID)

		for _, member := range g.Members {
			if member == nickname {
				continue
			}
			memberID, err := resolveMember(ctx, repo, member)
			if err != nil {
				return err
			}
			if err := repo.AddGroupMember(ctx, groupID, memberID, g.Write); err != nil {
				return err
			}
		}
	}

	if nickname != "" {
		if err := mergePlaceholder(ctx, repo, nickname, userID); err != nil {
			return err
		}
	}

	for i, groupID := range groupIDs {
		if err := repo.AddGroupMember(ctx, groupID, userID, groups[i].Write); err != nil {
			return err
		}
	}
	return nil
}

// resolveMember maps a provider-side nickname to a local user id, falling
// back to an existing or newly created temp placeholder for members who have
// never logged in.
func resolveMember(ctx context.Context, repo store.Repository, nickname string) (int64, error) {
	id, err := repo.UserIDByNickname(ctx, nickname)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("resolving member %s: %w", nickname, err)
	}

	id, err = repo.LoadTempUser(ctx, nickname)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("loading placeholder %s: %w", nickname, err)
	}

	return repo.CreateTempUser(ctx, nickname)
}

// mergePlaceholder replaces a placeholder's identity with the now-resolved
// real user id everywhere it is referenced, then deletes the placeholder.
func mergePlaceholder(ctx context.Context, repo store.Repository, nickname string, userID int64) error {
	tempID, err := repo.LoadTempUser(ctx, nickname)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading placeholder %s: %w", nickname, err)
	}

	if err := repo.RemapTempUserID(ctx, tempID, userID); err != nil {
		return err
	}
	return repo.DeleteTempUser(ctx, nickname)
}
