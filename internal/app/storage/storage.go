// Package storage defines the persistence interfaces for the extension router.
// Three logical tables back the core: extensions by name, the selector index,
// and signer permissions. Replay tokens and rewards sit alongside them.
package storage

import (
	"context"

	"github.com/R3E-Network/extension_router/internal/app/domain/extension"
	"github.com/R3E-Network/extension_router/internal/app/domain/permission"
	"github.com/R3E-Network/extension_router/internal/app/domain/reward"
)

// ExtensionStore persists extension descriptors and the derived selector
// index. UpsertExtension and DeleteExtension must keep both tables in lockstep
// atomically: a selector row exists if and only if the owning descriptor lists
// it.
type ExtensionStore interface {
	// UpsertExtension writes the descriptor and replaces every selector row
	// it owns in one atomic step. Selector rows that existed under a previous
	// version of the descriptor but are absent from the new one are removed.
	UpsertExtension(ctx context.Context, d extension.Descriptor) error

	// DeleteExtension removes the descriptor and all selector rows it owns.
	// Returns extension.ErrNotFound when the name is not registered.
	DeleteExtension(ctx context.Context, name string) error

	// GetExtension returns the descriptor for a name. The boolean reports
	// whether it exists; a miss is not an error.
	GetExtension(ctx context.Context, name string) (extension.Descriptor, bool, error)

	// ListExtensions returns all descriptors in name order.
	ListExtensions(ctx context.Context) ([]extension.Descriptor, error)

	// GetSelectorOwner resolves a selector to its index row.
	GetSelectorOwner(ctx context.Context, sel extension.Selector) (extension.SelectorRecord, bool, error)

	// ListSelectors returns the whole selector index.
	ListSelectors(ctx context.Context) ([]extension.SelectorRecord, error)
}

// PermissionStore persists per-signer scopes and admin flags.
type PermissionStore interface {
	// PutPermission replaces a signer's record wholesale.
	PutPermission(ctx context.Context, p permission.SignerPermission) error

	// GetPermission returns a signer's record. The boolean reports whether
	// the signer has ever been registered.
	GetPermission(ctx context.Context, signer string) (permission.SignerPermission, bool, error)

	// ListPermissions returns every known record in signer order.
	ListPermissions(ctx context.Context) ([]permission.SignerPermission, error)

	// SetAdmin toggles the admin flag for an account.
	SetAdmin(ctx context.Context, account string, isAdmin bool) error

	// IsAdmin reports whether the account holds the admin flag.
	IsAdmin(ctx context.Context, account string) (bool, error)

	// ListAdmins returns all accounts holding the admin flag.
	ListAdmins(ctx context.Context) ([]string, error)
}

// ReplayStore persists consumed request UIDs. The set only grows.
type ReplayStore interface {
	// ConsumeUID marks the UID consumed. It returns false when the UID was
	// already present; the check and the write are one atomic step.
	ConsumeUID(ctx context.Context, uid string) (bool, error)

	// IsConsumed reports whether the UID has been consumed, without writing.
	IsConsumed(ctx context.Context, uid string) (bool, error)
}

// RewardStore persists claimable reward records.
type RewardStore interface {
	PutReward(ctx context.Context, r reward.Reward) error
	GetReward(ctx context.Context, id string) (reward.Reward, bool, error)
	DeleteReward(ctx context.Context, id string) error
	ListRewards(ctx context.Context, recipient string) ([]reward.Reward, error)
}

// MetadataStore persists ancillary key-value contract metadata.
type MetadataStore interface {
	SetMetadata(ctx context.Context, key, value string) error
	GetMetadata(ctx context.Context, key string) (string, error)
}

// Store aggregates every persistence concern a full deployment needs.
type Store interface {
	ExtensionStore
	PermissionStore
	ReplayStore
	RewardStore
	MetadataStore
}
