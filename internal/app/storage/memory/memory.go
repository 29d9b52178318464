package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/extension_router/internal/app/domain/extension"
	"github.com/R3E-Network/extension_router/internal/app/domain/permission"
	"github.com/R3E-Network/extension_router/internal/app/domain/reward"
	"github.com/R3E-Network/extension_router/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local
// deployments.
type Store struct {
	mu          sync.RWMutex
	extensions  map[string]extension.Descriptor
	selectors   map[extension.Selector]extension.SelectorRecord
	permissions map[string]permission.SignerPermission
	admins      map[string]bool
	consumed    map[string]time.Time
	rewards     map[string]reward.Reward
	metadata    map[string]string
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		extensions:  make(map[string]extension.Descriptor),
		selectors:   make(map[extension.Selector]extension.SelectorRecord),
		permissions: make(map[string]permission.SignerPermission),
		admins:      make(map[string]bool),
		consumed:    make(map[string]time.Time),
		rewards:     make(map[string]reward.Reward),
		metadata:    make(map[string]string),
	}
}

// ExtensionStore implementation ----------------------------------------------

func (s *Store) UpsertExtension(_ context.Context, d extension.Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Drop selector rows owned by the previous version of this descriptor.
	for sel, rec := range s.selectors {
		if rec.Extension == d.Name {
			delete(s.selectors, sel)
		}
	}

	d.UpdatedAt = time.Now().UTC()
	s.extensions[d.Name] = d.Clone()

	for _, fn := range d.Functions {
		s.selectors[fn.Selector] = extension.SelectorRecord{
			Selector:       fn.Selector,
			Extension:      d.Name,
			Implementation: d.Implementation,
			Signature:      fn.Signature,
		}
	}
	return nil
}

func (s *Store) DeleteExtension(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.extensions[name]; !ok {
		return fmt.Errorf("%w: %s", extension.ErrNotFound, name)
	}
	delete(s.extensions, name)

	for sel, rec := range s.selectors {
		if rec.Extension == name {
			delete(s.selectors, sel)
		}
	}
	return nil
}

func (s *Store) GetExtension(_ context.Context, name string) (extension.Descriptor, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.extensions[name]
	if !ok {
		return extension.Descriptor{}, false, nil
	}
	return d.Clone(), true, nil
}

func (s *Store) ListExtensions(_ context.Context) ([]extension.Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]extension.Descriptor, 0, len(s.extensions))
	for _, d := range s.extensions {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) GetSelectorOwner(_ context.Context, sel extension.Selector) (extension.SelectorRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.selectors[sel]
	if !ok {
		return extension.SelectorRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *Store) ListSelectors(_ context.Context) ([]extension.SelectorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]extension.SelectorRecord, 0, len(s.selectors))
	for _, rec := range s.selectors {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Selector.String() < out[j].Selector.String() })
	return out, nil
}

// PermissionStore implementation ---------------------------------------------

func (s *Store) PutPermission(_ context.Context, p permission.SignerPermission) error {
	if p.Signer == "" {
		return fmt.Errorf("signer is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p.UpdatedAt = time.Now().UTC()
	s.permissions[p.Signer] = p.Clone()
	return nil
}

func (s *Store) GetPermission(_ context.Context, signer string) (permission.SignerPermission, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.permissions[signer]
	if !ok {
		return permission.SignerPermission{}, false, nil
	}
	return p.Clone(), true, nil
}

func (s *Store) ListPermissions(_ context.Context) ([]permission.SignerPermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]permission.SignerPermission, 0, len(s.permissions))
	for _, p := range s.permissions {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Signer < out[j].Signer })
	return out, nil
}

func (s *Store) SetAdmin(_ context.Context, account string, isAdmin bool) error {
	if account == "" {
		return fmt.Errorf("account is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if isAdmin {
		s.admins[account] = true
	} else {
		delete(s.admins, account)
	}
	return nil
}

func (s *Store) IsAdmin(_ context.Context, account string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.admins[account], nil
}

func (s *Store) ListAdmins(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.admins))
	for account := range s.admins {
		out = append(out, account)
	}
	sort.Strings(out)
	return out, nil
}

// ReplayStore implementation -------------------------------------------------

func (s *Store) ConsumeUID(_ context.Context, uid string) (bool, error) {
	if uid == "" {
		return false, fmt.Errorf("uid is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.consumed[uid]; seen {
		return false, nil
	}
	s.consumed[uid] = time.Now().UTC()
	return true, nil
}

func (s *Store) IsConsumed(_ context.Context, uid string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, seen := s.consumed[uid]
	return seen, nil
}

// RewardStore implementation -------------------------------------------------

func (s *Store) PutReward(_ context.Context, r reward.Reward) error {
	if r.ID == "" {
		return fmt.Errorf("reward id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r.UpdatedAt = time.Now().UTC()
	if existing, ok := s.rewards[r.ID]; ok {
		r.CreatedAt = existing.CreatedAt
	} else if r.CreatedAt.IsZero() {
		r.CreatedAt = r.UpdatedAt
	}
	s.rewards[r.ID] = r.Clone()
	return nil
}

func (s *Store) GetReward(_ context.Context, id string) (reward.Reward, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rewards[id]
	if !ok {
		return reward.Reward{}, false, nil
	}
	return r.Clone(), true, nil
}

func (s *Store) DeleteReward(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rewards[id]; !ok {
		return fmt.Errorf("%w: %s", reward.ErrRewardNotFound, id)
	}
	delete(s.rewards, id)
	return nil
}

func (s *Store) ListRewards(_ context.Context, recipient string) ([]reward.Reward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]reward.Reward, 0, len(s.rewards))
	for _, r := range s.rewards {
		if recipient != "" && r.Recipient != recipient {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MetadataStore implementation -----------------------------------------------

func (s *Store) SetMetadata(_ context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("metadata key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[key] = value
	return nil
}

func (s *Store) GetMetadata(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metadata[key], nil
}
