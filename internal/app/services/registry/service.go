// Package registry maintains the mapping from extension names to descriptors
// and the derived selector index used for dispatch.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/R3E-Network/extension_router/internal/app/audit"
	"github.com/R3E-Network/extension_router/internal/app/domain/extension"
	"github.com/R3E-Network/extension_router/internal/app/metrics"
	"github.com/R3E-Network/extension_router/internal/app/storage"
	"github.com/R3E-Network/extension_router/pkg/logger"
)

// Service enforces the registry invariants: extension names are unique, and
// every selector has exactly one owner across the default and override tiers.
// All mutations are serialized through a single gate.
type Service struct {
	store    storage.ExtensionStore
	defaults map[string]extension.Descriptor
	mu       sync.Mutex
	log      *logger.Logger
	audit    *audit.Log
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithAudit attaches an audit log receiving registry mutations.
func WithAudit(a *audit.Log) Option {
	return func(s *Service) { s.audit = a }
}

// New constructs a registry over the given store. Defaults are built-in
// extensions available without being materialized in storage; an override
// written under the same name shadows the default wholesale. Defaults must
// not conflict among themselves.
func New(store storage.ExtensionStore, defaults []extension.Descriptor, opts ...Option) (*Service, error) {
	s := &Service{
		store:    store,
		defaults: make(map[string]extension.Descriptor, len(defaults)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.NewDefault("registry")
	}

	claimed := make(map[extension.Selector]string)
	for _, d := range defaults {
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("default extension: %w", err)
		}
		if _, dup := s.defaults[d.Name]; dup {
			return nil, fmt.Errorf("%w: default %s", extension.ErrDuplicateExtension, d.Name)
		}
		for _, fn := range d.Functions {
			if owner, taken := claimed[fn.Selector]; taken {
				return nil, fmt.Errorf("%w: %s claimed by defaults %s and %s",
					extension.ErrSelectorConflict, fn.Selector, owner, d.Name)
			}
			claimed[fn.Selector] = d.Name
		}
		s.defaults[d.Name] = d.Clone()
	}
	return s, nil
}

// Add registers a new extension. It fails with ErrDuplicateExtension when the
// name is taken (in either tier) and ErrSelectorConflict when any selector is
// already owned. The descriptor and its selector rows commit atomically.
func (s *Service) Add(ctx context.Context, d extension.Descriptor) (err error) {
	defer func() { metrics.RecordRegistryMutation("add", err) }()

	if err = d.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists, lookErr := s.store.GetExtension(ctx, d.Name); lookErr != nil {
		return lookErr
	} else if exists {
		return fmt.Errorf("%w: %s", extension.ErrDuplicateExtension, d.Name)
	}
	if _, isDefault := s.defaults[d.Name]; isDefault {
		return fmt.Errorf("%w: %s is a default extension", extension.ErrDuplicateExtension, d.Name)
	}

	if err = s.checkSelectorsLocked(ctx, d); err != nil {
		return err
	}
	if err = s.store.UpsertExtension(ctx, d); err != nil {
		return err
	}

	s.log.WithField("extension", d.Name).
		WithField("implementation", d.Implementation).
		Infof("extension added with %d functions", len(d.Functions))
	s.recordAudit("registry.add", d)
	return nil
}

// Update replaces an existing extension wholesale, or materializes an
// override for a default extension. Selector uniqueness is re-validated
// against every other extension before committing; stale selector rows are
// swapped out atomically.
func (s *Service) Update(ctx context.Context, d extension.Descriptor) (err error) {
	defer func() { metrics.RecordRegistryMutation("update", err) }()

	if err = d.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists, lookErr := s.store.GetExtension(ctx, d.Name)
	if lookErr != nil {
		return lookErr
	}
	if !exists {
		if _, isDefault := s.defaults[d.Name]; !isDefault {
			return fmt.Errorf("%w: %s", extension.ErrNotFound, d.Name)
		}
	}

	if err = s.checkSelectorsLocked(ctx, d); err != nil {
		return err
	}
	if err = s.store.UpsertExtension(ctx, d); err != nil {
		return err
	}

	s.log.WithField("extension", d.Name).
		WithField("implementation", d.Implementation).
		Info("extension updated")
	s.recordAudit("registry.update", d)
	return nil
}

// Remove deletes an extension override together with every selector row it
// owns. Defaults are compiled in and cannot be removed; a name present only
// in the default tier reports ErrNotFound.
func (s *Service) Remove(ctx context.Context, name string) (err error) {
	defer func() { metrics.RecordRegistryMutation("remove", err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err = s.store.DeleteExtension(ctx, name); err != nil {
		return err
	}

	s.log.WithField("extension", name).Info("extension removed")
	s.recordAudit("registry.remove", extension.Descriptor{Name: name})
	return nil
}

// checkSelectorsLocked verifies no selector of d is owned by a different
// active extension: stored overrides, plus defaults that are not shadowed by
// an override.
func (s *Service) checkSelectorsLocked(ctx context.Context, d extension.Descriptor) error {
	for _, fn := range d.Functions {
		rec, owned, err := s.store.GetSelectorOwner(ctx, fn.Selector)
		if err != nil {
			return err
		}
		if owned && rec.Extension != d.Name {
			return fmt.Errorf("%w: %s owned by %s", extension.ErrSelectorConflict, fn.Selector, rec.Extension)
		}
	}

	for name, def := range s.defaults {
		if name == d.Name {
			continue
		}
		if _, overridden, err := s.store.GetExtension(ctx, name); err != nil {
			return err
		} else if overridden {
			// Shadowed defaults contribute no active selectors.
			continue
		}
		for _, defFn := range def.Functions {
			for _, fn := range d.Functions {
				if fn.Selector == defFn.Selector {
					return fmt.Errorf("%w: %s owned by default %s", extension.ErrSelectorConflict, fn.Selector, name)
				}
			}
		}
	}
	return nil
}

// Get returns the descriptor for a name, consulting overrides before
// defaults. The zero descriptor is returned on miss.
func (s *Service) Get(ctx context.Context, name string) (extension.Descriptor, error) {
	d, ok, err := s.store.GetExtension(ctx, name)
	if err != nil {
		return extension.Descriptor{}, err
	}
	if ok {
		return d, nil
	}
	if def, isDefault := s.defaults[name]; isDefault {
		return def.Clone(), nil
	}
	return extension.Descriptor{}, nil
}

// List returns every active extension: overrides plus unshadowed defaults,
// in name order.
func (s *Service) List(ctx context.Context) ([]extension.Descriptor, error) {
	stored, err := s.store.ListExtensions(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(stored))
	out := make([]extension.Descriptor, 0, len(stored)+len(s.defaults))
	for _, d := range stored {
		seen[d.Name] = struct{}{}
		out = append(out, d)
	}
	for name, def := range s.defaults {
		if _, shadowed := seen[name]; !shadowed {
			out = append(out, def.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Implementation returns the implementation address for a name, empty on
// miss.
func (s *Service) Implementation(ctx context.Context, name string) (string, error) {
	d, err := s.Get(ctx, name)
	if err != nil {
		return "", err
	}
	return d.Implementation, nil
}

// FunctionsOf returns the function set a named extension claims, nil on miss.
func (s *Service) FunctionsOf(ctx context.Context, name string) ([]extension.Function, error) {
	d, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return d.Functions, nil
}

// ForFunction resolves a selector to its owning extension's index row. The
// zero record is returned on miss.
func (s *Service) ForFunction(ctx context.Context, sel extension.Selector) (extension.SelectorRecord, error) {
	rec, ok, err := s.store.GetSelectorOwner(ctx, sel)
	if err != nil {
		return extension.SelectorRecord{}, err
	}
	if ok {
		return rec, nil
	}

	for name, def := range s.defaults {
		if _, overridden, err := s.store.GetExtension(ctx, name); err != nil {
			return extension.SelectorRecord{}, err
		} else if overridden {
			continue
		}
		for _, fn := range def.Functions {
			if fn.Selector == sel {
				return extension.SelectorRecord{
					Selector:       sel,
					Extension:      name,
					Implementation: def.Implementation,
					Signature:      fn.Signature,
				}, nil
			}
		}
	}
	return extension.SelectorRecord{}, nil
}

// ImplementationForFunction resolves a selector to the implementation address
// that should handle it, empty on miss.
func (s *Service) ImplementationForFunction(ctx context.Context, sel extension.Selector) (string, error) {
	rec, err := s.ForFunction(ctx, sel)
	if err != nil {
		return "", err
	}
	return rec.Implementation, nil
}

func (s *Service) recordAudit(action string, d extension.Descriptor) {
	if s.audit == nil {
		return
	}
	detail := map[string]string{"implementation": d.Implementation}
	for _, fn := range d.Functions {
		detail[fn.Selector.String()] = fn.Signature
	}
	s.audit.Record(audit.Entry{Action: action, Subject: d.Name, Detail: detail})
}
