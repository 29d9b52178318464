// Package dispatcher is the request entry point: it resolves selectors
// through the extension registry, forwards execution to the bound
// implementation, and exposes the authorization-gated registry mutation
// surface.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/R3E-Network/extension_router/internal/app/domain/extension"
	"github.com/R3E-Network/extension_router/internal/app/domain/permission"
	"github.com/R3E-Network/extension_router/internal/app/domain/request"
	"github.com/R3E-Network/extension_router/internal/app/metrics"
	"github.com/R3E-Network/extension_router/internal/app/services/authorizer"
	"github.com/R3E-Network/extension_router/internal/app/services/registry"
	"github.com/R3E-Network/extension_router/pkg/logger"
)

// Envelope actions accepted by the signed registry mutation surface.
const (
	ActionAddExtension    = "router.addExtension"
	ActionUpdateExtension = "router.updateExtension"
	ActionRemoveExtension = "router.removeExtension"
)

// CallContext carries one incoming call through dispatch.
type CallContext struct {
	Selector extension.Selector
	Caller   string
	Value    *big.Int
	Input    []byte
}

// Handler executes calls for one implementation address.
type Handler interface {
	Call(ctx context.Context, call CallContext) ([]byte, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, call CallContext) ([]byte, error)

// Call implements Handler.
func (f HandlerFunc) Call(ctx context.Context, call CallContext) ([]byte, error) {
	return f(ctx, call)
}

// AdminChecker reports whether an account may mutate the registry. The
// permissions service satisfies it.
type AdminChecker interface {
	IsAdmin(ctx context.Context, account string) (bool, error)
}

// Service routes calls by selector and gates registry mutations.
type Service struct {
	registry *registry.Service
	auth     *authorizer.Service
	admins   AdminChecker
	owner    string
	log      *logger.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(s *Service) { s.log = log }
}

// New constructs a dispatcher over the registry and authorization gate.
func New(reg *registry.Service, auth *authorizer.Service, admins AdminChecker, owner string, opts ...Option) *Service {
	s := &Service{
		registry: reg,
		auth:     auth,
		admins:   admins,
		owner:    owner,
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.NewDefault("dispatcher")
	}
	return s
}

// BindImplementation attaches the runtime handler for an implementation
// address. Dispatch to an extension whose implementation has no bound handler
// fails.
func (s *Service) BindImplementation(implementation string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[implementation] = h
}

// HandleCall resolves the call's selector and forwards the context to the
// owning implementation. Implementation results and errors propagate
// verbatim.
func (s *Service) HandleCall(ctx context.Context, call CallContext) ([]byte, error) {
	rec, err := s.registry.ForFunction(ctx, call.Selector)
	if err != nil {
		return nil, err
	}
	if rec.Extension == "" {
		metrics.RecordDispatch("", 0, extension.ErrNoExtensionForSelector)
		return nil, fmt.Errorf("%w: %s", extension.ErrNoExtensionForSelector, call.Selector)
	}

	s.mu.RLock()
	handler, bound := s.handlers[rec.Implementation]
	s.mu.RUnlock()
	if !bound {
		err := fmt.Errorf("implementation %s for extension %s is not bound", rec.Implementation, rec.Extension)
		metrics.RecordDispatch(rec.Extension, 0, err)
		return nil, err
	}

	start := time.Now()
	out, err := handler.Call(ctx, call)
	metrics.RecordDispatch(rec.Extension, time.Since(start), err)
	return out, err
}

// AddExtension registers an extension on behalf of a direct caller.
func (s *Service) AddExtension(ctx context.Context, caller string, d extension.Descriptor) error {
	if err := s.canSetExtension(ctx, caller); err != nil {
		return err
	}
	return s.registry.Add(ctx, d)
}

// UpdateExtension replaces an extension on behalf of a direct caller.
func (s *Service) UpdateExtension(ctx context.Context, caller string, d extension.Descriptor) error {
	if err := s.canSetExtension(ctx, caller); err != nil {
		return err
	}
	return s.registry.Update(ctx, d)
}

// RemoveExtension removes an extension on behalf of a direct caller.
func (s *Service) RemoveExtension(ctx context.Context, caller string, name string) error {
	if err := s.canSetExtension(ctx, caller); err != nil {
		return err
	}
	return s.registry.Remove(ctx, name)
}

// AddExtensionWithSignature registers an extension authorized by a signed
// admin request whose payload carries the descriptor.
func (s *Service) AddExtensionWithSignature(ctx context.Context, req request.SignedRequest, signature []byte) error {
	d, err := s.authorizeDescriptor(ctx, ActionAddExtension, req, signature)
	if err != nil {
		return err
	}
	return s.registry.Add(ctx, d)
}

// UpdateExtensionWithSignature replaces an extension via a signed admin
// request.
func (s *Service) UpdateExtensionWithSignature(ctx context.Context, req request.SignedRequest, signature []byte) error {
	d, err := s.authorizeDescriptor(ctx, ActionUpdateExtension, req, signature)
	if err != nil {
		return err
	}
	return s.registry.Update(ctx, d)
}

// RemoveExtensionWithSignature removes an extension via a signed admin
// request whose payload names the extension.
func (s *Service) RemoveExtensionWithSignature(ctx context.Context, req request.SignedRequest, signature []byte) error {
	if req.Action != ActionRemoveExtension {
		return fmt.Errorf("%w: action %q cannot remove extensions", permission.ErrUnauthorized, req.Action)
	}
	v, err := s.auth.Authorize(ctx, req, signature)
	if err != nil {
		return err
	}
	if err := s.requireAdmin(ctx, v); err != nil {
		return err
	}

	var payload struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return fmt.Errorf("decode remove payload: %w", err)
	}
	return s.registry.Remove(ctx, payload.Name)
}

func (s *Service) authorizeDescriptor(ctx context.Context, action string, req request.SignedRequest, signature []byte) (extension.Descriptor, error) {
	if req.Action != action {
		return extension.Descriptor{}, fmt.Errorf("%w: action %q does not match %q", permission.ErrUnauthorized, req.Action, action)
	}
	v, err := s.auth.Authorize(ctx, req, signature)
	if err != nil {
		return extension.Descriptor{}, err
	}
	if err := s.requireAdmin(ctx, v); err != nil {
		return extension.Descriptor{}, err
	}

	var d extension.Descriptor
	if err := json.Unmarshal(req.Payload, &d); err != nil {
		return extension.Descriptor{}, fmt.Errorf("decode descriptor payload: %w", err)
	}
	return d, nil
}

// canSetExtension is the direct-caller gate for registry mutation: the owner
// or any admin account.
func (s *Service) canSetExtension(ctx context.Context, caller string) error {
	if caller != "" && caller == s.owner {
		return nil
	}
	if s.admins != nil {
		admin, err := s.admins.IsAdmin(ctx, caller)
		if err != nil {
			return err
		}
		if admin {
			return nil
		}
	}
	return fmt.Errorf("%w: %s cannot modify extensions", permission.ErrUnauthorized, caller)
}

func (s *Service) requireAdmin(ctx context.Context, v authorizer.Verification) error {
	if v.Admin || v.Signer == s.owner {
		return nil
	}
	return fmt.Errorf("%w: signer %s cannot modify extensions", permission.ErrUnauthorized, v.Signer)
}
