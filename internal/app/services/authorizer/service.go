// Package authorizer validates signed, time-bounded, replay-protected request
// envelopes against the signer permission records.
package authorizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/R3E-Network/extension_router/internal/app/domain/permission"
	"github.com/R3E-Network/extension_router/internal/app/domain/request"
	"github.com/R3E-Network/extension_router/internal/app/metrics"
	"github.com/R3E-Network/extension_router/internal/app/signing"
	"github.com/R3E-Network/extension_router/internal/app/storage"
	"github.com/R3E-Network/extension_router/pkg/logger"
)

// Verification is the outcome of a successful authorization: the recovered
// signer and whether it holds the admin flag.
type Verification struct {
	Signer string
	Admin  bool
}

// Service is the authorization gate. Authorize consumes the request UID;
// Verify runs the same checks without mutating state.
type Service struct {
	domain signing.Domain
	perms  storage.PermissionStore
	replay storage.ReplayStore
	owner  string
	log    *logger.Logger
	now    func() time.Time
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithOwner names the deployment's root identity. The owner authorizes as an
// admin whether or not its flag is present in storage, matching the direct
// caller gate.
func WithOwner(owner string) Option {
	return func(s *Service) { s.owner = owner }
}

// New constructs an authorizer bound to one signing domain.
func New(domain signing.Domain, perms storage.PermissionStore, replay storage.ReplayStore, opts ...Option) (*Service, error) {
	if err := domain.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		domain: domain,
		perms:  perms,
		replay: replay,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.NewDefault("authorizer")
	}
	return s, nil
}

// Domain returns the signing domain the service verifies against.
func (s *Service) Domain() signing.Domain {
	return s.domain
}

// Authorize runs the full authorization protocol and, when every check
// passes, consumes the request UID. Consumption commits before the downstream
// action executes and is never rolled back: a request whose authorized action
// later fails cannot be retried under the same UID.
func (s *Service) Authorize(ctx context.Context, req request.SignedRequest, signature []byte) (Verification, error) {
	v, err := s.check(ctx, req, signature)
	if err != nil {
		metrics.RecordAuthorization(req.Action, reason(err))
		return Verification{}, err
	}

	fresh, err := s.replay.ConsumeUID(ctx, req.UID)
	if err != nil {
		metrics.RecordAuthorization(req.Action, "error")
		return Verification{}, fmt.Errorf("consume uid: %w", err)
	}
	if !fresh {
		metrics.RecordAuthorization(req.Action, "replayed")
		return Verification{}, fmt.Errorf("%w: uid %s", request.ErrRequestReplayed, req.UID)
	}

	metrics.RecordAuthorization(req.Action, "ok")
	s.log.WithField("action", req.Action).
		WithField("signer", v.Signer).
		WithField("uid", req.UID).
		Debug("request authorized")
	return v, nil
}

// Verify is the dry-run path: identical checks, no UID consumption and no
// state mutation.
func (s *Service) Verify(ctx context.Context, req request.SignedRequest, signature []byte) (Verification, error) {
	return s.check(ctx, req, signature)
}

func (s *Service) check(ctx context.Context, req request.SignedRequest, signature []byte) (Verification, error) {
	if err := req.Validate(); err != nil {
		return Verification{}, fmt.Errorf("%w: %v", request.ErrInvalidSignature, err)
	}

	digest := signing.RequestDigest(s.domain, req)
	signer, err := signing.RecoverSigner(digest, signature)
	if err != nil {
		return Verification{}, err
	}
	if req.Signer != "" && req.Signer != signer {
		return Verification{}, fmt.Errorf("%w: recovered %s, request names %s",
			request.ErrInvalidSignature, signer, req.Signer)
	}

	consumed, err := s.replay.IsConsumed(ctx, req.UID)
	if err != nil {
		return Verification{}, fmt.Errorf("replay lookup: %w", err)
	}
	if consumed {
		return Verification{}, fmt.Errorf("%w: uid %s", request.ErrRequestReplayed, req.UID)
	}

	now := s.now().UTC()
	if now.Before(req.ValidityStart) {
		return Verification{}, fmt.Errorf("%w: valid from %s", request.ErrRequestNotYetValid, req.ValidityStart.UTC().Format(time.RFC3339))
	}
	if now.After(req.ValidityEnd) {
		return Verification{}, fmt.Errorf("%w: valid until %s", request.ErrRequestExpired, req.ValidityEnd.UTC().Format(time.RFC3339))
	}

	admin, err := s.isAdmin(ctx, signer)
	if err != nil {
		return Verification{}, fmt.Errorf("admin lookup: %w", err)
	}
	if admin {
		return Verification{Signer: signer, Admin: true}, nil
	}

	perm, registered, err := s.perms.GetPermission(ctx, signer)
	if err != nil {
		return Verification{}, fmt.Errorf("permission lookup: %w", err)
	}
	if !registered || !perm.ActiveAt(now) {
		return Verification{}, fmt.Errorf("%w: signer %s holds no active permission", permission.ErrUnauthorized, signer)
	}
	if !perm.Approves(req.Target) {
		return Verification{}, fmt.Errorf("%w: target %s not approved for signer %s", permission.ErrUnauthorized, req.Target, signer)
	}
	if !perm.WithinSpendLimit(req.Value) {
		return Verification{}, fmt.Errorf("%w: value exceeds spend limit for signer %s", permission.ErrUnauthorized, signer)
	}

	return Verification{Signer: signer}, nil
}

// isAdmin is the owner-aware admin predicate shared by every signed path.
func (s *Service) isAdmin(ctx context.Context, signer string) (bool, error) {
	if s.owner != "" && signer == s.owner {
		return true, nil
	}
	return s.perms.IsAdmin(ctx, signer)
}

func reason(err error) string {
	switch {
	case errors.Is(err, request.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, request.ErrRequestReplayed):
		return "replayed"
	case errors.Is(err, request.ErrRequestExpired):
		return "expired"
	case errors.Is(err, request.ErrRequestNotYetValid):
		return "not_yet_valid"
	case errors.Is(err, permission.ErrUnauthorized):
		return "unauthorized"
	default:
		return "error"
	}
}
