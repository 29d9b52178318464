// Package permissions manages signer permission records and admin flags
// behind the authorization gate.
package permissions

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/extension_router/internal/app/audit"
	"github.com/R3E-Network/extension_router/internal/app/domain/permission"
	"github.com/R3E-Network/extension_router/internal/app/domain/request"
	"github.com/R3E-Network/extension_router/internal/app/services/authorizer"
	"github.com/R3E-Network/extension_router/internal/app/storage"
	"github.com/R3E-Network/extension_router/pkg/logger"
)

// ActionSetPermissions is the envelope action authorizing a permission
// overwrite.
const ActionSetPermissions = "permissions.set"

// PermissionPayload is the body of an ActionSetPermissions envelope. It
// carries the full replacement record; there are no partial updates.
type PermissionPayload struct {
	Signer          string   `json:"signer"`
	ApprovedTargets []string `json:"approved_targets,omitempty"`
	SpendLimitPerTx *big.Int `json:"spend_limit_per_tx,omitempty"`
	ValidFrom       int64    `json:"valid_from"`
	ValidTo         int64    `json:"valid_to"`
}

// Service owns signer permission state. The owner account is implicitly an
// admin and is the only identity that can bootstrap the first admin flag.
type Service struct {
	store storage.PermissionStore
	auth  *authorizer.Service
	owner string
	mu    sync.Mutex
	log   *logger.Logger
	audit *audit.Log
	now   func() time.Time
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithAudit attaches an audit log receiving permission mutations.
func WithAudit(a *audit.Log) Option {
	return func(s *Service) { s.audit = a }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New constructs the permissions service. The owner is the deployment's root
// identity.
func New(store storage.PermissionStore, auth *authorizer.Service, owner string, opts ...Option) *Service {
	s := &Service{
		store: store,
		auth:  auth,
		owner: strings.TrimSpace(owner),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.NewDefault("permissions")
	}
	return s
}

// SetPermissionsForSigner authorizes the signed request, requires the
// authorizing signer to be an admin and replaces the target signer's record
// wholesale with the payload contents.
func (s *Service) SetPermissionsForSigner(ctx context.Context, req request.SignedRequest, signature []byte) (permission.SignerPermission, error) {
	if req.Action != ActionSetPermissions {
		return permission.SignerPermission{}, fmt.Errorf("%w: action %q cannot set permissions", permission.ErrUnauthorized, req.Action)
	}

	v, err := s.auth.Authorize(ctx, req, signature)
	if err != nil {
		return permission.SignerPermission{}, err
	}
	if !v.Admin {
		return permission.SignerPermission{}, fmt.Errorf("%w: signer %s is not an admin", permission.ErrUnauthorized, v.Signer)
	}

	record, err := decodePayload(req.Payload)
	if err != nil {
		return permission.SignerPermission{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.PutPermission(ctx, record); err != nil {
		return permission.SignerPermission{}, err
	}

	s.log.WithField("admin", v.Signer).
		WithField("signer", record.Signer).
		Info("signer permissions replaced")
	s.recordAudit(v.Signer, record)
	return record, nil
}

// VerifySignerPermissionRequest is the dry-run counterpart: it reports
// whether the request would authorize a permission overwrite, and by whom,
// without consuming the UID or touching state.
func (s *Service) VerifySignerPermissionRequest(ctx context.Context, req request.SignedRequest, signature []byte) (bool, string) {
	if req.Action != ActionSetPermissions {
		return false, ""
	}
	v, err := s.auth.Verify(ctx, req, signature)
	if err != nil {
		return false, ""
	}
	if !v.Admin {
		return false, v.Signer
	}
	if _, err := decodePayload(req.Payload); err != nil {
		return false, v.Signer
	}
	return true, v.Signer
}

// SetAdmin toggles the admin flag for an account. The caller must be the
// owner or an existing admin. Setting a flag to its current value is a no-op.
func (s *Service) SetAdmin(ctx context.Context, caller, account string, isAdmin bool) error {
	allowed, err := s.isOwnerOrAdmin(ctx, caller)
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("%w: %s cannot set admin flags", permission.ErrUnauthorized, caller)
	}
	if account == "" {
		return fmt.Errorf("account is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.store.IsAdmin(ctx, account)
	if err != nil {
		return err
	}
	if current == isAdmin {
		return nil
	}
	if err := s.store.SetAdmin(ctx, account, isAdmin); err != nil {
		return err
	}

	s.log.WithField("caller", caller).
		WithField("account", account).
		WithField("admin", isAdmin).
		Info("admin flag changed")
	if s.audit != nil {
		s.audit.Record(audit.Entry{
			Actor:   caller,
			Action:  "permissions.setAdmin",
			Subject: account,
			Detail:  map[string]string{"admin": fmt.Sprintf("%t", isAdmin)},
		})
	}
	return nil
}

// IsAdmin reports whether the account holds the admin flag. The owner is
// always an admin.
func (s *Service) IsAdmin(ctx context.Context, account string) (bool, error) {
	if account != "" && account == s.owner {
		return true, nil
	}
	return s.store.IsAdmin(ctx, account)
}

// IsActiveSigner reports whether the signer holds a permission window
// covering the current time.
func (s *Service) IsActiveSigner(ctx context.Context, signer string) (bool, error) {
	perm, ok, err := s.store.GetPermission(ctx, signer)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return perm.ActiveAt(s.now().UTC()), nil
}

// GetPermissionsForSigner returns the signer's record, zero-value on miss.
func (s *Service) GetPermissionsForSigner(ctx context.Context, signer string) (permission.SignerPermission, error) {
	perm, _, err := s.store.GetPermission(ctx, signer)
	return perm, err
}

// ListSigners returns every recorded signer permission.
func (s *Service) ListSigners(ctx context.Context) ([]permission.SignerPermission, error) {
	return s.store.ListPermissions(ctx)
}

// ListAdmins returns every account holding the admin flag.
func (s *Service) ListAdmins(ctx context.Context) ([]string, error) {
	return s.store.ListAdmins(ctx)
}

func (s *Service) isOwnerOrAdmin(ctx context.Context, account string) (bool, error) {
	if account == "" {
		return false, nil
	}
	if account == s.owner {
		return true, nil
	}
	return s.store.IsAdmin(ctx, account)
}

func decodePayload(raw []byte) (permission.SignerPermission, error) {
	var payload PermissionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return permission.SignerPermission{}, fmt.Errorf("decode permission payload: %w", err)
	}
	if strings.TrimSpace(payload.Signer) == "" {
		return permission.SignerPermission{}, fmt.Errorf("permission payload: signer is required")
	}
	return permission.SignerPermission{
		Signer:          payload.Signer,
		ApprovedTargets: payload.ApprovedTargets,
		SpendLimitPerTx: payload.SpendLimitPerTx,
		ValidFrom:       time.Unix(payload.ValidFrom, 0).UTC(),
		ValidTo:         time.Unix(payload.ValidTo, 0).UTC(),
	}, nil
}

func (s *Service) recordAudit(actor string, record permission.SignerPermission) {
	if s.audit == nil {
		return
	}
	detail := map[string]string{
		"approved_targets": strings.Join(record.ApprovedTargets, ","),
		"valid_from":       record.ValidFrom.Format(time.RFC3339),
		"valid_to":         record.ValidTo.Format(time.RFC3339),
	}
	if record.SpendLimitPerTx != nil {
		detail["spend_limit_per_tx"] = record.SpendLimitPerTx.String()
	}
	s.audit.Record(audit.Entry{
		Actor:   actor,
		Action:  ActionSetPermissions,
		Subject: record.Signer,
		Detail:  detail,
	})
}
