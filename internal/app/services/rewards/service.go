// Package rewards manages claimable reward records behind the authorization
// gate. Asset movement is delegated to an external transfer collaborator;
// this service's only contract with the core is the authorize gate.
package rewards

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/extension_router/internal/app/audit"
	"github.com/R3E-Network/extension_router/internal/app/domain/permission"
	"github.com/R3E-Network/extension_router/internal/app/domain/request"
	"github.com/R3E-Network/extension_router/internal/app/domain/reward"
	"github.com/R3E-Network/extension_router/internal/app/services/authorizer"
	"github.com/R3E-Network/extension_router/internal/app/storage"
	"github.com/R3E-Network/extension_router/pkg/logger"
)

// Envelope actions accepted by the signed reward surface.
const (
	ActionRegisterReward   = "rewards.register"
	ActionUnregisterReward = "rewards.unregister"
	ActionClaimReward      = "rewards.claim"
)

// AssetTransfer moves assets once a claim is authorized. Implementations are
// external collaborators (token contracts, treasury services).
type AssetTransfer interface {
	Transfer(ctx context.Context, token, to string, amount *big.Int) error
}

// RegisterPayload is the body of an ActionRegisterReward envelope.
type RegisterPayload struct {
	ID        string   `json:"id,omitempty"`
	Token     string   `json:"token"`
	Recipient string   `json:"recipient"`
	Amount    *big.Int `json:"amount"`
}

// Service manages reward records.
type Service struct {
	store    storage.RewardStore
	auth     *authorizer.Service
	transfer AssetTransfer
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

// WithAudit attaches an audit log receiving reward mutations.
func WithAudit(a *audit.Log) Option {
	return func(s *Service) { s.audit = a }
}

// New constructs the rewards service.
func New(store storage.RewardStore, auth *authorizer.Service, transfer AssetTransfer, opts ...Option) *Service {
	s := &Service{
		store:    store,
		auth:     auth,
		transfer: transfer,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.NewDefault("rewards")
	}
	return s
}

// Register records a new claimable reward on behalf of a direct admin caller
// path; callers are expected to have passed an authorization gate upstream.
func (s *Service) Register(ctx context.Context, r reward.Reward) (reward.Reward, error) {
	if err := r.Validate(); err != nil {
		return reward.Reward{}, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.PutReward(ctx, r); err != nil {
		return reward.Reward{}, err
	}
	s.log.WithField("reward", r.ID).
		WithField("recipient", r.Recipient).
		Info("reward registered")
	s.recordAudit("", "rewards.register", r)
	return r, nil
}

// Unregister removes an unclaimed reward.
func (s *Service) Unregister(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok, err := s.store.GetReward(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", reward.ErrRewardNotFound, id)
	}
	if existing.Claimed {
		return fmt.Errorf("%w: %s", reward.ErrRewardClaimed, id)
	}
	if err := s.store.DeleteReward(ctx, id); err != nil {
		return err
	}
	s.log.WithField("reward", id).Info("reward unregistered")
	s.recordAudit("", "rewards.unregister", existing)
	return nil
}

// Claim marks a reward claimed and invokes the transfer collaborator. The
// reward record commits before the transfer runs; a failed transfer surfaces
// to the caller with the record already claimed, mirroring the
// commit-then-execute discipline of the authorization gate.
func (s *Service) Claim(ctx context.Context, id, claimant string) (reward.Reward, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok, err := s.store.GetReward(ctx, id)
	if err != nil {
		return reward.Reward{}, err
	}
	if !ok {
		return reward.Reward{}, fmt.Errorf("%w: %s", reward.ErrRewardNotFound, id)
	}
	if r.Claimed {
		return reward.Reward{}, fmt.Errorf("%w: %s", reward.ErrRewardClaimed, id)
	}
	if claimant != "" && !strings.EqualFold(claimant, r.Recipient) {
		return reward.Reward{}, fmt.Errorf("%w: %s is not the recipient of reward %s", permission.ErrUnauthorized, claimant, id)
	}

	r.Claimed = true
	r.ClaimedAt = time.Now().UTC()
	if err := s.store.PutReward(ctx, r); err != nil {
		return reward.Reward{}, err
	}

	if s.transfer != nil {
		if err := s.transfer.Transfer(ctx, r.Token, r.Recipient, r.Amount); err != nil {
			return reward.Reward{}, fmt.Errorf("transfer reward %s: %w", id, err)
		}
	}

	s.log.WithField("reward", id).
		WithField("recipient", r.Recipient).
		Info("reward claimed")
	s.recordAudit(claimant, "rewards.claim", r)
	return r, nil
}

// RegisterWithSignature registers a reward authorized by a signed admin
// request.
func (s *Service) RegisterWithSignature(ctx context.Context, req request.SignedRequest, signature []byte) (reward.Reward, error) {
	if req.Action != ActionRegisterReward {
		return reward.Reward{}, fmt.Errorf("%w: action %q cannot register rewards", permission.ErrUnauthorized, req.Action)
	}
	v, err := s.auth.Authorize(ctx, req, signature)
	if err != nil {
		return reward.Reward{}, err
	}
	if !v.Admin {
		return reward.Reward{}, fmt.Errorf("%w: signer %s is not an admin", permission.ErrUnauthorized, v.Signer)
	}

	var payload RegisterPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return reward.Reward{}, fmt.Errorf("decode register payload: %w", err)
	}
	return s.Register(ctx, reward.Reward{
		ID:        payload.ID,
		Token:     payload.Token,
		Recipient: payload.Recipient,
		Amount:    payload.Amount,
	})
}

// UnregisterWithSignature removes a reward via a signed admin request whose
// payload names the reward id.
func (s *Service) UnregisterWithSignature(ctx context.Context, req request.SignedRequest, signature []byte) error {
	if req.Action != ActionUnregisterReward {
		return fmt.Errorf("%w: action %q cannot unregister rewards", permission.ErrUnauthorized, req.Action)
	}
	v, err := s.auth.Authorize(ctx, req, signature)
	if err != nil {
		return err
	}
	if !v.Admin {
		return fmt.Errorf("%w: signer %s is not an admin", permission.ErrUnauthorized, v.Signer)
	}

	var payload struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return fmt.Errorf("decode unregister payload: %w", err)
	}
	return s.Unregister(ctx, payload.ID)
}

// ClaimWithSignature claims a reward via a signed request. The recovered
// signer must be the reward's recipient (or an admin claiming on their
// behalf).
func (s *Service) ClaimWithSignature(ctx context.Context, req request.SignedRequest, signature []byte) (reward.Reward, error) {
	if req.Action != ActionClaimReward {
		return reward.Reward{}, fmt.Errorf("%w: action %q cannot claim rewards", permission.ErrUnauthorized, req.Action)
	}
	v, err := s.auth.Authorize(ctx, req, signature)
	if err != nil {
		return reward.Reward{}, err
	}

	var payload struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return reward.Reward{}, fmt.Errorf("decode claim payload: %w", err)
	}

	claimant := v.Signer
	if v.Admin {
		// Admins may claim on behalf of the recipient.
		claimant = ""
	}
	return s.Claim(ctx, payload.ID, claimant)
}

// Get returns a reward record, zero-value on miss.
func (s *Service) Get(ctx context.Context, id string) (reward.Reward, error) {
	r, _, err := s.store.GetReward(ctx, id)
	return r, err
}

// List returns rewards, optionally filtered by recipient.
func (s *Service) List(ctx context.Context, recipient string) ([]reward.Reward, error) {
	return s.store.ListRewards(ctx, recipient)
}

func (s *Service) recordAudit(actor, action string, r reward.Reward) {
	if s.audit == nil {
		return
	}
	detail := map[string]string{
		"token":     r.Token,
		"recipient": r.Recipient,
	}
	if r.Amount != nil {
		detail["amount"] = r.Amount.String()
	}
	s.audit.Record(audit.Entry{Actor: actor, Action: action, Subject: r.ID, Detail: detail})
}
