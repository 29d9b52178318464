// Package request defines the signed, time-bounded, replay-protected request
// envelope accepted by the authorization gate.
package request

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SignedRequest is the generic envelope for delegated actions. The payload is
// opaque to the authorizer; the consuming service decodes it according to
// Action once authorization succeeds.
type SignedRequest struct {
	// Action names the operation the signature authorizes, e.g.
	// "permissions.set" or "rewards.claim". It is bound into the digest so a
	// signature for one action cannot be replayed against another.
	Action string `json:"action"`

	// Target is the address the action operates against, checked against the
	// signer's approved targets. Empty for actions that touch no external
	// address.
	Target string `json:"target,omitempty"`

	// Value is the asset amount the action moves, checked against the
	// signer's per-transaction spend limit. Nil when nothing moves.
	Value *big.Int `json:"value,omitempty"`

	// Payload is the action-specific body, decoded downstream.
	Payload []byte `json:"payload,omitempty"`

	// Signer is an optional pre-recovery hint. When set, authorization fails
	// unless the recovered identity matches.
	Signer string `json:"signer,omitempty"`

	// ValidityStart and ValidityEnd bound the window in which the request may
	// be authorized. Both bounds are inclusive.
	ValidityStart time.Time `json:"validity_start"`
	ValidityEnd   time.Time `json:"validity_end"`

	// UID is the replay-protection token. Each UID is consumed at most once
	// system-wide.
	UID string `json:"uid"`
}

// NewUID returns a fresh replay-protection token.
func NewUID() string {
	return uuid.NewString()
}

// Validate checks structural requirements before signature verification.
func (r SignedRequest) Validate() error {
	if strings.TrimSpace(r.Action) == "" {
		return fmt.Errorf("action is required")
	}
	if strings.TrimSpace(r.UID) == "" {
		return fmt.Errorf("uid is required")
	}
	if r.ValidityStart.IsZero() || r.ValidityEnd.IsZero() {
		return fmt.Errorf("validity window is required")
	}
	if r.ValidityEnd.Before(r.ValidityStart) {
		return fmt.Errorf("validity window ends before it starts")
	}
	if r.Value != nil && r.Value.Sign() < 0 {
		return fmt.Errorf("value must not be negative")
	}
	return nil
}

// Authorization-protocol error taxonomy.
var (
	// ErrInvalidSignature is returned when signer recovery fails or yields
	// the zero identity.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrRequestReplayed is returned when the request UID has already been
	// consumed.
	ErrRequestReplayed = errors.New("request already authorized")

	// ErrRequestExpired is returned when the current time is past the
	// validity window.
	ErrRequestExpired = errors.New("request expired")

	// ErrRequestNotYetValid is returned when the current time is before the
	// validity window.
	ErrRequestNotYetValid = errors.New("request not yet valid")
)
