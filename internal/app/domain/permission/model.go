// Package permission defines per-signer authorization scopes consulted by the
// signature authorizer.
package permission

import (
	"errors"
	"math/big"
	"time"
)

// TargetWildcard in ApprovedTargets approves calls against any target.
const TargetWildcard = "*"

// SignerPermission is the authorization scope for one signer. Records are
// replaced wholesale; there are no partial updates.
type SignerPermission struct {
	Signer          string    `json:"signer"`
	ApprovedTargets []string  `json:"approved_targets,omitempty"`
	SpendLimitPerTx *big.Int  `json:"spend_limit_per_tx,omitempty"`
	ValidFrom       time.Time `json:"valid_from"`
	ValidTo         time.Time `json:"valid_to"`
	UpdatedAt       time.Time `json:"updated_at,omitempty"`
}

// IsZero reports whether the record is the zero value returned on lookup
// misses.
func (p SignerPermission) IsZero() bool {
	return p.Signer == "" && p.ValidFrom.IsZero() && p.ValidTo.IsZero()
}

// ActiveAt reports whether the permission window covers the given instant.
// Both window bounds are inclusive.
func (p SignerPermission) ActiveAt(t time.Time) bool {
	if p.IsZero() {
		return false
	}
	if t.Before(p.ValidFrom) {
		return false
	}
	return !t.After(p.ValidTo)
}

// Approves reports whether the scope covers a call against target. An empty
// target (a call that touches no external address) is always in scope; the
// wildcard entry approves every target.
func (p SignerPermission) Approves(target string) bool {
	if target == "" {
		return true
	}
	for _, approved := range p.ApprovedTargets {
		if approved == TargetWildcard || approved == target {
			return true
		}
	}
	return false
}

// WithinSpendLimit reports whether a per-call value is at or below the
// configured ceiling. A nil value means the call moves no assets.
func (p SignerPermission) WithinSpendLimit(value *big.Int) bool {
	if value == nil || value.Sign() == 0 {
		return true
	}
	if p.SpendLimitPerTx == nil {
		return false
	}
	return value.Cmp(p.SpendLimitPerTx) <= 0
}

// Clone returns a deep copy of the record.
func (p SignerPermission) Clone() SignerPermission {
	out := p
	if p.ApprovedTargets != nil {
		out.ApprovedTargets = make([]string, len(p.ApprovedTargets))
		copy(out.ApprovedTargets, p.ApprovedTargets)
	}
	if p.SpendLimitPerTx != nil {
		out.SpendLimitPerTx = new(big.Int).Set(p.SpendLimitPerTx)
	}
	return out
}

// ErrUnauthorized is returned when a caller or recovered signer lacks the role
// or permission scope required for the requested action.
var ErrUnauthorized = errors.New("unauthorized")
