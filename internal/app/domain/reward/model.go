// Package reward defines the reward records managed behind the authorization
// gate. Actual asset movement is delegated to an external transfer
// collaborator.
package reward

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Reward is a claimable balance registered for a recipient.
type Reward struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	Recipient string    `json:"recipient"`
	Amount    *big.Int  `json:"amount"`
	Claimed   bool      `json:"claimed"`
	ClaimedAt time.Time `json:"claimed_at,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks structural requirements before registration.
func (r Reward) Validate() error {
	if strings.TrimSpace(r.Token) == "" {
		return fmt.Errorf("token is required")
	}
	if strings.TrimSpace(r.Recipient) == "" {
		return fmt.Errorf("recipient is required")
	}
	if r.Amount == nil || r.Amount.Sign() <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	return nil
}

// Clone returns a deep copy of the record.
func (r Reward) Clone() Reward {
	out := r
	if r.Amount != nil {
		out.Amount = new(big.Int).Set(r.Amount)
	}
	return out
}

// ErrRewardNotFound is returned when a claim or unregister targets an unknown
// reward.
var ErrRewardNotFound = errors.New("reward not found")

// ErrRewardClaimed is returned when a reward has already been claimed.
var ErrRewardClaimed = errors.New("reward already claimed")
