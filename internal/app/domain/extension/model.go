// Package extension defines the descriptor model for pluggable router extensions.
package extension

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SelectorSize is the width of a dispatch selector in bytes.
const SelectorSize = 4

// Selector is a fixed-width identifier derived from a function signature,
// used to route calls to the owning extension.
type Selector [SelectorSize]byte

// SelectorForSignature derives the selector for a canonical function signature
// string such as "transfer(address,uint256)". The derivation is the first four
// bytes of the SHA-256 of the signature.
func SelectorForSignature(signature string) Selector {
	sum := sha256.Sum256([]byte(strings.TrimSpace(signature)))
	var sel Selector
	copy(sel[:], sum[:SelectorSize])
	return sel
}

// ParseSelector parses a selector from its "0x"-prefixed hex form.
func ParseSelector(raw string) (Selector, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "0x")
	trimmed = strings.TrimPrefix(trimmed, "0X")

	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return Selector{}, fmt.Errorf("selector must be hex: %w", err)
	}
	if len(decoded) != SelectorSize {
		return Selector{}, fmt.Errorf("selector must be %d bytes, got %d", SelectorSize, len(decoded))
	}

	var sel Selector
	copy(sel[:], decoded)
	return sel, nil
}

// String returns the canonical "0x"-prefixed lowercase hex form.
func (s Selector) String() string {
	return "0x" + hex.EncodeToString(s[:])
}

// IsZero reports whether the selector is all zero bytes.
func (s Selector) IsZero() bool {
	return s == Selector{}
}

// MarshalJSON renders the selector in its canonical hex form.
func (s Selector) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses the canonical hex form.
func (s *Selector) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	sel, err := ParseSelector(raw)
	if err != nil {
		return err
	}
	*s = sel
	return nil
}

// Function pairs a dispatch selector with the signature string it was derived
// from. The signature is advisory metadata; dispatch uses only the selector.
type Function struct {
	Selector  Selector `json:"selector"`
	Signature string   `json:"signature"`
}

// Descriptor describes one extension: a named implementation together with the
// set of function selectors it claims. Selector ownership is exclusive
// system-wide.
type Descriptor struct {
	Name           string     `json:"name"`
	Implementation string     `json:"implementation"`
	Functions      []Function `json:"functions,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at,omitempty"`
}

// IsZero reports whether the descriptor is the zero value returned on lookup
// misses.
func (d Descriptor) IsZero() bool {
	return d.Name == "" && d.Implementation == "" && len(d.Functions) == 0
}

// Validate checks structural requirements before a descriptor enters the
// registry: a name, an implementation and no duplicate selectors within the
// descriptor itself.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("extension name is required")
	}
	if strings.TrimSpace(d.Implementation) == "" {
		return fmt.Errorf("extension %s: implementation is required", d.Name)
	}
	seen := make(map[Selector]struct{}, len(d.Functions))
	for _, fn := range d.Functions {
		if fn.Selector.IsZero() {
			return fmt.Errorf("extension %s: zero selector for %q", d.Name, fn.Signature)
		}
		if _, dup := seen[fn.Selector]; dup {
			return fmt.Errorf("extension %s: selector %s listed twice", d.Name, fn.Selector)
		}
		seen[fn.Selector] = struct{}{}
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate registry state through
// returned descriptors.
func (d Descriptor) Clone() Descriptor {
	out := d
	if d.Functions != nil {
		out.Functions = make([]Function, len(d.Functions))
		copy(out.Functions, d.Functions)
	}
	return out
}

// SelectorRecord is one row of the selector index: the reverse mapping from a
// selector to its owning extension.
type SelectorRecord struct {
	Selector       Selector `json:"selector"`
	Extension      string   `json:"extension"`
	Implementation string   `json:"implementation"`
	Signature      string   `json:"signature,omitempty"`
}

// Registry error taxonomy.
var (
	// ErrDuplicateExtension is returned when an extension name is already
	// registered.
	ErrDuplicateExtension = errors.New("extension already registered")

	// ErrSelectorConflict is returned when a selector is already owned by a
	// different extension.
	ErrSelectorConflict = errors.New("selector already owned by another extension")

	// ErrNotFound is returned when a mutation targets an unregistered
	// extension.
	ErrNotFound = errors.New("extension not found")

	// ErrNoExtensionForSelector is returned on dispatch when no extension
	// claims the selector.
	ErrNoExtensionForSelector = errors.New("no extension registered for selector")
)
