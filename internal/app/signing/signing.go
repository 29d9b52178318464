// Package signing implements the domain-separated request digest and the
// recoverable signature scheme used by the authorization gate.
package signing

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/ripemd160"

	"github.com/R3E-Network/extension_router/internal/app/domain/request"
)

// protocolTag versions the digest layout. Changing the encoding requires a new
// tag so signatures from old deployments can never verify against new ones.
const protocolTag = "r3e-extension-router-v1"

// SignatureSize is the length of a compact recoverable signature: one recovery
// byte followed by 32-byte R and S.
const SignatureSize = 65

// Domain binds signatures to one deployment. Requests signed for a different
// chain or router identity produce a different digest and fail recovery
// matching.
type Domain struct {
	// ChainID identifies the network, e.g. "neo-n3" or "testnet".
	ChainID string

	// Router identifies the router instance the request is addressed to.
	Router string
}

// Validate checks both separation fields are present.
func (d Domain) Validate() error {
	if strings.TrimSpace(d.ChainID) == "" {
		return fmt.Errorf("domain chain id is required")
	}
	if strings.TrimSpace(d.Router) == "" {
		return fmt.Errorf("domain router identity is required")
	}
	return nil
}

// RequestDigest computes the canonical signing digest for a request.
// Layout: SHA256(tag || chainID || router || action || target || signer || uid
// || value || SHA256(payload) || start || end), with null separators between
// variable-width fields and big-endian fixed-width integers.
func RequestDigest(domain Domain, req request.SignedRequest) [32]byte {
	h := sha256.New()

	writeField := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}

	writeField(protocolTag)
	writeField(domain.ChainID)
	writeField(domain.Router)
	writeField(req.Action)
	writeField(req.Target)
	writeField(req.Signer)
	writeField(req.UID)

	if req.Value != nil {
		h.Write(req.Value.Bytes())
	}
	h.Write([]byte{0})

	payloadSum := sha256.Sum256(req.Payload)
	h.Write(payloadSum[:])

	var window [16]byte
	binary.BigEndian.PutUint64(window[:8], uint64(req.ValidityStart.Unix()))
	binary.BigEndian.PutUint64(window[8:], uint64(req.ValidityEnd.Unix()))
	h.Write(window[:])

	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest
}

// SignDigest produces a compact recoverable signature over a digest.
func SignDigest(key *secp256k1.PrivateKey, digest [32]byte) []byte {
	return secpecdsa.SignCompact(key, digest[:], true)
}

// RecoverSigner recovers the signing identity from a compact signature over
// the digest. It returns request.ErrInvalidSignature when the signature is
// malformed or recovery fails.
func RecoverSigner(digest [32]byte, signature []byte) (string, error) {
	if len(signature) != SignatureSize {
		return "", fmt.Errorf("%w: expected %d bytes, got %d", request.ErrInvalidSignature, SignatureSize, len(signature))
	}

	pub, _, err := secpecdsa.RecoverCompact(signature, digest[:])
	if err != nil {
		return "", fmt.Errorf("%w: %v", request.ErrInvalidSignature, err)
	}

	addr := AddressFromPublicKey(pub)
	if addr == "" {
		return "", request.ErrInvalidSignature
	}
	return addr, nil
}

// AddressFromPublicKey derives the signer identity from a public key:
// RIPEMD160(SHA256(compressed pubkey)), rendered as 0x-prefixed lowercase hex.
func AddressFromPublicKey(pub *secp256k1.PublicKey) string {
	if pub == nil {
		return ""
	}
	sum := sha256.Sum256(pub.SerializeCompressed())
	rip := ripemd160.New()
	rip.Write(sum[:])
	return "0x" + hex.EncodeToString(rip.Sum(nil))
}

// Address returns the signer identity for a private key. Convenience for
// clients and tests.
func Address(key *secp256k1.PrivateKey) string {
	if key == nil {
		return ""
	}
	return AddressFromPublicKey(key.PubKey())
}

// GenerateKey creates a fresh signing key.
func GenerateKey() (*secp256k1.PrivateKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}
