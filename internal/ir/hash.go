package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content digests.
// The version suffix leaves room for an algorithm migration.
const (
	DomainState  = "lockstep/state/v1"
	DomainAction = "lockstep/action/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator keeps the domain/data boundary unambiguous.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// StateDigest returns the digest of a state's canonical form.
// Audit entries record it so that replay can prove each version maps to
// exactly one state.
func StateDigest(state []byte) (string, error) {
	canonical, err := Canonicalize(state)
	if err != nil {
		return "", fmt.Errorf("state digest: %w", err)
	}
	return hashWithDomain(DomainState, canonical), nil
}

// ActionDigest returns the digest of an action's canonical form.
func ActionDigest(action []byte) (string, error) {
	canonical, err := Canonicalize(action)
	if err != nil {
		return "", fmt.Errorf("action digest: %w", err)
	}
	return hashWithDomain(DomainAction, canonical), nil
}

// MustStateDigest is like StateDigest but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustStateDigest(state []byte) string {
	d, err := StateDigest(state)
	if err != nil {
		panic(err)
	}
	return d
}
