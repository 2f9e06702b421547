// Package signing produces and verifies the tamper-evident confirmation
// hashes that bind a draft to its payload, actor, workspace, and expiry.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/workweave/draftgate/pkg/canonicalize"
)

// Signer holds the server master secret. Workspace subkeys are derived with
// HKDF-SHA256 so a disclosed subkey cannot forge confirmations for another
// workspace.
type Signer struct {
	master []byte
}

func New(masterSecret []byte) *Signer {
	return &Signer{master: masterSecret}
}

func (s *Signer) workspaceKey(workspaceID string) ([]byte, error) {
	r := hkdf.New(sha256.New, s.master, nil, []byte("draftgate/v1/"+workspaceID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("signing: derive workspace key: %w", err)
	}
	return key, nil
}

// SignDraft computes the confirmation hash for a draft: HMAC-SHA256 over
// "draftID:workspaceID:actorID:expiresAt:payloadHash".
func (s *Signer) SignDraft(draftID, workspaceID, actorID string, expiresAt int64, payload any) (string, error) {
	payloadHash, err := canonicalize.Hash(payload)
	if err != nil {
		return "", err
	}
	return s.signTuple(workspaceID, draftID, workspaceID, actorID, strconv.FormatInt(expiresAt, 10), payloadHash)
}

// VerifyDraft recomputes the draft signature and compares in constant time.
// A length mismatch is rejected without comparison.
func (s *Signer) VerifyDraft(signature, draftID, workspaceID, actorID string, expiresAt int64, payload any) (bool, error) {
	expected, err := s.SignDraft(draftID, workspaceID, actorID, expiresAt, payload)
	if err != nil {
		return false, err
	}
	return equalConstantTime(signature, expected), nil
}

// SignProposal computes the legacy proposal signature, which binds a smaller
// tuple: "proposalID:workspaceID:actorID:type:expiresAt". No payload hash.
func (s *Signer) SignProposal(proposalID, workspaceID, actorID, proposalType string, expiresAt int64) (string, error) {
	return s.signTuple(workspaceID, proposalID, workspaceID, actorID, proposalType, strconv.FormatInt(expiresAt, 10))
}

// VerifyProposal recomputes the legacy signature and compares in constant time.
func (s *Signer) VerifyProposal(signature, proposalID, workspaceID, actorID, proposalType string, expiresAt int64) (bool, error) {
	expected, err := s.SignProposal(proposalID, workspaceID, actorID, proposalType, expiresAt)
	if err != nil {
		return false, err
	}
	return equalConstantTime(signature, expected), nil
}

func (s *Signer) signTuple(workspaceID string, parts ...string) (string, error) {
	key, err := s.workspaceKey(workspaceID)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func equalConstantTime(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
