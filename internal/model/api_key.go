package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// WorkspaceRole is the RBAC role carried by an API key and the JWTs it mints.
type WorkspaceRole string

const (
	RoleAdmin    WorkspaceRole = "admin"
	RoleReviewer WorkspaceRole = "reviewer"
	RoleViewer   WorkspaceRole = "viewer"
)

// RoleRank returns the numeric rank of a role (higher = more privileges).
func RoleRank(r WorkspaceRole) int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleReviewer:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole WorkspaceRole) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// APIKey is a workspace-scoped credential exchanged for a JWT at /auth/token.
type APIKey struct {
	ID          uuid.UUID     `json:"id"`
	WorkspaceID uuid.UUID     `json:"workspace_id"`
	Prefix      string        `json:"prefix"`
	KeyHash     string        `json:"-"`
	Subject     string        `json:"subject"`
	Role        WorkspaceRole `json:"role"`
	Label       string        `json:"label"`
	CreatedAt   time.Time     `json:"created_at"`
	LastUsedAt  *time.Time    `json:"last_used_at,omitempty"`
	ExpiresAt   *time.Time    `json:"expires_at,omitempty"`
	RevokedAt   *time.Time    `json:"revoked_at,omitempty"`
}

// Usable reports whether the key is neither revoked nor expired at now.
func (k APIKey) Usable(now time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	return k.ExpiresAt == nil || now.Before(*k.ExpiresAt)
}

const (
	keyPrefixLen    = 4
	keySecretLen    = 16
	keyFormatPrefix = "kn_"
)

// GenerateRawKey produces a new raw API key in the format kn_<8-char-prefix>_<32-char-secret>.
func GenerateRawKey() (rawKey, prefix string, err error) {
	prefixBytes := make([]byte, keyPrefixLen)
	if _, err := rand.Read(prefixBytes); err != nil {
		return "", "", fmt.Errorf("model: generate key prefix: %w", err)
	}
	secretBytes := make([]byte, keySecretLen)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", "", fmt.Errorf("model: generate key secret: %w", err)
	}
	prefix = hex.EncodeToString(prefixBytes)
	rawKey = keyFormatPrefix + prefix + "_" + hex.EncodeToString(secretBytes)
	return rawKey, prefix, nil
}

// ParseRawKey extracts the lookup prefix from a raw key string.
func ParseRawKey(rawKey string) (prefix string, err error) {
	if !strings.HasPrefix(rawKey, keyFormatPrefix) {
		return "", fmt.Errorf("model: invalid key format: missing %s prefix", keyFormatPrefix)
	}
	rest := rawKey[len(keyFormatPrefix):]
	underIdx := strings.IndexByte(rest, '_')
	if underIdx < 1 || underIdx == len(rest)-1 {
		return "", fmt.Errorf("model: invalid key format: expected kn_<prefix>_<secret>")
	}
	return rest[:underIdx], nil
}

// Valid reports whether r is a known role.
func (r WorkspaceRole) Valid() bool {
	return RoleRank(r) > 0
}

// CreateAPIKeyRequest is the request body for POST /v1/api-keys.
type CreateAPIKeyRequest struct {
	Subject   string        `json:"subject"`
	Role      WorkspaceRole `json:"role"`
	Label     string        `json:"label"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty"`
}

// APIKeyWithRawKey is returned once, at creation. Only the prefix is
// recoverable afterwards.
type APIKeyWithRawKey struct {
	APIKey
	RawKey string `json:"raw_key"`
}
