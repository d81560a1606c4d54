package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"

	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/storage"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// ErrInvalidCredentials is returned for any key that does not authenticate.
// Callers must not distinguish unknown prefixes from wrong secrets.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// KeyLookup finds an active key by its public prefix.
type KeyLookup interface {
	GetAPIKeyByPrefix(ctx context.Context, workspaceID uuid.UUID, prefix string) (model.APIKey, error)
}

// HashAPIKey hashes a raw API key with Argon2id as "salt$hash".
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return base64.StdEncoding.EncodeToString(salt) + "$" + base64.StdEncoding.EncodeToString(hash), nil
}

// DummyVerify burns one Argon2id hash so failed lookups take as long as
// failed verifications.
func DummyVerify() {
	argon2.IDKey([]byte("dummy"), make([]byte, saltLen), argonTime, argonMemory, argonThreads, argonKeyLen)
}

// VerifyAPIKey checks a raw key against an encoded Argon2id hash.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	saltB64, hashB64, ok := strings.Cut(encoded, "$")
	if !ok {
		return false, fmt.Errorf("auth: invalid hash format")
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}
	expected, err := base64.StdEncoding.DecodeString(hashB64)
	if err != nil {
		return false, fmt.Errorf("auth: decode hash: %w", err)
	}

	computed := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(expected, computed) == 1, nil
}

// Authenticate resolves a raw kn_ key to its stored record. Every failure
// that is not a storage outage comes back as ErrInvalidCredentials.
func Authenticate(ctx context.Context, keys KeyLookup, workspaceID uuid.UUID, rawKey string, now time.Time) (model.APIKey, error) {
	prefix, err := model.ParseRawKey(rawKey)
	if err != nil {
		DummyVerify()
		return model.APIKey{}, ErrInvalidCredentials
	}

	key, err := keys.GetAPIKeyByPrefix(ctx, workspaceID, prefix)
	if err != nil {
		DummyVerify()
		if errors.Is(err, storage.ErrNotFound) {
			return model.APIKey{}, ErrInvalidCredentials
		}
		return model.APIKey{}, fmt.Errorf("auth: look up key: %w", err)
	}

	valid, err := VerifyAPIKey(rawKey, key.KeyHash)
	if err != nil || !valid || !key.Usable(now) {
		return model.APIKey{}, ErrInvalidCredentials
	}
	return key, nil
}
