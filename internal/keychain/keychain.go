// Package keychain stores pairing credentials at rest.
//
// Credentials (auth tokens, gateway client secrets) never go into the
// SQLite store; they live here, keyed by endpoint id. The file-backed
// implementation encrypts every entry so a copied database plus a copied
// credential directory still needs the key file to be useful.
package keychain

import (
	apperrors "github.com/agentlink/client/internal/errors"
	"github.com/agentlink/client/internal/pairing"
)

// Store persists credentials keyed by endpoint id.
//
// Retrieve returns a "keychain.not_found" error for unknown keys. Delete
// is idempotent.
type Store interface {
	Save(key string, creds *pairing.Credentials) error
	Retrieve(key string) (*pairing.Credentials, error)
	Delete(key string) error
}

// IsNotFound reports whether err is the missing-entry error.
func IsNotFound(err error) bool {
	return apperrors.IsCode(err, apperrors.CodeKeychainNotFound)
}
