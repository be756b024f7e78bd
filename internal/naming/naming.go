// Package naming generates the stored filenames of uploaded objects.
package naming

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"
)

// randomBytes is the amount of entropy in every generated name.
const randomBytes = 16

// Generate returns 32 random hex characters followed by ext verbatim.
// Uniqueness is not checked here; the store rejects duplicates on create.
func Generate(ext string) (string, error) {
	buf := make([]byte, randomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf) + ext, nil
}

// Ext returns the extension of an uploaded file's original name,
// including the leading dot, or "" if it has none.
func Ext(originalName string) string {
	return filepath.Ext(filepath.Base(originalName))
}
