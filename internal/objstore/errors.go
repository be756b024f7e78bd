package objstore

import (
	"errors"
	"fmt"

	"github.com/maneesh/gridbox/internal/storage"
)

// Error kinds surfaced by the store. Match them with errors.Is; the
// underlying cause stays in the chain.
var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrDuplicateName = errors.New("duplicate name")
	ErrNotFound      = errors.New("not found")
	ErrIO            = errors.New("storage i/o error")
	ErrAborted       = errors.New("aborted")
	ErrNotReady      = errors.New("store not ready")
)

// classify maps a backend error onto the store's error kinds.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
	case errors.Is(err, storage.ErrDuplicate):
		return fmt.Errorf("%s: %w: %w", op, ErrDuplicateName, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrIO, err)
	}
}
