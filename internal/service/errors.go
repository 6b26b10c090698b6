package service

import (
	"errors"
	"fmt"

	"github.com/richardliu001/event-service/internal/repo"
)

// Caller-visible error classes. Handlers map them to status codes with errors.Is.
var (
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("conflict")
	ErrNotFound   = errors.New("not found")
)

// translate maps store errors onto the service classes. Unknown errors pass
// through untouched and surface as internal errors.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repo.ErrEmptyName):
		return fmt.Errorf("%w: %w", ErrValidation, err)
	case errors.Is(err, repo.ErrDuplicateName):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case errors.Is(err, repo.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}
