// Package inject hands generated text to the user through the system
// clipboard.
package inject

import (
	"errors"
	"fmt"

	"github.com/atotto/clipboard"
)

// ErrUnsupported is returned when no clipboard utility is available.
var ErrUnsupported = errors.New("clipboard not supported on this system")

// Copier places text where the user can paste it.
type Copier interface {
	Copy(text string) error
}

type clipboardCopier struct{}

// New returns a Copier backed by the system clipboard.
func New() Copier {
	return clipboardCopier{}
}

func (clipboardCopier) Copy(text string) error {
	if clipboard.Unsupported {
		return ErrUnsupported
	}
	if err := clipboard.WriteAll(text); err != nil {
		return fmt.Errorf("failed to write clipboard: %w", err)
	}
	return nil
}
