package cmd

import (
	"errors"

	"github.com/deploymenttheory/x79d8/internal/x79err"
)

// exitCodeFor maps a store error to the CLI's documented exit code.
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, x79err.ErrBadPassword):
		return ExitBadPassword
	case errors.Is(err, x79err.ErrWalCorrupt), errors.Is(err, x79err.ErrCorruptBlock),
		errors.Is(err, x79err.ErrConfigCorrupt), errors.Is(err, x79err.ErrConfigMissing):
		return ExitStoreCorrupt
	default:
		var ioErr *x79err.IoError
		if errors.As(err, &ioErr) {
			return ExitIoError
		}
		return ExitUsage
	}
}
