package ftpbridge

import (
	"errors"

	"github.com/deploymenttheory/x79d8/internal/x79err"
)

// ReplyCode maps a VFS-layer error to the FTP reply code the bridge sends
// back to the client (specification §4.8). Errors ftpserverlib generates
// itself (bad command syntax, etc.) never reach this function; it only
// covers errors our own ClientDriver methods return.
func ReplyCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, x79err.ErrReadOnly):
		return 553
	case errors.Is(err, x79err.ErrShutdown):
		return 421
	case errors.Is(err, x79err.ErrNotFound),
		errors.Is(err, x79err.ErrExists),
		errors.Is(err, x79err.ErrNotDirectory),
		errors.Is(err, x79err.ErrIsDirectory),
		errors.Is(err, x79err.ErrNotEmpty):
		return 550
	default:
		var ioErr *x79err.IoError
		if errors.As(err, &ioErr) {
			return 451
		}
		return 500
	}
}
