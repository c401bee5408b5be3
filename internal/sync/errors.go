package sync

import (
	"errors"
	"fmt"

	"github.com/nhle/mailsync/internal/mailbox"
)

// SyncError is a failure that ended an account or folder attempt. LastUID
// is the highest UID whose batch was committed before the failure.
type SyncError struct {
	AccountID string
	Folder    string
	LastUID   uint32
	Err       error
}

func (e *SyncError) Error() string {
	if e.Folder == "" {
		return fmt.Sprintf("sync %s: %v", e.AccountID, e.Err)
	}
	return fmt.Sprintf("sync %s/%s (last uid %d): %v", e.AccountID, e.Folder, e.LastUID, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// IsSyncError reports whether err (or any error in its chain) is a SyncError.
func IsSyncError(err error) bool {
	var syncErr *SyncError
	return errors.As(err, &syncErr)
}

// abortsAccount reports whether err ends the whole account attempt rather
// than a single folder.
func abortsAccount(err error) bool {
	return mailbox.IsConnectionError(err) || mailbox.IsAuthError(err)
}
