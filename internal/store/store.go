package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/mailsync/internal/model"
)

// ErrNotFound is returned (wrapped) when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// StorageError reports a failed read or write against the database or
// blob storage.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err (or any error in its chain) is a StorageError.
func IsStorageError(err error) bool {
	var storageErr *StorageError
	return errors.As(err, &storageErr)
}

// MessageFilter controls filtering and pagination for message search.
// Nil pointers and empty strings match everything.
type MessageFilter struct {
	AccountID string
	Folder    string

	From    string // substring of sender name or address
	To      string // substring of any recipient name or address
	Subject string // substring of subject
	Query   string // substring of subject or text body

	After  *time.Time
	Before *time.Time

	IsRead         *bool
	HasAttachments *bool
	IncludeDeleted bool

	Limit  int
	Offset int
}

// Stats holds row counts, mostly for status output and tests.
type Stats struct {
	Messages    int `db:"messages"`
	Recipients  int `db:"recipients"`
	Attachments int `db:"attachments"`
}

// Store is the local persistence interface for synchronized mail.
type Store interface {
	// === Accounts and folders ===

	UpsertAccount(ctx context.Context, acct model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	UpsertFolder(ctx context.Context, f model.Folder) error
	ListFolders(ctx context.Context, accountID string) ([]model.Folder, error)

	// === Sync cursors ===

	GetCursor(ctx context.Context, accountID, folder string) (model.SyncCursor, error)
	SaveCursor(ctx context.Context, c model.SyncCursor) error
	ListCursors(ctx context.Context, accountID string) ([]model.SyncCursor, error)

	// === Messages ===

	UpsertMessage(ctx context.Context, msg *model.Message, atts []model.Attachment) error
	ListMessageStates(ctx context.Context, q StateQuery) ([]model.MessageState, error)
	UpdateMessageStatus(ctx context.Context, updates []model.StatusUpdate) error
	FindMessageFolder(ctx context.Context, accountID, messageID, excludeFolder string) (string, error)

	// === Queries ===

	Search(ctx context.Context, f MessageFilter) ([]model.Message, error)
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	GetAttachment(ctx context.Context, id string) (*model.Attachment, error)
	AttachmentContent(ctx context.Context, id string) ([]byte, error)
	Stats(ctx context.Context) (Stats, error)

	// LockFolder serializes writers of one (account, folder) pair within
	// the process. The returned func releases the lock.
	LockFolder(accountID, folder string) (unlock func())

	Close() error
}

// StateQuery selects stored messages of one folder epoch for status
// reconciliation, in ascending UID order.
type StateQuery struct {
	AccountID     string
	Folder        string
	ValidityEpoch uint32
	AfterUID      uint32 // exclusive
	MaxUID        uint32 // inclusive
	Limit         int
}
