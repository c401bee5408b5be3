package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nhle/mailsync/internal/model"
)

// GetCursor returns the persisted cursor of a folder, or an error wrapping
// ErrNotFound if the folder was never synchronized.
func (s *SQLStore) GetCursor(ctx context.Context, accountID, folder string) (model.SyncCursor, error) {
	var c model.SyncCursor
	err := s.db.GetContext(ctx, &c, s.db.Rebind(`
		SELECT account_id, folder, last_uid, validity_epoch, last_sync
		FROM sync_cursors WHERE account_id = ? AND folder = ?`), accountID, folder)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SyncCursor{AccountID: accountID, Folder: folder},
			fmt.Errorf("cursor %s/%s: %w", accountID, folder, ErrNotFound)
	}
	if err != nil {
		return model.SyncCursor{}, &StorageError{Op: "get cursor", Err: err}
	}
	return c, nil
}

// SaveCursor persists c. A zero LastSync is stamped with the current time.
func (s *SQLStore) SaveCursor(ctx context.Context, c model.SyncCursor) error {
	if c.LastSync.IsZero() {
		c.LastSync = s.now()
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO sync_cursors (account_id, folder, last_uid, validity_epoch, last_sync)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account_id, folder) DO UPDATE SET
			last_uid = excluded.last_uid,
			validity_epoch = excluded.validity_epoch,
			last_sync = excluded.last_sync`),
		c.AccountID, c.Folder, c.LastUID, c.ValidityEpoch, c.LastSync.UTC(),
	)
	if err != nil {
		return &StorageError{Op: "save cursor", Err: fmt.Errorf("cursor %s/%s: %w", c.AccountID, c.Folder, err)}
	}
	return nil
}

// ListCursors returns the cursors of an account, or of all accounts when
// accountID is empty.
func (s *SQLStore) ListCursors(ctx context.Context, accountID string) ([]model.SyncCursor, error) {
	query := "SELECT account_id, folder, last_uid, validity_epoch, last_sync FROM sync_cursors"
	var args []interface{}
	if accountID != "" {
		query += " WHERE account_id = ?"
		args = append(args, accountID)
	}
	query += " ORDER BY account_id, folder"

	var cursors []model.SyncCursor
	if err := s.db.SelectContext(ctx, &cursors, s.db.Rebind(query), args...); err != nil {
		return nil, &StorageError{Op: "list cursors", Err: err}
	}
	return cursors, nil
}
