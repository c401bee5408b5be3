package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nhle/mailsync/internal/model"
)

// accountRow mirrors the accounts table. Only the encrypted password token
// is persisted; OAuth material stays in configuration.
type accountRow struct {
	ID       string `db:"id"`
	Name     string `db:"name"`
	Email    string `db:"email"`
	AuthType string `db:"auth_type"`
	Host     string `db:"host"`
	Port     int    `db:"port"`
	Username string `db:"username"`
	UseTLS   bool   `db:"use_tls"`
	Secret   string `db:"secret"`
}

func (r accountRow) toModel() model.Account {
	return model.Account{
		ID:       r.ID,
		Name:     r.Name,
		Email:    r.Email,
		AuthType: model.AuthType(r.AuthType),
		IMAP: model.IMAPConfig{
			Host:     r.Host,
			Port:     r.Port,
			Username: r.Username,
			Password: r.Secret,
			TLS:      r.UseTLS,
		},
	}
}

const accountColumns = "id, name, email, auth_type, host, port, username, use_tls, secret"

// UpsertAccount inserts or updates an account's identity and connection
// parameters.
func (s *SQLStore) UpsertAccount(ctx context.Context, acct model.Account) error {
	if acct.ID == "" {
		return fmt.Errorf("account id must not be empty")
	}
	now := s.now()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO accounts (
			id, name, email, auth_type, host, port, username, use_tls, secret,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			auth_type = excluded.auth_type,
			host = excluded.host,
			port = excluded.port,
			username = excluded.username,
			use_tls = excluded.use_tls,
			secret = excluded.secret,
			updated_at = excluded.updated_at`),
		acct.ID, acct.Name, acct.Email, string(acct.EffectiveAuthType()),
		acct.IMAP.Host, acct.IMAP.Port, acct.IMAP.Username, boolToInt(acct.IMAP.TLS), acct.IMAP.Password,
		now, now,
	)
	if err != nil {
		return &StorageError{Op: "upsert account", Err: fmt.Errorf("account %s: %w", acct.ID, err)}
	}
	return nil
}

// GetAccount retrieves a single account by its ID.
func (s *SQLStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		"SELECT "+accountColumns+" FROM accounts WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, &StorageError{Op: "get account", Err: err}
	}

	acct := row.toModel()
	return &acct, nil
}

// ListAccounts returns every stored account ordered by ID.
func (s *SQLStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	var rows []accountRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT "+accountColumns+" FROM accounts ORDER BY id"); err != nil {
		return nil, &StorageError{Op: "list accounts", Err: err}
	}

	accounts := make([]model.Account, 0, len(rows))
	for _, r := range rows {
		accounts = append(accounts, r.toModel())
	}
	return accounts, nil
}

// UpsertFolder records a folder's attributes and latest epoch. A zero
// epoch (folder listed but not selected) keeps the stored epoch and count.
func (s *SQLStore) UpsertFolder(ctx context.Context, f model.Folder) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO folders (
			account_id, name, delimiter, selectable, special_use,
			validity_epoch, message_count, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, name) DO UPDATE SET
			delimiter = excluded.delimiter,
			selectable = excluded.selectable,
			special_use = excluded.special_use,
			validity_epoch = CASE WHEN excluded.validity_epoch = 0
				THEN folders.validity_epoch ELSE excluded.validity_epoch END,
			message_count = CASE WHEN excluded.validity_epoch = 0
				THEN folders.message_count ELSE excluded.message_count END,
			updated_at = excluded.updated_at`),
		f.AccountID, f.Name, f.Delimiter, boolToInt(f.Selectable), string(f.SpecialUse),
		f.ValidityEpoch, f.MessageCount, s.now(),
	)
	if err != nil {
		return &StorageError{Op: "upsert folder", Err: fmt.Errorf("folder %s/%s: %w", f.AccountID, f.Name, err)}
	}
	return nil
}

// ListFolders returns the folders of an account ordered by name.
func (s *SQLStore) ListFolders(ctx context.Context, accountID string) ([]model.Folder, error) {
	var folders []model.Folder
	err := s.db.SelectContext(ctx, &folders, s.db.Rebind(`
		SELECT account_id, name, delimiter, selectable, special_use,
			validity_epoch, message_count, updated_at
		FROM folders WHERE account_id = ? ORDER BY name`), accountID)
	if err != nil {
		return nil, &StorageError{Op: "list folders", Err: err}
	}
	return folders, nil
}
