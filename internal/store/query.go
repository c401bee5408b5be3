package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nhle/mailsync/internal/model"
)

// messageRow adds the columns that do not map directly onto model.Message.
type messageRow struct {
	model.Message
	FromName  string `db:"from_name"`
	FromEmail string `db:"from_email"`
	Headers   string `db:"headers"`
}

func (r *messageRow) toModel(withHeaders bool) (model.Message, error) {
	msg := r.Message
	msg.From = model.Address{Name: r.FromName, Email: r.FromEmail}
	if withHeaders && r.Headers != "" {
		if err := json.Unmarshal([]byte(r.Headers), &msg.Headers); err != nil {
			return msg, fmt.Errorf("decoding headers of message %s: %w", msg.ID, err)
		}
	}
	return msg, nil
}

const messageColumns = `id, account_id, folder, uid_validity, uid, message_id,
	from_name, from_email, subject, text_body, html_body, sent_at, size,
	is_read, is_flagged, is_deleted, moved_to, has_attachments, headers,
	created_at, updated_at`

// Search returns messages matching f, newest first. Bodies are included;
// recipients and attachments are not.
func (s *SQLStore) Search(ctx context.Context, f MessageFilter) ([]model.Message, error) {
	var conditions []string
	var args []interface{}

	like := func(v string) string { return "%" + strings.ToLower(v) + "%" }

	if f.AccountID != "" {
		conditions = append(conditions, "account_id = ?")
		args = append(args, f.AccountID)
	}
	if f.Folder != "" {
		conditions = append(conditions, "folder = ?")
		args = append(args, f.Folder)
	}
	if f.From != "" {
		conditions = append(conditions, "(LOWER(from_email) LIKE ? OR LOWER(from_name) LIKE ?)")
		args = append(args, like(f.From), like(f.From))
	}
	if f.To != "" {
		conditions = append(conditions, `EXISTS (
			SELECT 1 FROM recipients r
			WHERE r.message_pk = messages.id AND (LOWER(r.email) LIKE ? OR LOWER(r.name) LIKE ?))`)
		args = append(args, like(f.To), like(f.To))
	}
	if f.Subject != "" {
		conditions = append(conditions, "LOWER(subject) LIKE ?")
		args = append(args, like(f.Subject))
	}
	if f.Query != "" {
		conditions = append(conditions, "(LOWER(subject) LIKE ? OR LOWER(text_body) LIKE ?)")
		args = append(args, like(f.Query), like(f.Query))
	}
	if f.After != nil {
		conditions = append(conditions, "sent_at >= ?")
		args = append(args, f.After.UTC())
	}
	if f.Before != nil {
		conditions = append(conditions, "sent_at < ?")
		args = append(args, f.Before.UTC())
	}
	if f.IsRead != nil {
		conditions = append(conditions, "is_read = ?")
		args = append(args, boolToInt(*f.IsRead))
	}
	if f.HasAttachments != nil {
		conditions = append(conditions, "has_attachments = ?")
		args = append(args, boolToInt(*f.HasAttachments))
	}
	if !f.IncludeDeleted {
		conditions = append(conditions, "is_deleted = 0")
	}

	query := "SELECT " + messageColumns + " FROM messages"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY sent_at DESC, uid DESC"

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", f.Offset)
	}

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, &StorageError{Op: "search messages", Err: err}
	}

	messages := make([]model.Message, 0, len(rows))
	for i := range rows {
		msg, err := rows[i].toModel(false)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// GetMessage retrieves a message with headers, recipients and attachment
// metadata.
func (s *SQLStore) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind("SELECT "+messageColumns+" FROM messages WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, &StorageError{Op: "get message", Err: err}
	}

	msg, err := row.toModel(true)
	if err != nil {
		return nil, err
	}

	err = s.db.SelectContext(ctx, &msg.Recipients, s.db.Rebind(`
		SELECT kind, name, email FROM recipients
		WHERE message_pk = ?
		ORDER BY CASE kind WHEN 'to' THEN 0 WHEN 'cc' THEN 1 ELSE 2 END, position`), id)
	if err != nil {
		return nil, &StorageError{Op: "get recipients", Err: err}
	}

	err = s.db.SelectContext(ctx, &msg.Attachments, s.db.Rebind(`
		SELECT `+attachmentColumns+` FROM attachments
		WHERE message_pk = ? ORDER BY part_index`), id)
	if err != nil {
		return nil, &StorageError{Op: "get attachments", Err: err}
	}

	return &msg, nil
}

const attachmentColumns = "id, message_pk, part_index, filename, content_type, size, content_id, locator"

// GetAttachment retrieves attachment metadata by ID.
func (s *SQLStore) GetAttachment(ctx context.Context, id string) (*model.Attachment, error) {
	var att model.Attachment
	err := s.db.GetContext(ctx, &att, s.db.Rebind("SELECT "+attachmentColumns+" FROM attachments WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("attachment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, &StorageError{Op: "get attachment", Err: err}
	}
	return &att, nil
}

// AttachmentContent returns the stored bytes of an attachment. It fails
// with ErrNotFound when the content was never downloaded.
func (s *SQLStore) AttachmentContent(ctx context.Context, id string) ([]byte, error) {
	att, err := s.GetAttachment(ctx, id)
	if err != nil {
		return nil, err
	}
	if att.Locator == "" || s.blobs == nil {
		return nil, fmt.Errorf("content of attachment %s: %w", id, ErrNotFound)
	}

	data, err := s.blobs.Get(att.Locator)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, &StorageError{Op: "read attachment", Err: err}
	}
	return data, nil
}

// Stats counts stored rows.
func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.GetContext(ctx, &st, `
		SELECT
			(SELECT COUNT(*) FROM messages) AS messages,
			(SELECT COUNT(*) FROM recipients) AS recipients,
			(SELECT COUNT(*) FROM attachments) AS attachments`)
	if err != nil {
		return Stats{}, &StorageError{Op: "stats", Err: err}
	}
	return st, nil
}
