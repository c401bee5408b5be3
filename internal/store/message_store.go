package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/model"
)

// idNamespace scopes the name-based UUIDs of messages and attachments.
var idNamespace = uuid.MustParse("6f0d4f6e-3c1a-5b8e-9d5e-8a1f2b7c4e90")

func messageKey(m *model.Message) string {
	return fmt.Sprintf("%s\x00%s\x00%d\x00%d", m.AccountID, m.Folder, m.ValidityEpoch, m.UID)
}

func attachmentID(messagePK string, partIndex int) string {
	return uuid.NewSHA1(idNamespace, []byte(fmt.Sprintf("%s/%d", messagePK, partIndex))).String()
}

// UpsertMessage stores msg with its recipients and attachments as one
// atomic unit and sets msg.ID.
//
// The row is matched on (account, folder, epoch, uid). Failing that, a row
// of the same folder with the same Message-Id under an older epoch is
// re-keyed to the new epoch and UID instead of inserting a duplicate.
// Attachment content is written to the blob store, when one is configured,
// for attachments whose Content is non-nil, after the rows are committed.
// Attachment rows whose part no longer exists are dropped with their blobs.
func (s *SQLStore) UpsertMessage(ctx context.Context, msg *model.Message, atts []model.Attachment) error {
	if msg.AccountID == "" || msg.Folder == "" {
		return fmt.Errorf("message must have account and folder")
	}

	atts = append([]model.Attachment(nil), atts...)
	if s.blobs != nil {
		for i := range atts {
			if atts[i].Content != nil {
				atts[i].Locator = attachmentLocator(msg, atts[i])
			}
		}
	}

	headers, err := json.Marshal(msg.Headers)
	if err != nil {
		return fmt.Errorf("marshaling headers of uid %d: %w", msg.UID, err)
	}

	var stale []string
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		id, rekeyed, err := s.resolveMessageRow(ctx, tx, msg)
		if err != nil {
			return err
		}
		msg.ID = id
		if rekeyed {
			s.log.WithFields(log.Fields{
				"account":    msg.AccountID,
				"folder":     msg.Folder,
				"uid":        msg.UID,
				"epoch":      msg.ValidityEpoch,
				"message_id": msg.MessageID,
			}).Debug("store_message_rekeyed")
		}

		if err := s.writeMessage(ctx, tx, msg, string(headers)); err != nil {
			return err
		}
		if err := writeRecipients(ctx, tx, msg); err != nil {
			return err
		}
		stale, err = pruneAttachments(ctx, tx, msg.ID, atts)
		if err != nil {
			return err
		}
		return writeAttachments(ctx, tx, msg.ID, atts)
	})
	if err != nil {
		return &StorageError{Op: "upsert message", Err: fmt.Errorf("uid %d in %s/%s: %w", msg.UID, msg.AccountID, msg.Folder, err)}
	}

	if s.blobs != nil {
		// A failed write leaves a locator without content; the caller does
		// not advance its cursor, so the refetch writes it again.
		for i := range atts {
			if atts[i].Content == nil || atts[i].Locator == "" {
				continue
			}
			if err := s.blobs.Put(atts[i].Locator, atts[i].Content); err != nil {
				return &StorageError{Op: "write attachment", Err: err}
			}
		}
		for _, locator := range stale {
			if err := s.blobs.Remove(locator); err != nil {
				s.log.WithError(err).WithField("locator", locator).Warn("store_blob_remove_failed")
			}
		}
	}

	msg.Attachments = atts
	return nil
}

// resolveMessageRow finds the row id msg should be written to. The id is
// empty when a new row must be inserted.
func (s *SQLStore) resolveMessageRow(ctx context.Context, tx *sqlx.Tx, msg *model.Message) (id string, rekeyed bool, err error) {
	err = tx.GetContext(ctx, &id, tx.Rebind(`
		SELECT id FROM messages
		WHERE account_id = ? AND folder = ? AND uid_validity = ? AND uid = ?`),
		msg.AccountID, msg.Folder, msg.ValidityEpoch, msg.UID)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("looking up message: %w", err)
	}

	if msg.MessageID != "" {
		err = tx.GetContext(ctx, &id, tx.Rebind(`
			SELECT id FROM messages
			WHERE account_id = ? AND folder = ? AND message_id = ? AND uid_validity <> ?
			ORDER BY uid_validity DESC, uid
			LIMIT 1`),
			msg.AccountID, msg.Folder, msg.MessageID, msg.ValidityEpoch)
		switch {
		case err == nil:
			return id, true, nil
		case !errors.Is(err, sql.ErrNoRows):
			return "", false, fmt.Errorf("looking up message-id: %w", err)
		}
	}

	return "", false, nil
}

func (s *SQLStore) writeMessage(ctx context.Context, tx *sqlx.Tx, msg *model.Message, headers string) error {
	now := s.now()
	msg.UpdatedAt = now

	if msg.ID == "" {
		msg.ID = uuid.NewSHA1(idNamespace, []byte(messageKey(msg))).String()
		msg.CreatedAt = now

		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO messages (
				id, account_id, folder, uid_validity, uid, message_id,
				from_name, from_email, subject, text_body, html_body,
				sent_at, size, is_read, is_flagged, is_deleted, moved_to,
				has_attachments, headers, created_at, updated_at
			) VALUES (
				?, ?, ?, ?, ?, ?,
				?, ?, ?, ?, ?,
				?, ?, ?, ?, ?, '',
				?, ?, ?, ?
			)`),
			msg.ID, msg.AccountID, msg.Folder, msg.ValidityEpoch, msg.UID, msg.MessageID,
			msg.From.Name, msg.From.Email, msg.Subject, msg.TextBody, msg.HTMLBody,
			msg.Date.UTC(), msg.Size, boolToInt(msg.IsRead), boolToInt(msg.IsFlagged), boolToInt(msg.IsDeleted),
			boolToInt(msg.HasAttachments), headers, now, now,
		)
		if err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
		return nil
	}

	_, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE messages SET
			uid_validity = ?, uid = ?, message_id = ?,
			from_name = ?, from_email = ?, subject = ?, text_body = ?, html_body = ?,
			sent_at = ?, size = ?, is_read = ?, is_flagged = ?, is_deleted = ?, moved_to = '',
			has_attachments = ?, headers = ?, updated_at = ?
		WHERE id = ?`),
		msg.ValidityEpoch, msg.UID, msg.MessageID,
		msg.From.Name, msg.From.Email, msg.Subject, msg.TextBody, msg.HTMLBody,
		msg.Date.UTC(), msg.Size, boolToInt(msg.IsRead), boolToInt(msg.IsFlagged), boolToInt(msg.IsDeleted),
		boolToInt(msg.HasAttachments), headers, now,
		msg.ID,
	)
	if err != nil {
		return fmt.Errorf("updating message %s: %w", msg.ID, err)
	}
	return nil
}

func writeRecipients(ctx context.Context, tx *sqlx.Tx, msg *model.Message) error {
	if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM recipients WHERE message_pk = ?"), msg.ID); err != nil {
		return fmt.Errorf("clearing recipients: %w", err)
	}
	if len(msg.Recipients) == 0 {
		return nil
	}

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
		INSERT INTO recipients (message_pk, kind, position, name, email)
		VALUES (?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("preparing recipient insert: %w", err)
	}
	defer stmt.Close()

	positions := make(map[model.RecipientKind]int)
	for _, r := range msg.Recipients {
		pos := positions[r.Kind]
		positions[r.Kind]++
		if _, err := stmt.ExecContext(ctx, msg.ID, string(r.Kind), pos, r.Name, r.Email); err != nil {
			return fmt.Errorf("inserting recipient %s: %w", r.Email, err)
		}
	}
	return nil
}

// pruneAttachments deletes the attachment rows of messagePK whose part
// index is not in atts and returns the blob locators they referenced.
func pruneAttachments(ctx context.Context, tx *sqlx.Tx, messagePK string, atts []model.Attachment) ([]string, error) {
	var existing []struct {
		PartIndex int    `db:"part_index"`
		Locator   string `db:"locator"`
	}
	err := tx.SelectContext(ctx, &existing, tx.Rebind(`
		SELECT part_index, locator FROM attachments WHERE message_pk = ?`), messagePK)
	if err != nil {
		return nil, fmt.Errorf("listing attachments: %w", err)
	}

	keep := make(map[int]bool, len(atts))
	for _, a := range atts {
		keep[a.PartIndex] = true
	}
	var stale []string
	for _, row := range existing {
		if keep[row.PartIndex] {
			continue
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			DELETE FROM attachments WHERE message_pk = ? AND part_index = ?`), messagePK, row.PartIndex)
		if err != nil {
			return nil, fmt.Errorf("deleting attachment %d: %w", row.PartIndex, err)
		}
		if row.Locator != "" {
			stale = append(stale, row.Locator)
		}
	}
	return stale, nil
}

func writeAttachments(ctx context.Context, tx *sqlx.Tx, messagePK string, atts []model.Attachment) error {
	if len(atts) == 0 {
		return nil
	}

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
		INSERT INTO attachments (
			id, message_pk, part_index, filename, content_type, size, content_id, locator
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (message_pk, part_index) DO UPDATE SET
			filename = excluded.filename,
			content_type = excluded.content_type,
			size = excluded.size,
			content_id = excluded.content_id,
			locator = CASE WHEN excluded.locator <> '' THEN excluded.locator ELSE attachments.locator END`))
	if err != nil {
		return fmt.Errorf("preparing attachment upsert: %w", err)
	}
	defer stmt.Close()

	for i := range atts {
		a := &atts[i]
		a.ParentID = messagePK
		if a.ID == "" {
			a.ID = attachmentID(messagePK, a.PartIndex)
		}
		if a.ContentType == "" {
			a.ContentType = "application/octet-stream"
		}
		_, err := stmt.ExecContext(ctx,
			a.ID, messagePK, a.PartIndex, a.Filename, a.ContentType, a.Size, a.ContentID, a.Locator)
		if err != nil {
			return fmt.Errorf("upserting attachment %d: %w", a.PartIndex, err)
		}
	}
	return nil
}

// ListMessageStates returns the mutable status of stored messages for
// reconciliation. Messages already known to have moved are excluded.
func (s *SQLStore) ListMessageStates(ctx context.Context, q StateQuery) ([]model.MessageState, error) {
	query := `
		SELECT id, uid, message_id, is_read, is_flagged, is_deleted, moved_to
		FROM messages
		WHERE account_id = ? AND folder = ? AND uid_validity = ?
			AND uid > ? AND uid <= ? AND moved_to = ''
		ORDER BY uid`
	args := []interface{}{q.AccountID, q.Folder, q.ValidityEpoch, q.AfterUID, q.MaxUID}
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	var states []model.MessageState
	if err := s.db.SelectContext(ctx, &states, s.db.Rebind(query), args...); err != nil {
		return nil, &StorageError{Op: "list message states", Err: err}
	}
	return states, nil
}

// UpdateMessageStatus applies status changes in a single transaction.
func (s *SQLStore) UpdateMessageStatus(ctx context.Context, updates []model.StatusUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
			UPDATE messages SET is_read = ?, is_flagged = ?, is_deleted = ?, moved_to = ?, updated_at = ?
			WHERE id = ?`))
		if err != nil {
			return fmt.Errorf("preparing status update: %w", err)
		}
		defer stmt.Close()

		now := s.now()
		for _, u := range updates {
			res, err := stmt.ExecContext(ctx,
				boolToInt(u.IsRead), boolToInt(u.IsFlagged), boolToInt(u.IsDeleted), u.MovedTo, now, u.ID)
			if err != nil {
				return fmt.Errorf("updating message %s: %w", u.ID, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("message %s: %w", u.ID, ErrNotFound)
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return &StorageError{Op: "update message status", Err: err}
	}
	return nil
}

// FindMessageFolder returns another folder of the account holding a live
// copy of messageID.
func (s *SQLStore) FindMessageFolder(ctx context.Context, accountID, messageID, excludeFolder string) (string, error) {
	if messageID == "" {
		return "", fmt.Errorf("empty message-id: %w", ErrNotFound)
	}

	var folder string
	err := s.db.GetContext(ctx, &folder, s.db.Rebind(`
		SELECT folder FROM messages
		WHERE account_id = ? AND message_id = ? AND folder <> ? AND moved_to = '' AND is_deleted = 0
		ORDER BY updated_at DESC
		LIMIT 1`), accountID, messageID, excludeFolder)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("message-id %s outside %s: %w", messageID, excludeFolder, ErrNotFound)
	}
	if err != nil {
		return "", &StorageError{Op: "find message folder", Err: err}
	}
	return folder, nil
}
