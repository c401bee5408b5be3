package model

import (
	"fmt"
	"time"
)

// RecipientKind distinguishes To, Cc and Bcc recipients.
type RecipientKind string

const (
	RecipientTo  RecipientKind = "to"
	RecipientCc  RecipientKind = "cc"
	RecipientBcc RecipientKind = "bcc"
)

// Address is a mailbox address with an optional display name.
type Address struct {
	Name  string `json:"name" db:"name"`
	Email string `json:"email" db:"email"`
}

func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Email)
}

// Recipient is an address in one of the recipient headers.
type Recipient struct {
	Kind RecipientKind `json:"kind" db:"kind"`
	Address
}

// MessageFlags is the subset of IMAP system flags the store tracks.
type MessageFlags struct {
	Seen     bool
	Flagged  bool
	Answered bool
	Deleted  bool
	Draft    bool
}

// Message is a synchronized email.
//
// Its natural key is (AccountID, Folder, ValidityEpoch, UID). MessageID is
// the RFC 5322 Message-Id, used to recognize the same message after the
// folder's UIDVALIDITY changes.
type Message struct {
	ID            string `json:"id" db:"id"`
	AccountID     string `json:"account_id" db:"account_id"`
	Folder        string `json:"folder" db:"folder"`
	UID           uint32 `json:"uid" db:"uid"`
	ValidityEpoch uint32 `json:"validity_epoch" db:"uid_validity"`
	MessageID     string `json:"message_id" db:"message_id"`

	From       Address     `json:"from" db:"-"`
	Recipients []Recipient `json:"recipients,omitempty" db:"-"`
	Subject    string      `json:"subject" db:"subject"`
	TextBody   string      `json:"text_body" db:"text_body"`
	HTMLBody   string      `json:"html_body" db:"html_body"`
	Date       time.Time   `json:"date" db:"sent_at"`
	Size       int64       `json:"size" db:"size"`

	IsRead    bool `json:"is_read" db:"is_read"`
	IsFlagged bool `json:"is_flagged" db:"is_flagged"`
	IsDeleted bool `json:"is_deleted" db:"is_deleted"`

	// MovedTo names the folder the message was found in after it vanished
	// from Folder. Empty while the message is still in place.
	MovedTo string `json:"moved_to,omitempty" db:"moved_to"`

	HasAttachments bool              `json:"has_attachments" db:"has_attachments"`
	Headers        map[string]string `json:"headers,omitempty" db:"-"`

	// Attachments is populated by GetMessage.
	Attachments []Attachment `json:"attachments,omitempty" db:"-"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ApplyFlags copies the tracked flags onto the message.
func (m *Message) ApplyFlags(f MessageFlags) {
	m.IsRead = f.Seen
	m.IsFlagged = f.Flagged
	m.IsDeleted = f.Deleted
}

// Attachment is a non-body part of a message.
type Attachment struct {
	ID          string `json:"id" db:"id"`
	ParentID    string `json:"parent_id" db:"message_pk"`
	PartIndex   int    `json:"part_index" db:"part_index"`
	Filename    string `json:"filename" db:"filename"`
	ContentType string `json:"content_type" db:"content_type"`
	Size        int64  `json:"size" db:"size"`

	// ContentID is set for inline parts referenced from the HTML body.
	ContentID string `json:"content_id,omitempty" db:"content_id"`

	// Locator addresses the stored bytes in the blob store. Empty unless
	// attachment download was requested.
	Locator string `json:"locator,omitempty" db:"locator"`

	// Content holds the decoded bytes between parse and store. It is
	// never persisted in the database.
	Content []byte `json:"-" db:"-"`
}

// RawMessage is a message as fetched from the server, before parsing.
type RawMessage struct {
	UID          uint32
	Flags        MessageFlags
	InternalDate time.Time
	Size         int64
	Body         []byte
}

// MessageState is the reconciliation view of a stored message.
type MessageState struct {
	ID        string `db:"id"`
	UID       uint32 `db:"uid"`
	MessageID string `db:"message_id"`
	IsRead    bool   `db:"is_read"`
	IsFlagged bool   `db:"is_flagged"`
	IsDeleted bool   `db:"is_deleted"`
	MovedTo   string `db:"moved_to"`
}

// StatusUpdate is a change to the mutable status of a stored message.
type StatusUpdate struct {
	ID        string
	IsRead    bool
	IsFlagged bool
	IsDeleted bool
	MovedTo   string
}
