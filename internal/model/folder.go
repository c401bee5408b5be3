package model

import (
	"strings"
	"time"
)

// SpecialUse is the role a folder plays in the mailbox.
type SpecialUse string

const (
	SpecialUseNone    SpecialUse = ""
	SpecialUseInbox   SpecialUse = "inbox"
	SpecialUseSent    SpecialUse = "sent"
	SpecialUseDrafts  SpecialUse = "drafts"
	SpecialUseTrash   SpecialUse = "trash"
	SpecialUseJunk    SpecialUse = "junk"
	SpecialUseArchive SpecialUse = "archive"
	SpecialUseAll     SpecialUse = "all"
	SpecialUseFlagged SpecialUse = "flagged"
)

// GuessSpecialUse infers a folder role from its name, for servers that do
// not advertise SPECIAL-USE attributes.
func GuessSpecialUse(name string) SpecialUse {
	lower := strings.ToLower(name)
	switch {
	case lower == "inbox":
		return SpecialUseInbox
	case strings.Contains(lower, "sent"):
		return SpecialUseSent
	case strings.Contains(lower, "trash"), strings.Contains(lower, "deleted"):
		return SpecialUseTrash
	case strings.Contains(lower, "draft"):
		return SpecialUseDrafts
	case strings.Contains(lower, "junk"), strings.Contains(lower, "spam"):
		return SpecialUseJunk
	case strings.Contains(lower, "archive"):
		return SpecialUseArchive
	}
	return SpecialUseNone
}

// Folder is a remote mailbox folder belonging to an account.
type Folder struct {
	AccountID  string     `json:"account_id" db:"account_id"`
	Name       string     `json:"name" db:"name"`
	Delimiter  string     `json:"delimiter" db:"delimiter"`
	Selectable bool       `json:"selectable" db:"selectable"`
	SpecialUse SpecialUse `json:"special_use" db:"special_use"`

	// ValidityEpoch is the last UIDVALIDITY observed for the folder.
	ValidityEpoch uint32 `json:"validity_epoch" db:"validity_epoch"`

	MessageCount uint32    `json:"message_count" db:"message_count"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// FolderMeta is what selecting a folder reports about it.
type FolderMeta struct {
	ValidityEpoch uint32
	MessageCount  uint32
}
